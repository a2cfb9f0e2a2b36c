// ABOUTME: Generator is the content-producing collaborator behind the agent operations.
// ABOUTME: TemplateGenerator is a deterministic implementation rendering per-language scaffolds.

package builtins

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"text/template"
	"unicode"
)

// ErrUnsupportedLanguage indicates no template exists for the requested language.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// CodeRequest asks for new code.
type CodeRequest struct {
	Language    string
	Description string
	Name        string // optional symbol name; derived from Description when empty
}

// CodeResult is generated source.
type CodeResult struct {
	Language string `json:"language"`
	Filename string `json:"filename"`
	Code     string `json:"code"`
	Notes    string `json:"notes,omitempty"`
}

// HealRequest asks for broken code to be repaired.
type HealRequest struct {
	Language string
	Code     string
	Error    string // compiler or runtime message, optional
}

// HealResult is repaired source plus what was changed.
type HealResult struct {
	Language string   `json:"language"`
	Code     string   `json:"code"`
	Fixes    []string `json:"fixes"`
	Healed   bool     `json:"healed"`
}

// ArchitectureRequest asks for a system design.
type ArchitectureRequest struct {
	Requirements string
	Scale        string // small, medium, large
	Constraints  []string
}

// Component is one part of a proposed architecture.
type Component struct {
	Name           string   `json:"name"`
	Responsibility string   `json:"responsibility"`
	DependsOn      []string `json:"depends_on,omitempty"`
}

// ArchitectureResult is a proposed design.
type ArchitectureResult struct {
	Summary     string      `json:"summary"`
	Scale       string      `json:"scale"`
	Components  []Component `json:"components"`
	Patterns    []string    `json:"patterns"`
	Constraints []string    `json:"constraints,omitempty"`
}

// Generator produces content for the agent operations. Implementations must
// honor ctx cancellation.
type Generator interface {
	GenerateCode(ctx context.Context, req CodeRequest) (*CodeResult, error)
	HealCode(ctx context.Context, req HealRequest) (*HealResult, error)
	DesignArchitecture(ctx context.Context, req ArchitectureRequest) (*ArchitectureResult, error)
}

// TemplateInfo describes one code template.
type TemplateInfo struct {
	Language  string `json:"language"`
	Extension string `json:"extension"`
	Summary   string `json:"summary"`
}

// TemplateCatalog is implemented by generators that can list their templates.
type TemplateCatalog interface {
	Templates() []TemplateInfo
}

type codeTemplate struct {
	info TemplateInfo
	tmpl *template.Template
}

// Languages supported by TemplateGenerator.
var Languages = []string{"go", "python", "typescript"}

var codeTemplates = map[string]codeTemplate{
	"go": {
		info: TemplateInfo{Language: "go", Extension: ".go", Summary: "Package-level function with context and error return"},
		tmpl: template.Must(template.New("go").Parse(`package {{.Package}}

import "context"

// {{.Exported}} {{.Description}}
func {{.Exported}}(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Implementation goes here.
	return nil
}
`)),
	},
	"python": {
		info: TemplateInfo{Language: "python", Extension: ".py", Summary: "Typed function with docstring"},
		tmpl: template.Must(template.New("python").Parse(`def {{.Snake}}() -> None:
    """{{.Description}}"""
    raise NotImplementedError
`)),
	},
	"typescript": {
		info: TemplateInfo{Language: "typescript", Extension: ".ts", Summary: "Exported async function"},
		tmpl: template.Must(template.New("typescript").Parse(`/** {{.Description}} */
export async function {{.Camel}}(): Promise<void> {
  throw new Error("not implemented");
}
`)),
	},
}

// TemplateGenerator is a deterministic Generator. Identical requests produce
// identical output.
type TemplateGenerator struct{}

// NewTemplateGenerator creates a TemplateGenerator.
func NewTemplateGenerator() *TemplateGenerator {
	return &TemplateGenerator{}
}

// Templates lists the available code templates by language.
func (g *TemplateGenerator) Templates() []TemplateInfo {
	out := make([]TemplateInfo, 0, len(Languages))
	for _, lang := range Languages {
		out = append(out, codeTemplates[lang].info)
	}
	return out
}

// GenerateCode renders the language template for the described function.
func (g *TemplateGenerator) GenerateCode(ctx context.Context, req CodeRequest) (*CodeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lang := strings.ToLower(req.Language)
	ct, ok := codeTemplates[lang]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, req.Language)
	}

	words := identifierWords(req.Name)
	if len(words) == 0 {
		words = identifierWords(req.Description)
	}
	if len(words) > 3 {
		words = words[:3]
	}
	if len(words) == 0 {
		words = []string{"generated"}
	}

	data := struct {
		Package, Exported, Snake, Camel, Description string
	}{
		Package:     "generated",
		Exported:    pascal(words),
		Snake:       strings.Join(words, "_"),
		Camel:       camel(words),
		Description: strings.TrimSpace(strings.ReplaceAll(req.Description, "\n", " ")),
	}

	var buf bytes.Buffer
	if err := ct.tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("rendering %s template: %w", lang, err)
	}

	filename := data.Snake + ct.info.Extension
	return &CodeResult{
		Language: lang,
		Filename: filename,
		Code:     buf.String(),
		Notes:    "scaffold generated from template; fill in the implementation",
	}, nil
}

// bracketPairs maps closers to openers for the brace balancer.
var bracketPairs = map[rune]rune{')': '(', ']': '[', '}': '{'}

var trailingSpace = regexp.MustCompile(`[ \t]+\n`)

// HealCode applies mechanical repairs: trailing whitespace, mixed
// indentation in Python, and unbalanced closing brackets.
func (g *TemplateGenerator) HealCode(ctx context.Context, req HealRequest) (*HealResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lang := strings.ToLower(req.Language)
	if _, ok := codeTemplates[lang]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, req.Language)
	}

	code := req.Code
	fixes := []string{}

	if cleaned := trailingSpace.ReplaceAllString(code, "\n"); cleaned != code {
		code = cleaned
		fixes = append(fixes, "removed trailing whitespace")
	}

	if lang == "python" && strings.Contains(code, "\t") {
		code = strings.ReplaceAll(code, "\t", "    ")
		fixes = append(fixes, "replaced tabs with four spaces")
	}

	if missing := unclosedBrackets(code); missing != "" {
		code = strings.TrimRight(code, "\n") + "\n" + missing + "\n"
		fixes = append(fixes, fmt.Sprintf("closed %d unbalanced bracket(s)", len(missing)))
	}

	if code != "" && !strings.HasSuffix(code, "\n") {
		code += "\n"
		fixes = append(fixes, "added trailing newline")
	}

	if req.Error != "" && len(fixes) == 0 {
		fixes = append(fixes, "no mechanical fix found for: "+firstLine(req.Error))
	}

	return &HealResult{
		Language: lang,
		Code:     code,
		Fixes:    fixes,
		Healed:   code != req.Code,
	}, nil
}

// unclosedBrackets returns the closers needed to balance code, innermost
// first. Brackets inside string literals are not distinguished.
func unclosedBrackets(code string) string {
	closers := map[rune]rune{'(': ')', '[': ']', '{': '}'}
	var stack []rune
	for _, r := range code {
		switch r {
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) > 0 && stack[len(stack)-1] == bracketPairs[r] {
				stack = stack[:len(stack)-1]
			}
		}
	}
	var b strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteRune(closers[stack[i]])
	}
	return b.String()
}

// Scales accepted by DesignArchitecture.
var Scales = []string{"small", "medium", "large"}

// DesignArchitecture proposes a layered design sized to the requested scale.
func (g *TemplateGenerator) DesignArchitecture(ctx context.Context, req ArchitectureRequest) (*ArchitectureResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scale := strings.ToLower(req.Scale)
	if scale == "" {
		scale = "small"
	}
	if !slices.Contains(Scales, scale) {
		return nil, fmt.Errorf("unknown scale %q", req.Scale)
	}

	components := []Component{
		{Name: "api", Responsibility: "HTTP surface, request validation, authentication", DependsOn: []string{"service"}},
		{Name: "service", Responsibility: "business rules", DependsOn: []string{"store"}},
		{Name: "store", Responsibility: "persistence"},
	}
	patterns := []string{"layered architecture", "dependency injection"}

	if scale == "medium" || scale == "large" {
		components = append(components,
			Component{Name: "cache", Responsibility: "read-through cache in front of the store"},
			Component{Name: "worker", Responsibility: "background jobs off the request path", DependsOn: []string{"queue", "store"}},
			Component{Name: "queue", Responsibility: "durable job queue"},
		)
		components[1].DependsOn = append(components[1].DependsOn, "cache", "queue")
		patterns = append(patterns, "cache-aside", "asynchronous work queue")
	}
	if scale == "large" {
		components = append(components,
			Component{Name: "gateway", Responsibility: "edge routing, rate limiting, TLS termination", DependsOn: []string{"api"}},
			Component{Name: "telemetry", Responsibility: "metrics, traces, structured logs"},
		)
		patterns = append(patterns, "horizontal scaling behind a load balancer", "circuit breaker on downstream calls")
	}

	summary := fmt.Sprintf("%s-scale design with %d components", scale, len(components))
	if r := firstLine(req.Requirements); r != "" {
		summary += " for: " + r
	}

	return &ArchitectureResult{
		Summary:     summary,
		Scale:       scale,
		Components:  components,
		Patterns:    patterns,
		Constraints: req.Constraints,
	}, nil
}

// identifierWords splits free text into lowercase ASCII words usable in an identifier.
func identifierWords(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)))
	})
	out := fields[:0]
	for _, f := range fields {
		if unicode.IsDigit(rune(f[0])) && len(out) == 0 {
			continue
		}
		out = append(out, f)
	}
	return out
}

func pascal(words []string) string {
	var b strings.Builder
	for _, w := range words {
		b.WriteString(strings.ToUpper(w[:1]) + w[1:])
	}
	return b.String()
}

func camel(words []string) string {
	p := pascal(words)
	return strings.ToLower(p[:1]) + p[1:]
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

var (
	_ Generator       = (*TemplateGenerator)(nil)
	_ TemplateCatalog = (*TemplateGenerator)(nil)
)
