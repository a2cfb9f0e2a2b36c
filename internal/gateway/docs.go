// ABOUTME: Public /docs page describing the operation and resource catalog
// ABOUTME: Builds Markdown from the frozen registry and renders it to HTML with goldmark

package gateway

import (
	"bytes"
	"fmt"
	"html"
	"slices"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/orchestrator-gateway/internal/auth"
	"github.com/2389/orchestrator-gateway/internal/config"
	"github.com/2389/orchestrator-gateway/internal/mcp"
	"github.com/2389/orchestrator-gateway/internal/registry"
)

const docsPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>%s</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 60rem; margin: 2rem auto; padding: 0 1rem; line-height: 1.5; }
table { border-collapse: collapse; width: 100%%; }
th, td { border: 1px solid #ccc; padding: 0.3rem 0.6rem; text-align: left; vertical-align: top; }
code { background: #f4f4f4; padding: 0 0.2rem; }
</style>
</head>
<body>
%s
</body>
</html>
`

// renderDocs renders the catalog once at startup. The registry is immutable,
// so the page never changes while the process runs.
func renderDocs(server config.ServerConfig, reg *registry.Registry, scopes *auth.ScopeTable) ([]byte, error) {
	md := docsMarkdown(server, reg, scopes)

	var body bytes.Buffer
	renderer := goldmark.New(goldmark.WithExtensions(extension.Table))
	if err := renderer.Convert([]byte(md), &body); err != nil {
		return nil, fmt.Errorf("converting markdown: %w", err)
	}

	title := server.Name
	if server.Version != "" {
		title += " " + server.Version
	}
	return fmt.Appendf(nil, docsPage, html.EscapeString(title), body.String()), nil
}

func docsMarkdown(server config.ServerConfig, reg *registry.Registry, scopes *auth.ScopeTable) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", server.Name)
	if server.Version != "" {
		fmt.Fprintf(&b, "Version `%s`.\n\n", server.Version)
	}
	if server.Instructions != "" {
		fmt.Fprintf(&b, "%s\n\n", server.Instructions)
	}

	b.WriteString("## Endpoints\n\n")
	b.WriteString("| Path | Access |\n|---|---|\n")
	for _, p := range mcp.Paths() {
		fmt.Fprintf(&b, "| `POST %s` | discovery or bearer token, by method |\n", p)
	}
	for _, p := range PublicPaths() {
		fmt.Fprintf(&b, "| `%s` | public |\n", p)
	}
	b.WriteString("\nExecution requests (`operations/call`, `tools/call`, `resources/read`) need " +
		"`Authorization: Bearer <token>`. Handshake and listings never do.\n\n")

	b.WriteString("## Operations\n\n")
	b.WriteString("| Name | Required scopes | Arguments | Description |\n|---|---|---|---|\n")
	for _, op := range reg.Operations() {
		required, _ := scopes.Required(op.Name)
		fmt.Fprintf(&b, "| `%s` | %s | %s | %s |\n",
			op.Name, scopeList(required), argumentList(op.InputShape), cell(op.Description))
	}

	b.WriteString("\n## Resources\n\n")
	b.WriteString("| URI | Media type | Description |\n|---|---|---|\n")
	for _, res := range reg.Resources() {
		fmt.Fprintf(&b, "| `%s` | `%s` | %s |\n", res.URI, res.MediaType, cell(res.Description))
	}

	return b.String()
}

func scopeList(scopes []string) string {
	if len(scopes) == 0 {
		return "none (valid token)"
	}
	quoted := make([]string, len(scopes))
	for i, s := range scopes {
		quoted[i] = "`" + s + "`"
	}
	return strings.Join(quoted, ", ")
}

// argumentList renders fields as name:type, marking required ones with *.
func argumentList(shape *registry.InputShape) string {
	if shape == nil || len(shape.Fields) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(shape.Fields))
	for _, f := range shape.Fields {
		typ := f.Type
		if f.Items != nil {
			typ += " of " + f.Items.Type
		}
		name := f.Name
		if slices.Contains(shape.Required, f.Name) {
			name += "*"
		}
		parts = append(parts, fmt.Sprintf("`%s: %s`", name, typ))
	}
	return strings.Join(parts, " ")
}

// cell flattens text for a Markdown table cell.
func cell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", `\|`)
}
