// Package conversion renders agent message markdown into sanitized HTML for
// the canonical event payload.
package conversion

import (
	"bytes"
	"html"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	goldmarkhtml "github.com/yuin/goldmark/renderer/html"
)

// Renderer converts markdown to sanitized HTML. It is safe for concurrent use.
type Renderer struct {
	md        goldmark.Markdown
	sanitizer *bluemonday.Policy
}

// NewRenderer creates a renderer with GFM extensions, syntax highlighting and
// a sanitization policy suitable for agent output.
func NewRenderer() *Renderer {
	return &Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				highlighting.NewHighlighting(
					highlighting.WithStyle("monokai"),
				),
			),
			goldmark.WithParserOptions(
				parser.WithAutoHeadingID(),
			),
			goldmark.WithRendererOptions(
				goldmarkhtml.WithHardWraps(),
				goldmarkhtml.WithXHTML(),
			),
		),
		sanitizer: newSanitizer(),
	}
}

// newSanitizer builds a bluemonday policy that keeps the markup goldmark and
// the highlighter emit while stripping anything an agent could abuse.
func newSanitizer() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).OnElements("code", "pre", "span", "div")
	p.AllowAttrs("style").OnElements("span", "pre")
	p.AllowAttrs("id").Matching(bluemonday.Paragraph).OnElements("h1", "h2", "h3", "h4", "h5", "h6")
	return p
}

// Render converts markdown to sanitized HTML. On conversion failure the raw
// text is HTML-escaped instead, so a malformed message never breaks the
// stream.
func (r *Renderer) Render(markdown string) string {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(markdown), &buf); err != nil {
		return "<p>" + html.EscapeString(markdown) + "</p>"
	}
	return r.sanitizer.Sanitize(buf.String())
}

var (
	defaultRenderer     *Renderer
	defaultRendererOnce sync.Once
)

// Default returns the shared renderer instance.
func Default() *Renderer {
	defaultRendererOnce.Do(func() {
		defaultRenderer = NewRenderer()
	})
	return defaultRenderer
}
