// Package help renders the key reference and a short explanation of the
// monitor as Markdown through Glamour.
package help

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/glamour"
)

const intro = `# Session monitor

Keeps the auth session in this terminal in step with every other tab
sharing the state directory. Tokens are renewed shortly before the
access token expires; the status bar shows how long each token has left.
`

// Model caches a renderer per width.
type Model struct {
	width    int
	renderer *glamour.TermRenderer
}

func New() *Model {
	return &Model{}
}

// Markdown builds the help document for bindings.
func Markdown(bindings []key.Binding) string {
	var b strings.Builder
	b.WriteString(intro)
	b.WriteString("\n## Keys\n\n| key | action |\n|---|---|\n")
	for _, kb := range bindings {
		h := kb.Help()
		if h.Key == "" {
			continue
		}
		fmt.Fprintf(&b, "| `%s` | %s |\n", h.Key, h.Desc)
	}
	return b.String()
}

// View renders the help document wrapped to width.
func (m *Model) View(bindings []key.Binding, width int) (string, error) {
	if m.renderer == nil || m.width != width {
		r, err := glamour.NewTermRenderer(
			glamour.WithStandardStyle("dark"),
			glamour.WithWordWrap(max(width-4, 20)),
		)
		if err != nil {
			return "", fmt.Errorf("creating help renderer: %w", err)
		}
		m.renderer, m.width = r, width
	}
	out, err := m.renderer.Render(Markdown(bindings))
	if err != nil {
		return "", fmt.Errorf("rendering help: %w", err)
	}
	return out, nil
}
