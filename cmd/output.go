package cmd

import (
	"encoding/json"
	"io"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorGood  = lipgloss.Color("#4ECDC4")
	colorAlert = lipgloss.Color("#FF6B6B")
	colorWarn  = lipgloss.Color("#FFE66D")
	colorMuted = lipgloss.Color("#6c757d")
)

// styles renders for one writer. A writer that is not a terminal gets
// plain text.
type styles struct {
	good  lipgloss.Style
	bad   lipgloss.Style
	warn  lipgloss.Style
	muted lipgloss.Style
	title lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		good:  r.NewStyle().Foreground(colorGood).Bold(true),
		bad:   r.NewStyle().Foreground(colorAlert).Bold(true),
		warn:  r.NewStyle().Foreground(colorWarn).Bold(true),
		muted: r.NewStyle().Foreground(colorMuted),
		title: r.NewStyle().Bold(true),
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
