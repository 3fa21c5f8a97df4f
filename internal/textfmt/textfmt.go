// Package textfmt lays out styled terminal text by visible width.
package textfmt

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

const ellipsis = "..."

// Truncate cuts s to width visible columns, ending in an ellipsis when cut.
// Escape sequences are preserved and do not count toward the width.
func Truncate(s string, width int) string {
	if width <= len(ellipsis) {
		return ellipsis[:max(width, 0)]
	}
	if lipgloss.Width(s) <= width {
		return s
	}
	return ansi.Truncate(s, width, ellipsis)
}

// PadRight pads s with spaces to width visible columns. Longer strings are
// returned unchanged.
func PadRight(s string, width int) string {
	if gap := width - lipgloss.Width(s); gap > 0 {
		return s + strings.Repeat(" ", gap)
	}
	return s
}

// Join truncates items joined by sep to width, so a long list ends in an
// ellipsis instead of wrapping.
func Join(items []string, sep string, width int) string {
	return Truncate(strings.Join(items, sep), width)
}
