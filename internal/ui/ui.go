// Package ui renders CLI output for the inkybridge commands.
package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	accentColor  = lipgloss.AdaptiveColor{Light: "25", Dark: "39"}
	successColor = lipgloss.AdaptiveColor{Light: "28", Dark: "40"}
	errorColor   = lipgloss.AdaptiveColor{Light: "124", Dark: "196"}
	dimColor     = lipgloss.AdaptiveColor{Light: "242", Dark: "245"}

	accentStyle  = lipgloss.NewStyle().Foreground(accentColor).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(successColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(dimColor)
)

func init() {
	// Resolve adaptive colors against the actual terminal background.
	lipgloss.SetHasDarkBackground(termenv.HasDarkBackground())
}

// RenderAccent highlights a heading or progress marker.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderSuccess renders a success message.
func RenderSuccess(s string) string { return successStyle.Render(s) }

// RenderError renders an error message.
func RenderError(s string) string { return errorStyle.Render(s) }

// RenderDim renders secondary detail.
func RenderDim(s string) string { return dimStyle.Render(s) }
