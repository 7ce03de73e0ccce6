// Package ui provides terminal render helpers for the habitsync CLI.
package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

func init() {
	// Respect NO_COLOR and dumb terminals.
	if termenv.EnvColorProfile() == termenv.Ascii {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// RenderAccent renders emphasized informational text.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass renders success markers.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders warnings.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderErr renders errors.
func RenderErr(s string) string { return errStyle.Render(s) }

// RenderDim renders secondary detail.
func RenderDim(s string) string { return dimStyle.Render(s) }
