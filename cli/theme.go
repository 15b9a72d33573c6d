package cli

import "github.com/charmbracelet/lipgloss"

// Palette colors adapt to light and dark terminals.
var (
	colorOrange = lipgloss.AdaptiveColor{Light: "#CC6B4E", Dark: "#FFA066"}
	colorBlue   = lipgloss.AdaptiveColor{Light: "#4F7CAC", Dark: "#7FB4CA"}
	colorViolet = lipgloss.AdaptiveColor{Light: "#674D7A", Dark: "#957FB8"}
	colorGreen  = lipgloss.AdaptiveColor{Light: "#4E7C5A", Dark: "#98BB6C"}
	colorYellow = lipgloss.AdaptiveColor{Light: "#A68A64", Dark: "#FF9E3B"}
	colorRed    = lipgloss.AdaptiveColor{Light: "#C34043", Dark: "#FF5D62"}
	colorMuted  = lipgloss.AdaptiveColor{Light: "#6C7086", Dark: "#727169"}
)

// Theme holds the styles shared by help output and command renderers.
type Theme struct {
	Title   lipgloss.Style
	Section lipgloss.Style
	Command lipgloss.Style
	Flag    lipgloss.Style
	Italic  lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
}

// DefaultTheme is used by every collab command.
var DefaultTheme = NewTheme()

// NewTheme builds the collab palette.
func NewTheme() *Theme {
	return &Theme{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(colorOrange),
		Section: lipgloss.NewStyle().Italic(true).Foreground(colorOrange),
		Command: lipgloss.NewStyle().Bold(true).Foreground(colorBlue),
		Flag:    lipgloss.NewStyle().Foreground(colorViolet),
		Italic:  lipgloss.NewStyle().Italic(true),
		Muted:   lipgloss.NewStyle().Foreground(colorMuted),
		Success: lipgloss.NewStyle().Foreground(colorGreen),
		Warning: lipgloss.NewStyle().Foreground(colorYellow),
		Error:   lipgloss.NewStyle().Bold(true).Foreground(colorRed),
	}
}
