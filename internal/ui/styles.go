package ui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// Palette. The host is drawn in the accent color and the guest in violet.
var (
	Primary    = lipgloss.Color("#22d3ee")
	Secondary  = lipgloss.Color("#7C3AED")
	Success    = lipgloss.Color("#10B981")
	Warning    = lipgloss.Color("#F59E0B")
	Error      = lipgloss.Color("#EF4444")
	Muted      = lipgloss.Color("#6B7280")
	Foreground = lipgloss.Color("#F9FAFB")

	ProgressStart = "#22d3ee"
	ProgressEnd   = "#0ea5e9"
)

func bold(c lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(c).Bold(true)
}

var (
	SuccessStyle = bold(Success)
	ErrorStyle   = bold(Error)
	WarningStyle = lipgloss.NewStyle().Foreground(Warning)
	MutedStyle   = lipgloss.NewStyle().Foreground(Muted)
	BoldStyle    = lipgloss.NewStyle().Bold(true)

	// chat senders
	LocalStyle  = bold(Primary)
	RemoteStyle = bold(Secondary)

	// phase badge in the console header
	StatusStyle = bold(Foreground).Background(Secondary).Padding(0, 1)
)

// Table styles
var (
	TableHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(Primary).
				Align(lipgloss.Center)

	tableCellStyle = lipgloss.NewStyle().Padding(0, 1)

	TableRowStyle = tableCellStyle.Foreground(lipgloss.Color("255"))

	TableRowAltStyle = tableCellStyle.Foreground(lipgloss.Color("245"))
)

var (
	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(Primary).
			Background(lipgloss.Color("#1F2937")).
			Padding(0, 2)

	FooterStyle = lipgloss.NewStyle().
			Foreground(Muted).
			MarginTop(1)

	SpinnerStyle = lipgloss.NewStyle().Foreground(Primary)
)

// Icons
const (
	IconFile     = "📄"
	IconSuccess  = "✅"
	IconError    = "❌"
	IconWarning  = "⚠️"
	IconInfo     = "ℹ️"
	IconRoom     = "🚪"
	IconPeer     = "👤"
	IconConnect  = "🔌"
	IconCamera   = "📷"
	IconMic      = "🎤"
	IconScreen   = "🖥️"
	IconBoard    = "🖍️"
	IconChat     = "💬"
	IconReload   = "🔄"
	IconWaiting  = "⏳"
	IconComplete = "🎉"
)

func printLine(style lipgloss.Style, icon, msg string) {
	fmt.Println(style.Render(icon), msg)
}

func PrintError(msg string) { printLine(ErrorStyle, IconError, ErrorStyle.Render(msg)) }

func PrintWarning(msg string) { printLine(WarningStyle, IconWarning, WarningStyle.Render(msg)) }

func PrintSuccess(msg string) { printLine(SuccessStyle, IconSuccess, msg) }

func PrintSuccessf(format string, args ...any) {
	PrintSuccess(fmt.Sprintf(format, args...))
}

func PrintInfo(msg string) { printLine(lipgloss.NewStyle(), IconInfo, msg) }

func PrintInfof(format string, args ...any) {
	PrintInfo(fmt.Sprintf(format, args...))
}
