package cli

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/runoshun/foreman/internal/domain"
)

// colors defines the palette used for rendered output.
var colors = struct {
	Primary lipgloss.Color
	Muted   lipgloss.Color
	Error   lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Info    lipgloss.Color
}{
	Primary: lipgloss.Color("#6C5CE7"), // Purple
	Muted:   lipgloss.Color("#636E72"), // Gray
	Error:   lipgloss.Color("#D63031"), // Red
	Success: lipgloss.Color("#00B894"), // Green
	Warning: lipgloss.Color("#FDCB6E"), // Yellow
	Info:    lipgloss.Color("#74B9FF"), // Blue
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colors.Primary)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colors.Muted)
	mutedStyle  = lipgloss.NewStyle().Foreground(colors.Muted)
	errorStyle  = lipgloss.NewStyle().Foreground(colors.Error)
)

// statusColors maps each task status to its display color.
var statusColors = map[domain.Status]lipgloss.Color{
	domain.StatusPending:          colors.Muted,
	domain.StatusQueued:           colors.Info,
	domain.StatusRunning:          colors.Primary,
	domain.StatusPaused:           colors.Warning,
	domain.StatusAwaitingApproval: colors.Warning,
	domain.StatusReview:           colors.Info,
	domain.StatusCompleted:        colors.Success,
	domain.StatusFailed:           colors.Error,
	domain.StatusStopped:          colors.Muted,
	domain.StatusArchived:         colors.Muted,
}

// renderStatus returns the status string styled with its color.
func renderStatus(s domain.Status) string {
	color, ok := statusColors[s]
	if !ok {
		color = colors.Muted
	}
	return lipgloss.NewStyle().Foreground(color).Render(string(s))
}
