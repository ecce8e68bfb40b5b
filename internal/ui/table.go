package ui

import (
	"fmt"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	pion "github.com/pion/webrtc/v4"

	"github.com/BioHazard786/warpcall/internal/session"
	"github.com/BioHazard786/warpcall/internal/signaling"
	"github.com/BioHazard786/warpcall/internal/utils"
	"github.com/BioHazard786/warpcall/internal/webrtc"
)

func styledTable(headers []string, rows [][]string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})
}

// ParticipantRows lists both sides of the lesson as the snapshot sees them.
func ParticipantRows(snap session.Snapshot) [][]string {
	local := map[pion.RTPCodecType]string{}
	for _, t := range snap.Local {
		local[t.Kind] = trackLabel(t.Available, t.Enabled, t.Synthetic)
	}
	screen := "-"
	if snap.Sharing {
		screen = "sharing"
	}

	rows := [][]string{{
		"you",
		peerLabel(snap.Self),
		local[pion.RTPCodecTypeVideo],
		local[pion.RTPCodecTypeAudio],
		screen,
		orDash(snap.Background),
		orDash(snap.Quality),
	}}

	if snap.Remote == nil {
		return append(rows, []string{"peer", "waiting", "-", "-", "-", "-", "-"})
	}
	rm := snap.RemoteMedia
	screen = "-"
	if rm.ScreenShare {
		screen = "sharing"
	}
	return append(rows, []string{
		"peer",
		peerLabel(snap.Remote),
		remoteLabel(rm.Video),
		remoteLabel(rm.Audio),
		screen,
		orDash(rm.VirtualBackground),
		orDash(rm.Quality),
	})
}

// ParticipantTable renders ParticipantRows.
func ParticipantTable(snap session.Snapshot) string {
	headers := []string{"", "Participant", "Camera", "Mic", "Screen", "Background", "Quality"}
	return styledTable(headers, ParticipantRows(snap)).Render()
}

// ChannelTable renders the data channel states in a fixed order.
func ChannelTable(snap session.Snapshot) string {
	names := make([]string, 0, len(snap.Channels))
	for name := range snap.Channels {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, []string{name, string(snap.Channels[name])})
	}
	return styledTable([]string{"Channel", "State"}, rows).Render()
}

// TransferTable lists the file transfers of the session.
func TransferTable(snap session.Snapshot) string {
	if len(snap.Transfers) == 0 {
		return MutedStyle.Render("No transfers")
	}
	rows := make([][]string, 0, len(snap.Transfers))
	for _, t := range snap.Transfers {
		rows = append(rows, []string{
			shortID(t.FileID),
			truncate(t.Name, 40),
			utils.FormatSize(int64(t.Size)),
			string(t.Direction),
			string(t.Status),
			fmt.Sprintf("%.0f%%", t.Percent()),
		})
	}
	return styledTable([]string{"ID", "Name", "Size", "Direction", "Status", "Done"}, rows).Render()
}

// RoomInfo is the banner printed once the room is joined.
type RoomInfo struct {
	RoomID string
	Self   signaling.PeerInfo
}

func (r RoomInfo) View() string {
	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.DoubleBorder()).
		BorderForeground(Success).
		Padding(1, 2)

	content := fmt.Sprintf("%s Joined lesson\n\n%s Room:  %s\n%s You:   %s",
		IconSuccess,
		IconRoom, BoldStyle.Foreground(Primary).Render(r.RoomID),
		IconPeer, MutedStyle.Render(peerLabel(&r.Self)),
	)
	return boxStyle.Render(content)
}

func peerLabel(p *signaling.PeerInfo) string {
	if p == nil {
		return "-"
	}
	name := p.Label
	if name == "" {
		name = shortID(p.PeerID)
	}
	if p.Role != "" {
		return fmt.Sprintf("%s (%s)", name, p.Role)
	}
	return name
}

func trackLabel(available, enabled, synthetic bool) string {
	switch {
	case !available:
		return "unavailable"
	case synthetic:
		return "placeholder"
	case enabled:
		return "on"
	default:
		return "off"
	}
}

func remoteLabel(p webrtc.MediaStatePayload) string {
	switch {
	case p.Kind == "":
		return "-"
	case p.Reason != "":
		return p.Reason
	case p.Enabled:
		return "on"
	default:
		return "off"
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
