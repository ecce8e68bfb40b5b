package ui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/BioHazard786/warpcall/internal/transfer"
	"github.com/BioHazard786/warpcall/internal/utils"
)

// transferBars tracks one progress bar per file transfer. Finished
// transfers stay listed until the next one starts.
type transferBars struct {
	items map[string]transfer.Session
	bars  map[string]progress.Model
	width int
}

func newTransferBars() *transferBars {
	return &transferBars{
		items: make(map[string]transfer.Session),
		bars:  make(map[string]progress.Model),
		width: 25,
	}
}

func (t *transferBars) track(s transfer.Session) {
	if _, ok := t.bars[s.FileID]; !ok {
		t.prune()
		t.bars[s.FileID] = progress.New(
			progress.WithGradient(ProgressStart, ProgressEnd),
			progress.WithWidth(t.width),
			progress.WithoutPercentage(),
		)
	}
	t.items[s.FileID] = s
}

// prune forgets finished transfers.
func (t *transferBars) prune() {
	for id, s := range t.items {
		if s.Status.Terminal() {
			delete(t.items, id)
			delete(t.bars, id)
		}
	}
}

func (t *transferBars) resize(termWidth int) {
	t.width = max(10, min(25, termWidth-60))
	for id, bar := range t.bars {
		bar.Width = t.width
		t.bars[id] = bar
	}
}

func (t *transferBars) update(msg progress.FrameMsg) tea.Cmd {
	var cmds []tea.Cmd
	for id, bar := range t.bars {
		model, cmd := bar.Update(msg)
		t.bars[id] = model.(progress.Model)
		cmds = append(cmds, cmd)
	}
	return tea.Batch(cmds...)
}

func (t *transferBars) empty() bool {
	return len(t.items) == 0
}

func (t *transferBars) View() string {
	ids := make([]string, 0, len(t.items))
	for id := range t.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return t.items[ids[i]].StartedAt.Before(t.items[ids[j]].StartedAt)
	})

	var b strings.Builder
	for _, id := range ids {
		s := t.items[id]

		var icon string
		nameStyle := lipgloss.NewStyle()
		switch s.Status {
		case transfer.StatusCompleted:
			icon, nameStyle = IconSuccess, SuccessStyle
		case transfer.StatusFailed, transfer.StatusCancelled, transfer.StatusDeclined:
			icon, nameStyle = IconError, ErrorStyle
		case transfer.StatusOffered, transfer.StatusSuspended:
			icon, nameStyle = IconWaiting, MutedStyle
		default:
			icon = IconFile
		}

		arrow := "↑"
		if s.Direction == transfer.DirectionReceive {
			arrow = "↓"
		}
		name := truncate(s.Name, 22)
		b.WriteString(fmt.Sprintf("  %s %s %s ", icon, arrow, nameStyle.Width(24).Render(name)))
		b.WriteString(t.bars[id].ViewAs(s.Percent() / 100))
		b.WriteString(fmt.Sprintf(" %5.1f%%", s.Percent()))

		switch s.Status {
		case transfer.StatusActive:
			speed := s.Speed()
			if speed > 0 {
				b.WriteString(MutedStyle.Render(" " + utils.FormatSpeed(speed)))
			}
		case transfer.StatusOffered:
			b.WriteString(MutedStyle.Render(fmt.Sprintf(" %s, id %s", utils.FormatSize(int64(s.Size)), shortID(s.FileID))))
		default:
			b.WriteString(MutedStyle.Render(" " + string(s.Status)))
		}
		b.WriteString("\n")
	}
	return b.String()
}
