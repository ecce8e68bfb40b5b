package ui

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/BioHazard786/warpcall/internal/session"
	"github.com/BioHazard786/warpcall/internal/utils"
)

// SessionSummary is printed after the lesson console exits.
type SessionSummary struct {
	RoomID string
	Status string
	Stats  session.Stats
	Ended  time.Time
}

// WriteSessionSummary renders the summary as a go-pretty table.
func WriteSessionSummary(w io.Writer, s SessionSummary) {
	st := s.Stats
	ended := s.Ended
	if ended.IsZero() {
		ended = time.Now()
	}
	duration := "-"
	if !st.StartedAt.IsZero() {
		duration = utils.FormatTimeDuration(ended.Sub(st.StartedAt))
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Lesson " + s.RoomID)
	t.SetStyle(table.StyleRounded)
	t.Style().Title.Align = text.AlignCenter
	t.Style().Color.Header = text.Colors{text.FgCyan, text.Bold}
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Status", s.Status},
		{"Duration", duration},
		{"Connections built", st.Builds},
		{"Teardowns", st.Teardowns},
		{"Rejoins", st.Rejoins},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Chat sent / received", fmt.Sprintf("%d / %d", st.ChatsSent, st.ChatsReceived)},
		{"Files sent", utils.FormatSize(int64(st.BytesSent))},
		{"Files received", utils.FormatSize(int64(st.BytesReceived))},
		{"Undelivered messages", st.Undelivered},
		{"Quality changes", st.QualityChanges},
	})
	t.AppendSeparator()
	n := st.Negotiation
	t.AppendRows([]table.Row{
		{"Offers / answers", fmt.Sprintf("%d / %d", n.Offers, n.Answers)},
		{"Glare rollbacks", n.Rollbacks},
		{"Ignored offers", n.IgnoredOffers},
		{"ICE restarts", n.ICERestarts},
	})
	t.Render()
}

// RenderSessionSummary prints the summary to stdout.
func RenderSessionSummary(s SessionSummary) {
	WriteSessionSummary(os.Stdout, s)
}
