package ui

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/BioHazard786/warpcall/internal/session"
	"github.com/BioHazard786/warpcall/internal/transfer"
	"github.com/BioHazard786/warpcall/internal/webrtc"
)

const maxLines = 200

// Lesson is what the console drives. *session.Session satisfies it.
type Lesson interface {
	Events() <-chan session.Event
	Snapshot() session.Snapshot

	SendChat(text string) (session.ChatLine, error)
	SendFile(path string) (transfer.Session, error)
	AcceptFile(fileID string) error
	DeclineFile(fileID string) error
	CancelFile(fileID string) error

	SetCamera(on bool) error
	SetMicrophone(on bool) error
	StartScreenShare() error
	StopScreenShare() error
	SetVirtualBackground(mode string)

	Draw(id string, data map[string]string) (webrtc.Element, error)
	Erase(id string) (webrtc.Element, error)
	ClearBoard() error

	Reload() error
	Leave() error
}

var _ Lesson = (*session.Session)(nil)

type (
	eventMsg   session.Event
	closedMsg  struct{}
	refreshMsg time.Time
)

// Console is the interactive lesson console.
type Console struct {
	lesson    Lesson
	input     textinput.Model
	spinner   spinner.Model
	transfers *transferBars
	snap      session.Snapshot
	lines     []string
	width     int
	height    int
	quitting  bool
	closed    bool
	err       error
}

// NewConsole builds the console model for a joined lesson.
func NewConsole(lesson Lesson) *Console {
	in := textinput.New()
	in.Placeholder = "Type a message or /help"
	in.Prompt = "› "
	in.CharLimit = 2000
	in.Width = 60
	in.Focus()

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return &Console{
		lesson:    lesson,
		input:     in,
		spinner:   s,
		transfers: newTransferBars(),
		snap:      lesson.Snapshot(),
		width:     80,
		height:    24,
	}
}

// RunConsole runs the console until the user quits or the session ends.
// It returns the session's terminal error, if any.
func RunConsole(lesson Lesson) error {
	c := NewConsole(lesson)
	if _, err := tea.NewProgram(c).Run(); err != nil {
		return fmt.Errorf("console: %w", err)
	}
	return c.err
}

func (c *Console) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		c.spinner.Tick,
		c.listen(),
		refresh(),
	)
}

func (c *Console) listen() tea.Cmd {
	events := c.lesson.Events()
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

func refresh() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return refreshMsg(t)
	})
}

func (c *Console) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return c, c.quit()
		case tea.KeyEnter:
			line := c.input.Value()
			c.input.Reset()
			if cmd := c.execute(line); cmd != nil {
				return c, cmd
			}
			return c, nil
		}

	case tea.WindowSizeMsg:
		c.width, c.height = msg.Width, msg.Height
		c.input.Width = max(20, msg.Width-4)
		c.transfers.resize(msg.Width)

	case eventMsg:
		ev := session.Event(msg)
		c.apply(ev)
		if ev.Kind == session.EventClosed {
			c.closed = true
			c.err = ev.Err
			return c, tea.Quit
		}
		cmds = append(cmds, c.listen())

	case closedMsg:
		c.closed = true
		return c, tea.Quit

	case refreshMsg:
		if !c.closed {
			c.snap = c.lesson.Snapshot()
			cmds = append(cmds, refresh())
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		c.spinner, cmd = c.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case progress.FrameMsg:
		cmds = append(cmds, c.transfers.update(msg))
	}

	var cmd tea.Cmd
	c.input, cmd = c.input.Update(msg)
	cmds = append(cmds, cmd)
	return c, tea.Batch(cmds...)
}

func (c *Console) quit() tea.Cmd {
	c.quitting = true
	if err := c.lesson.Leave(); err != nil {
		c.err = err
	}
	return tea.Quit
}

// apply records what an event means for the console.
func (c *Console) apply(ev session.Event) {
	if ev.Transfer != nil {
		c.transfers.track(ev.Transfer.Transfer)
	}
	if line := Describe(ev); line != "" {
		c.print(line)
	}
	switch ev.Kind {
	case session.EventJoined, session.EventPeerJoined, session.EventPeerLeft,
		session.EventConnected, session.EventRemoteMedia, session.EventTeardown:
		c.snap = c.lesson.Snapshot()
	}
}

func (c *Console) print(line string) {
	c.lines = append(c.lines, line)
	if n := len(c.lines); n > maxLines {
		c.lines = c.lines[n-maxLines:]
	}
}

func (c *Console) fail(err error) {
	c.print(ErrorStyle.Render(IconError + " " + err.Error()))
}

// execute runs one line of input. It returns tea.Quit for /quit.
func (c *Console) execute(line string) tea.Cmd {
	cmd, err := ParseCommand(line)
	if errors.Is(err, errEmptyInput) {
		return nil
	}
	if err != nil {
		c.fail(err)
		return nil
	}

	l := c.lesson
	switch cmd.Name {
	case CommandChat:
		var chat session.ChatLine
		if chat, err = l.SendChat(cmd.Text); err == nil {
			c.print(chatLine(chat))
		}
	case CommandFile:
		var t transfer.Session
		if t, err = l.SendFile(cmd.Args[0]); err == nil {
			c.transfers.track(t)
			c.print(fmt.Sprintf("%s offered %s (%s)", IconFile, t.Name, shortID(t.FileID)))
		}
	case CommandAccept:
		err = c.withTransfer(cmd.Args[0], l.AcceptFile)
	case CommandDecline:
		err = c.withTransfer(cmd.Args[0], l.DeclineFile)
	case CommandCancel:
		err = c.withTransfer(cmd.Args[0], l.CancelFile)
	case CommandShare:
		if err = l.StartScreenShare(); err == nil {
			c.print(IconScreen + " sharing screen")
		}
	case CommandUnshare:
		if err = l.StopScreenShare(); err == nil {
			c.print(IconScreen + " screen share stopped")
		}
	case CommandCamera:
		on, _ := ParseSwitch(cmd.Args[0])
		if err = l.SetCamera(on); err == nil {
			c.print(fmt.Sprintf("%s camera %s", IconCamera, cmd.Args[0]))
		}
	case CommandMic:
		on, _ := ParseSwitch(cmd.Args[0])
		if err = l.SetMicrophone(on); err == nil {
			c.print(fmt.Sprintf("%s microphone %s", IconMic, cmd.Args[0]))
		}
	case CommandBg:
		l.SetVirtualBackground(cmd.Args[0])
		c.print("background set to " + cmd.Args[0])
	case CommandDraw:
		var el webrtc.Element
		if el, err = l.Draw(cmd.Args[0], DrawData(cmd.Args)); err == nil {
			c.print(fmt.Sprintf("%s %s v%d", IconBoard, el.ID, el.Version))
		}
	case CommandErase:
		if _, err = l.Erase(cmd.Args[0]); err == nil {
			c.print(IconBoard + " erased " + cmd.Args[0])
		}
	case CommandClear:
		if err = l.ClearBoard(); err == nil {
			c.print(IconBoard + " board cleared")
		}
	case CommandPeers:
		c.snap = l.Snapshot()
		c.print(ParticipantTable(c.snap))
	case CommandReload:
		if err = l.Reload(); err == nil {
			c.print(IconReload + " reloading connection")
		}
	case CommandHelp:
		c.print(MutedStyle.Render(HelpText()))
	case CommandQuit:
		return c.quit()
	}

	if err != nil {
		c.fail(err)
	}
	return nil
}

// withTransfer resolves an id prefix against the known transfers.
func (c *Console) withTransfer(prefix string, f func(string) error) error {
	var match string
	for id := range c.transfers.items {
		if strings.HasPrefix(id, prefix) {
			if match != "" {
				return fmt.Errorf("transfer id %q is ambiguous", prefix)
			}
			match = id
		}
	}
	if match == "" {
		match = prefix
	}
	return f(match)
}

func (c *Console) View() string {
	if c.quitting {
		return ""
	}

	var b strings.Builder
	status := StatusStyle.Render(strings.ToUpper(string(c.snap.Phase)))
	if c.snap.Phase != session.PhaseConnected && !c.closed {
		status = c.spinner.View() + " " + status
	}
	b.WriteString(HeaderStyle.Render(IconRoom+" "+c.snap.RoomID) + " " + status + "\n\n")
	b.WriteString(ParticipantTable(c.snap) + "\n\n")

	visible := max(5, c.height-18)
	lines := c.lines
	if len(lines) > visible {
		lines = lines[len(lines)-visible:]
	}
	for _, l := range lines {
		b.WriteString(l + "\n")
	}

	if !c.transfers.empty() {
		b.WriteString("\n" + c.transfers.View())
	}

	b.WriteString("\n" + c.input.View())
	b.WriteString("\n" + FooterStyle.Render("/help for commands, ctrl+c to leave"))
	return b.String()
}

// Describe renders an event as a console line. Events the console shows
// elsewhere render as "".
func Describe(ev session.Event) string {
	switch ev.Kind {
	case session.EventJoined:
		return fmt.Sprintf("%s joined as %s", IconRoom, peerLabel(ev.Peer))
	case session.EventPeerJoined:
		return fmt.Sprintf("%s %s joined", IconPeer, peerLabel(ev.Peer))
	case session.EventPeerLeft:
		return MutedStyle.Render(fmt.Sprintf("%s %s left", IconPeer, peerLabel(ev.Peer)))
	case session.EventConnected:
		return SuccessStyle.Render(IconConnect + " connected")
	case session.EventChat:
		if ev.Chat != nil {
			return chatLine(*ev.Chat)
		}
	case session.EventTransfer:
		return describeTransfer(ev.Transfer)
	case session.EventUndelivered:
		if ev.Undelivered != nil {
			return WarningStyle.Render(fmt.Sprintf("%s %s message on %s was not delivered",
				IconWarning, ev.Undelivered.Message.Type, ev.Undelivered.Channel))
		}
	case session.EventQuality:
		return MutedStyle.Render("video quality: " + ev.Quality)
	case session.EventTeardown:
		return MutedStyle.Render(fmt.Sprintf("connection closed (%v)", ev.Err))
	case session.EventRejoin:
		return WarningStyle.Render(fmt.Sprintf("%s reconnecting: %v", IconReload, ev.Err))
	case session.EventError:
		return ErrorStyle.Render(fmt.Sprintf("%s %v", IconError, ev.Err))
	case session.EventClosed:
		if ev.Err != nil {
			return ErrorStyle.Render(fmt.Sprintf("%s lesson ended: %v", IconError, ev.Err))
		}
		return "lesson ended"
	}
	return ""
}

func chatLine(l session.ChatLine) string {
	who := RemoteStyle.Render("peer")
	if l.Local {
		who = LocalStyle.Render("you")
	}
	return fmt.Sprintf("%s %s %s: %s", MutedStyle.Render(l.SentAt.Format("15:04")), IconChat, who, l.Text)
}

func describeTransfer(ev *transfer.Event) string {
	if ev == nil {
		return ""
	}
	t := ev.Transfer
	switch ev.Kind {
	case transfer.EventOffered:
		if t.Direction == transfer.DirectionReceive {
			return fmt.Sprintf("%s peer offers %s (%s), /accept %s or /decline %s",
				IconFile, t.Name, t.Summary(), shortID(t.FileID), shortID(t.FileID))
		}
	case transfer.EventAccepted:
		return fmt.Sprintf("%s %s accepted", IconFile, t.Name)
	case transfer.EventCompleted:
		if t.Direction == transfer.DirectionReceive {
			return SuccessStyle.Render(fmt.Sprintf("%s received %s to %s", IconComplete, t.Name, t.Path))
		}
		return SuccessStyle.Render(fmt.Sprintf("%s sent %s", IconComplete, t.Name))
	case transfer.EventDeclined:
		return WarningStyle.Render(fmt.Sprintf("%s %s declined", IconWarning, t.Name))
	case transfer.EventCancelled:
		return WarningStyle.Render(fmt.Sprintf("%s %s cancelled", IconWarning, t.Name))
	case transfer.EventFailed:
		return ErrorStyle.Render(fmt.Sprintf("%s %s failed: %v", IconError, t.Name, t.Err))
	}
	return ""
}
