package ui

import (
	"errors"
	"fmt"
	"strings"
)

// Console command names. Plain text is sent as CommandChat.
const (
	CommandChat    = "chat"
	CommandFile    = "file"
	CommandAccept  = "accept"
	CommandDecline = "decline"
	CommandCancel  = "cancel"
	CommandShare   = "share"
	CommandUnshare = "unshare"
	CommandCamera  = "camera"
	CommandMic     = "mic"
	CommandBg      = "bg"
	CommandDraw    = "draw"
	CommandErase   = "erase"
	CommandClear   = "clear"
	CommandPeers   = "peers"
	CommandReload  = "reload"
	CommandHelp    = "help"
	CommandQuit    = "quit"
)

var errEmptyInput = errors.New("nothing to send")

type commandSpec struct {
	usage   string
	minArgs int
	maxArgs int // -1 for unbounded
}

var commands = map[string]commandSpec{
	CommandFile:    {"/file <path>", 1, -1},
	CommandAccept:  {"/accept <id>", 1, 1},
	CommandDecline: {"/decline <id>", 1, 1},
	CommandCancel:  {"/cancel <id>", 1, 1},
	CommandShare:   {"/share", 0, 0},
	CommandUnshare: {"/unshare", 0, 0},
	CommandCamera:  {"/camera on|off", 1, 1},
	CommandMic:     {"/mic on|off", 1, 1},
	CommandBg:      {"/bg <mode>", 1, 1},
	CommandDraw:    {"/draw <id> <shape> [key=value...]", 2, -1},
	CommandErase:   {"/erase <id>", 1, 1},
	CommandClear:   {"/clear", 0, 0},
	CommandPeers:   {"/peers", 0, 0},
	CommandReload:  {"/reload", 0, 0},
	CommandHelp:    {"/help", 0, 0},
	CommandQuit:    {"/quit", 0, 0},
}

// Command is one parsed line of console input.
type Command struct {
	Name string
	Args []string
	Text string
}

// ParseCommand turns a console line into a Command. Lines that do not start
// with a slash are chat. A leading "//" sends a literal slash.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, errEmptyInput
	}
	if strings.HasPrefix(line, "//") {
		return Command{Name: CommandChat, Text: line[1:]}, nil
	}
	if !strings.HasPrefix(line, "/") {
		return Command{Name: CommandChat, Text: line}, nil
	}

	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return Command{}, errEmptyInput
	}
	name, args := strings.ToLower(fields[0]), fields[1:]
	def, ok := commands[name]
	if !ok {
		return Command{}, fmt.Errorf("unknown command /%s, try /help", name)
	}
	if len(args) < def.minArgs || (def.maxArgs >= 0 && len(args) > def.maxArgs) {
		return Command{}, fmt.Errorf("usage: %s", def.usage)
	}

	// paths may contain spaces
	if name == CommandFile {
		args = []string{strings.TrimSpace(line[len("/file"):])}
	}
	if name == CommandCamera || name == CommandMic {
		if _, err := ParseSwitch(args[0]); err != nil {
			return Command{}, fmt.Errorf("usage: %s", def.usage)
		}
	}
	return Command{Name: name, Args: args}, nil
}

// ParseSwitch accepts on/off style arguments.
func ParseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

// DrawData builds the element data of a /draw command.
func DrawData(args []string) map[string]string {
	data := map[string]string{"shape": args[1]}
	for _, kv := range args[2:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		data[k] = v
	}
	return data
}

// HelpText lists the console commands.
func HelpText() string {
	order := []string{
		CommandFile, CommandAccept, CommandDecline, CommandCancel,
		CommandShare, CommandUnshare, CommandCamera, CommandMic, CommandBg,
		CommandDraw, CommandErase, CommandClear,
		CommandPeers, CommandReload, CommandQuit,
	}
	var b strings.Builder
	b.WriteString("Type to chat. Commands:\n")
	for _, name := range order {
		b.WriteString("  " + commands[name].usage + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
