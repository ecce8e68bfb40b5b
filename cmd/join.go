package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BioHazard786/warpcall/internal/config"
	"github.com/BioHazard786/warpcall/internal/dns"
	"github.com/BioHazard786/warpcall/internal/media"
	"github.com/BioHazard786/warpcall/internal/media/devices"
	"github.com/BioHazard786/warpcall/internal/session"
	"github.com/BioHazard786/warpcall/internal/signaling"
	"github.com/BioHazard786/warpcall/internal/ui"
	"github.com/BioHazard786/warpcall/internal/webrtc"
)

var (
	flagJoinDomain      string
	flagJoinServer      string
	flagJoinSTUN        string
	flagJoinTURN        string
	flagJoinTURNUser    string
	flagJoinTURNPass    string
	flagJoinRelay       bool
	flagJoinCredential  string
	flagJoinRole        string
	flagJoinDir         string
	flagJoinAutoAccept  bool
	flagJoinQueueDepth  int
	flagJoinDropOldest  bool
	flagJoinChunkSize   int
	flagJoinConnect     time.Duration
	flagJoinRejoin      time.Duration
	flagJoinNoDevices   bool
	flagJoinVideoDevice string
	flagJoinAudioDevice string
)

var joinCmd = &cobra.Command{
	Use:     "join <room-id|url>",
	Aliases: []string{"j"},
	Short:   "Join a lesson room",
	Long: `Join a lesson room and open the lesson console.

The first participant waits in the room; the connection is built as soon as
the other one joins. Type to chat, or /help for commands.

Examples:
  warpcall join math-101
  warpcall join https://warpcall.qzz.io/lesson/math-101 --role host
  warpcall join math-101 --credential "$TOKEN" --relay`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := parseRoomInput(args[0])
		if err != nil {
			return err
		}
		return joinLesson(roomID)
	},
}

func joinLesson(roomID string) error {
	cfg, err := config.Load(config.Options{
		Domain:         flagJoinDomain,
		ServerURL:      flagJoinServer,
		STUNServer:     flagJoinSTUN,
		TURNServer:     flagJoinTURN,
		TURNUser:       flagJoinTURNUser,
		TURNPass:       flagJoinTURNPass,
		ForceRelay:     flagJoinRelay,
		ConnectTimeout: flagJoinConnect,
		RejoinTimeout:  flagJoinRejoin,
		QueueDepth:     flagJoinQueueDepth,
		DropOldest:     flagJoinDropOldest,
		ChunkSize:      flagJoinChunkSize,
		OutputDir:      flagJoinDir,
		AutoAccept:     flagJoinAutoAccept,
	})
	if err != nil {
		return err
	}

	role := signaling.Role(flagJoinRole)
	if !role.Valid() {
		return fmt.Errorf("invalid role %q: expected host or guest", flagJoinRole)
	}

	log := zap.L()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println()
	sp := ui.NewConnectionSpinner("Connecting to signaling server...")
	sp.Start()
	client := signaling.NewClient(cfg.WebSocketURL,
		signaling.WithLogger(log),
		signaling.WithMaxOutage(cfg.Timeouts.SignalingOutage),
		signaling.WithResolver(dns.NewResolver(log)),
	)
	if err := client.Connect(ctx); err != nil {
		sp.Error("Could not reach the signaling server")
		client.Close()
		return err
	}

	sess, err := newSession(cfg, client, roomID, role, log)
	if err != nil {
		sp.Stop()
		client.Close()
		return err
	}

	sp.UpdateMessage("Joining lesson " + roomID + "...")
	if err := sess.Join(ctx); err != nil {
		sp.Error("Could not join lesson " + roomID)
		sess.Leave()
		return describeJoinError(err)
	}
	sp.Success("Joined lesson " + roomID)
	if cfg.AutoAccept {
		ui.PrintInfof("Incoming files are accepted automatically into %s", orCurrentDir(cfg.OutputDir))
	}

	snap := sess.Snapshot()
	if snap.Self != nil {
		fmt.Println(ui.RoomInfo{RoomID: roomID, Self: *snap.Self}.View())
	}

	go func() {
		select {
		case <-ctx.Done():
			sess.Leave()
		case <-sess.Done():
		}
	}()

	runErr := ui.RunConsole(sess)
	sess.Leave()
	if runErr == nil {
		runErr = sess.Err()
	}

	status := "left"
	if runErr != nil {
		status = "ended: " + runErr.Error()
	}
	fmt.Println()
	ui.RenderSessionSummary(ui.SessionSummary{RoomID: roomID, Status: status, Stats: sess.Stats()})
	if runErr == nil {
		ui.PrintSuccessf("Left lesson %s", roomID)
	}
	return runErr
}

func newSession(cfg *config.Config, client *signaling.Client, roomID string, role signaling.Role, log *zap.Logger) (*session.Session, error) {
	pionCfg := webrtc.PionConfigFromConfig(cfg)
	pionCfg.Logger = log

	var capturer media.Capturer
	if !flagJoinNoDevices {
		c, err := devices.NewCapturer(log)
		if err != nil {
			ui.PrintWarning("Camera and microphone are unavailable, joining without them")
			log.Warn("capturer", zap.Error(err))
		} else {
			capturer = c
			pionCfg.ConfigureMedia = c.ConfigureMedia
		}
	}

	constraints := media.DefaultConstraints
	constraints.VideoDeviceID = flagJoinVideoDevice
	constraints.AudioDeviceID = flagJoinAudioDevice

	scfg := session.ConfigFromClient(cfg)
	scfg.RoomID = roomID
	scfg.Credential = flagJoinCredential
	scfg.Role = role
	scfg.Signaling = client
	scfg.Factory = webrtc.NewPionFactory(pionCfg)
	scfg.Capturer = capturer
	scfg.Constraints = constraints
	scfg.Quality = media.DefaultQualityConfig
	scfg.Logger = log
	return session.New(scfg)
}

func orCurrentDir(dir string) string {
	if dir == "" {
		return "the current directory"
	}
	return dir
}

func describeJoinError(err error) error {
	switch {
	case errors.Is(err, session.ErrRoomFull):
		return errors.New("this lesson already has two participants")
	case errors.Is(err, session.ErrRoleTaken):
		return fmt.Errorf("someone else joined as %s, try the other role", flagJoinRole)
	case errors.Is(err, session.ErrAccessDenied):
		return fmt.Errorf("not allowed to join: %w", err)
	case errors.Is(err, signaling.ErrSignalingUnavailable):
		return fmt.Errorf("signaling server unavailable: %w", err)
	}
	return err
}

// parseRoomInput accepts a bare room id or a lesson link.
func parseRoomInput(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.New("room ID cannot be empty")
	}
	if !strings.Contains(input, "://") {
		return input, nil
	}

	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("parse URL: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, part := range parts {
		if (part == "lesson" || part == "r") && i+1 < len(parts) && parts[i+1] != "" {
			return parts[i+1], nil
		}
	}
	return "", fmt.Errorf("could not extract room ID from URL: %s", input)
}

func init() {
	rootCmd.AddCommand(joinCmd)

	f := joinCmd.Flags()
	f.StringVar(&flagJoinDomain, "domain", "", "Custom domain")
	f.StringVar(&flagJoinServer, "server", "", "Signaling websocket URL (overrides --domain)")
	f.StringVarP(&flagJoinSTUN, "stun", "s", "", "Custom STUN server")
	f.StringVarP(&flagJoinTURN, "turn", "t", "", "Custom TURN server")
	f.StringVar(&flagJoinTURNUser, "turn-user", "", "TURN username")
	f.StringVar(&flagJoinTURNPass, "turn-pass", "", "TURN password")
	f.BoolVarP(&flagJoinRelay, "relay", "r", false, "Force relay mode")
	f.StringVarP(&flagJoinCredential, "credential", "k", "", "Room credential or access token")
	f.StringVar(&flagJoinRole, "role", string(signaling.RoleGuest), "Role: host or guest")
	f.StringVarP(&flagJoinDir, "dir", "d", "", "Directory to save received files")
	f.BoolVarP(&flagJoinAutoAccept, "yes", "y", false, "Accept incoming files without asking")
	f.IntVar(&flagJoinQueueDepth, "queue-depth", 0, "Messages queued per channel while disconnected")
	f.BoolVar(&flagJoinDropOldest, "drop-oldest", false, "Drop the oldest queued message instead of rejecting new ones")
	f.IntVar(&flagJoinChunkSize, "chunk-size", 0, "File chunk size in bytes")
	f.DurationVar(&flagJoinConnect, "connect-timeout", 0, "Time allowed to reach a connected transport")
	f.DurationVar(&flagJoinRejoin, "rejoin-timeout", 0, "Time allowed to rejoin after a reload")
	f.BoolVar(&flagJoinNoDevices, "no-devices", false, "Join without camera and microphone")
	f.StringVar(&flagJoinVideoDevice, "video-device", "", "Camera device id")
	f.StringVar(&flagJoinAudioDevice, "audio-device", "", "Microphone device id")
}
