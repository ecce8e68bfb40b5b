package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default configuration values (production)
const (
	DefaultDomain   = "warpcall.qzz.io"
	DefaultSTUN     = "stun:stun.l.google.com:19302"
	DefaultTURN     = ""
	DefaultTURNUser = "warpcall"
	DefaultTURNPass = "warpcall-secret"

	DefaultQueueDepth    = 256
	DefaultChunkSize     = 16 * 1024       // 16 KB, safe for every SCTP implementation
	DefaultHighWaterMark = 2 * 1024 * 1024 // 2 MB, pause producing chunks
	DefaultLowWaterMark  = 512 * 1024      // 512 KB, resume producing chunks
)

// Default timeouts. Every suspension point that waits on the remote side is
// bounded by one of these.
var DefaultTimeouts = Timeouts{
	Connect:          30 * time.Second,
	ICERestartWindow: 20 * time.Second,
	Rejoin:           30 * time.Second,
	SendWindow:       60 * time.Second,
	SignalingOutage:  2 * time.Minute,
}

// Timeouts bound the waits that depend on the other peer or the server.
type Timeouts struct {
	// Connect bounds the time from discovery to a connected transport.
	Connect time.Duration

	// ICERestartWindow is how long the connection may stay disconnected or
	// failed, ICE restart included, before it is reported as lost.
	ICERestartWindow time.Duration

	// Rejoin bounds how long a rejoin keeps retrying on room-full.
	Rejoin time.Duration

	// SendWindow bounds a single wait for the data channel buffer to drain.
	SendWindow time.Duration

	// SignalingOutage is the longest signaling outage tolerated before the
	// session gives up.
	SignalingOutage time.Duration
}

// Config holds the client configuration used by `warpcall join`.
type Config struct {
	// Domain is the backend server domain
	Domain string

	// WebSocketURL is constructed from domain unless given explicitly
	WebSocketURL string

	// ICE servers for WebRTC
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool

	Timeouts Timeouts

	// Outbound queue per data channel while it is not open.
	QueueDepth int
	DropOldest bool

	// File transfer tuning.
	ChunkSize     int
	HighWaterMark int
	LowWaterMark  int
	OutputDir     string
	AutoAccept    bool
}

// Options for loading config with CLI flag overrides. Zero values mean
// "not set on the command line".
type Options struct {
	Domain     string
	ServerURL  string
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool

	ConnectTimeout   time.Duration
	ICERestartWindow time.Duration
	RejoinTimeout    time.Duration

	QueueDepth int
	DropOldest bool
	ChunkSize  int
	OutputDir  string
	AutoAccept bool
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	cfg := &Config{
		Domain:        pick(opts.Domain, "DOMAIN", DefaultDomain),
		STUNServer:    pick(opts.STUNServer, "STUN_SERVER", DefaultSTUN),
		TURNServer:    pick(opts.TURNServer, "TURN_SERVER", DefaultTURN),
		TURNUser:      pick(opts.TURNUser, "TURN_USERNAME", DefaultTURNUser),
		TURNPass:      pick(opts.TURNPass, "TURN_PASSWORD", DefaultTURNPass),
		OutputDir:     pick(opts.OutputDir, "OUTPUT_DIR", ""),
		ForceRelay:    opts.ForceRelay || envBool("FORCE_RELAY"),
		DropOldest:    opts.DropOldest || envBool("QUEUE_DROP_OLDEST"),
		AutoAccept:    opts.AutoAccept || envBool("AUTO_ACCEPT"),
		HighWaterMark: DefaultHighWaterMark,
		LowWaterMark:  DefaultLowWaterMark,
		Timeouts:      DefaultTimeouts,
	}

	var err error
	if cfg.QueueDepth, err = pickInt(opts.QueueDepth, "QUEUE_DEPTH", DefaultQueueDepth); err != nil {
		return nil, err
	}
	if cfg.ChunkSize, err = pickInt(opts.ChunkSize, "CHUNK_SIZE", DefaultChunkSize); err != nil {
		return nil, err
	}
	if cfg.Timeouts.Connect, err = pickDuration(opts.ConnectTimeout, "CONNECT_TIMEOUT", DefaultTimeouts.Connect); err != nil {
		return nil, err
	}
	if cfg.Timeouts.ICERestartWindow, err = pickDuration(opts.ICERestartWindow, "ICE_RESTART_WINDOW", DefaultTimeouts.ICERestartWindow); err != nil {
		return nil, err
	}
	if cfg.Timeouts.Rejoin, err = pickDuration(opts.RejoinTimeout, "REJOIN_TIMEOUT", DefaultTimeouts.Rejoin); err != nil {
		return nil, err
	}

	serverURL := pick(opts.ServerURL, "SERVER_URL", "")
	if serverURL == "" {
		serverURL = fmt.Sprintf("wss://%s/ws", cfg.Domain)
	}
	u, err := url.Parse(serverURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, fmt.Errorf("invalid server URL %q: expected ws:// or wss://", serverURL)
	}
	cfg.WebSocketURL = u.String()

	if cfg.ChunkSize <= 0 || cfg.ChunkSize > cfg.LowWaterMark {
		return nil, fmt.Errorf("chunk size must be between 1 and %d bytes", cfg.LowWaterMark)
	}
	if cfg.QueueDepth <= 0 {
		return nil, fmt.Errorf("queue depth must be positive")
	}
	if cfg.ForceRelay && cfg.GetTURNServers() == nil {
		return nil, fmt.Errorf("cannot force relay mode without TURN server configured")
	}

	return cfg, nil
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return strings.Split(c.STUNServer, ",")
}

// GetTURNServers returns TURN server URLs if configured
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	host := strings.TrimPrefix(c.TURNServer, "turn:")
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}

func pick(flag, env, def string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

func pickInt(flag int, env string, def int) (int, error) {
	if flag != 0 {
		return flag, nil
	}
	if v := os.Getenv(env); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", env, err)
		}
		return n, nil
	}
	return def, nil
}

func pickDuration(flag time.Duration, env string, def time.Duration) (time.Duration, error) {
	if flag != 0 {
		return flag, nil
	}
	if v := os.Getenv(env); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", env, err)
		}
		return d, nil
	}
	return def, nil
}

func envBool(env string) bool {
	b, _ := strconv.ParseBool(os.Getenv(env))
	return b
}
