package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPriority(t *testing.T) {
	t.Setenv("DOMAIN", "env.example.com")
	t.Setenv("STUN_SERVER", "stun:env:3478")
	t.Setenv("ICE_RESTART_WINDOW", "5s")
	t.Setenv("QUEUE_DEPTH", "32")

	cfg, err := Load(Options{STUNServer: "stun:flag:3478", RejoinTimeout: 3 * time.Second})
	require.NoError(t, err)

	assert.Equal(t, "env.example.com", cfg.Domain)
	assert.Equal(t, "wss://env.example.com/ws", cfg.WebSocketURL)
	assert.Equal(t, []string{"stun:flag:3478"}, cfg.GetSTUNServers())
	assert.Equal(t, 5*time.Second, cfg.Timeouts.ICERestartWindow)
	assert.Equal(t, 3*time.Second, cfg.Timeouts.Rejoin)
	assert.Equal(t, DefaultTimeouts.Connect, cfg.Timeouts.Connect)
	assert.Equal(t, 32, cfg.QueueDepth)
	assert.Equal(t, DefaultChunkSize, cfg.ChunkSize)
}

func TestLoadRejectsBadValues(t *testing.T) {
	_, err := Load(Options{ServerURL: "http://example.com/ws"})
	assert.Error(t, err)

	_, err = Load(Options{ChunkSize: DefaultLowWaterMark + 1})
	assert.Error(t, err)

	t.Setenv("TURN_SERVER", "")
	_, err = Load(Options{ForceRelay: true})
	assert.Error(t, err)

	t.Setenv("CONNECT_TIMEOUT", "soon")
	_, err = Load(Options{})
	assert.Error(t, err)
}

func TestTURNServers(t *testing.T) {
	cfg := &Config{TURNServer: "turn:relay.example.com", TURNUser: "u", TURNPass: "p"}
	assert.Equal(t, []string{
		"turn:relay.example.com:3478?transport=udp",
		"turn:relay.example.com:3478?transport=tcp",
		"turns:relay.example.com:5349?transport=tcp",
	}, cfg.GetTURNServers())

	user, pass := cfg.GetTURNCredentials()
	assert.Equal(t, "u", user)
	assert.Equal(t, "p", pass)

	assert.Nil(t, (&Config{}).GetTURNServers())
}

func TestLoadServerFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9000"
allowed_origins: ["https://lessons.example.com"]
heartbeat:
  pong_wait: 12s
  write_wait: 4s
access:
  mode: static
  rooms:
    lesson-42:
      - credential: teacher-key
        role: host
        label: Ms Rivera
      - credential: student-key
        role: guest
        label: Sam
`), 0o600))

	cfg, err := LoadServer(path, ServerOptions{})
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, 12*time.Second, cfg.Heartbeat.PongWait)
	assert.Equal(t, 4*time.Second, cfg.Heartbeat.WriteWait)
	assert.Less(t, cfg.Heartbeat.PingPeriod(), cfg.Heartbeat.PongWait)
	assert.Equal(t, AccessStatic, cfg.Access.Mode)
	require.Len(t, cfg.Access.Rooms["lesson-42"], 2)
	assert.Equal(t, "Ms Rivera", cfg.Access.Rooms["lesson-42"][0].Label)
	assert.Equal(t, int64(64*1024), cfg.MaxMessageSize)
}

func TestLoadServerOverrides(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("ACCESS_MODE", "token")
	t.Setenv("ACCESS_SECRET", "s3cret")

	cfg, err := LoadServer("", ServerOptions{PongWait: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Addr)
	assert.Equal(t, AccessToken, cfg.Access.Mode)
	assert.Equal(t, 5*time.Second, cfg.Heartbeat.PongWait)

	cfg, err = LoadServer("", ServerOptions{Addr: ":1234"})
	require.NoError(t, err)
	assert.Equal(t, ":1234", cfg.Addr)
}

func TestServerValidate(t *testing.T) {
	cfg := DefaultServerConfig()
	require.NoError(t, cfg.Validate())

	cfg.Access.Mode = AccessStatic
	assert.Error(t, cfg.Validate())

	cfg.Access.Rooms = map[string][]Grant{"r": {{Credential: "c", Role: "admin"}}}
	assert.Error(t, cfg.Validate())

	cfg.Access.Mode = AccessToken
	assert.Error(t, cfg.Validate())

	cfg.Access.Mode = "ldap"
	assert.Error(t, cfg.Validate())
}
