package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BioHazard786/warpcall/internal/config"
	"github.com/BioHazard786/warpcall/internal/signaling"
)

// ErrAccessDenied is returned by validators for unknown or expired credentials.
var ErrAccessDenied = errors.New("access denied")

// Access is what the lesson system tells us about a credential.
// An empty Role lets the joining client choose.
type Access struct {
	Role  signaling.Role
	Label string
}

// AccessValidator checks an externally issued credential for a room.
type AccessValidator interface {
	ValidateAccess(ctx context.Context, roomID, credential string) (Access, error)
}

// OpenAccess admits everybody. The credential doubles as the display label.
// Meant for local development.
type OpenAccess struct{}

func (OpenAccess) ValidateAccess(_ context.Context, _ string, credential string) (Access, error) {
	return Access{Label: credential}, nil
}

// StaticAccess admits credentials listed per room in the server config.
type StaticAccess struct {
	rooms map[string][]config.Grant
}

func NewStaticAccess(rooms map[string][]config.Grant) *StaticAccess {
	return &StaticAccess{rooms: rooms}
}

func (s *StaticAccess) ValidateAccess(_ context.Context, roomID, credential string) (Access, error) {
	for _, g := range s.rooms[roomID] {
		if subtle.ConstantTimeCompare([]byte(g.Credential), []byte(credential)) == 1 {
			return Access{Role: signaling.Role(g.Role), Label: g.Label}, nil
		}
	}
	return Access{}, ErrAccessDenied
}

// TokenClaims is the body of a signed access token.
type TokenClaims struct {
	Room    string         `json:"room"`
	Role    signaling.Role `json:"role"`
	Label   string         `json:"label"`
	Expires int64          `json:"exp"`
}

// TokenAccess admits HMAC-SHA256 tokens minted by the lesson system with a
// shared secret: base64url(claims) "." base64url(mac).
type TokenAccess struct {
	secret []byte
	now    func() time.Time
}

func NewTokenAccess(secret string) *TokenAccess {
	return &TokenAccess{secret: []byte(secret), now: time.Now}
}

// IssueToken signs claims. The lesson system owns issuance; this exists for
// the `token` command and tests.
func IssueToken(secret string, claims TokenClaims) (string, error) {
	body, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding.EncodeToString(body)
	return enc + "." + sign([]byte(secret), enc), nil
}

func (t *TokenAccess) ValidateAccess(_ context.Context, roomID, credential string) (Access, error) {
	body, mac, ok := strings.Cut(credential, ".")
	if !ok {
		return Access{}, fmt.Errorf("%w: malformed token", ErrAccessDenied)
	}
	if !hmac.Equal([]byte(mac), []byte(sign(t.secret, body))) {
		return Access{}, fmt.Errorf("%w: bad signature", ErrAccessDenied)
	}

	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return Access{}, fmt.Errorf("%w: malformed token", ErrAccessDenied)
	}
	var claims TokenClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return Access{}, fmt.Errorf("%w: malformed token", ErrAccessDenied)
	}

	if claims.Room != roomID {
		return Access{}, fmt.Errorf("%w: token is for another room", ErrAccessDenied)
	}
	if claims.Expires != 0 && t.now().Unix() > claims.Expires {
		return Access{}, fmt.Errorf("%w: token expired", ErrAccessDenied)
	}
	if !claims.Role.Valid() {
		return Access{}, fmt.Errorf("%w: invalid role", ErrAccessDenied)
	}
	return Access{Role: claims.Role, Label: claims.Label}, nil
}

func sign(secret []byte, body string) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// NewAccessValidator picks the validator configured for the server.
func NewAccessValidator(cfg config.AccessConfig) (AccessValidator, error) {
	switch cfg.Mode {
	case config.AccessOpen, "":
		return OpenAccess{}, nil
	case config.AccessStatic:
		return NewStaticAccess(cfg.Rooms), nil
	case config.AccessToken:
		return NewTokenAccess(cfg.Secret), nil
	}
	return nil, fmt.Errorf("unknown access mode %q", cfg.Mode)
}
