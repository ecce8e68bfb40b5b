package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/warpcall/internal/config"
	"github.com/BioHazard786/warpcall/internal/signaling"
)

func TestTokenAccess(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	v := NewTokenAccess("shared-secret")
	v.now = func() time.Time { return now }

	token, err := IssueToken("shared-secret", TokenClaims{
		Room:    "lesson-42",
		Role:    signaling.RoleHost,
		Label:   "Ms Rivera",
		Expires: now.Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	access, err := v.ValidateAccess(context.Background(), "lesson-42", token)
	require.NoError(t, err)
	assert.Equal(t, Access{Role: signaling.RoleHost, Label: "Ms Rivera"}, access)

	_, err = v.ValidateAccess(context.Background(), "lesson-43", token)
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = v.ValidateAccess(context.Background(), "lesson-42", token+"x")
	assert.ErrorIs(t, err, ErrAccessDenied)

	forged, _ := IssueToken("other-secret", TokenClaims{Room: "lesson-42", Role: signaling.RoleHost})
	_, err = v.ValidateAccess(context.Background(), "lesson-42", forged)
	assert.ErrorIs(t, err, ErrAccessDenied)

	v.now = func() time.Time { return now.Add(2 * time.Hour) }
	_, err = v.ValidateAccess(context.Background(), "lesson-42", token)
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = v.ValidateAccess(context.Background(), "lesson-42", "not-a-token")
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestNewAccessValidator(t *testing.T) {
	v, err := NewAccessValidator(config.AccessConfig{Mode: config.AccessOpen})
	require.NoError(t, err)
	access, err := v.ValidateAccess(context.Background(), "any", "Sam")
	require.NoError(t, err)
	assert.Equal(t, "Sam", access.Label)
	assert.Empty(t, access.Role)

	v, err = NewAccessValidator(config.AccessConfig{
		Mode:  config.AccessStatic,
		Rooms: map[string][]config.Grant{"r": {{Credential: "k", Role: "guest", Label: "Sam"}}},
	})
	require.NoError(t, err)
	_, err = v.ValidateAccess(context.Background(), "other", "k")
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = NewAccessValidator(config.AccessConfig{Mode: "kerberos"})
	assert.Error(t, err)
}
