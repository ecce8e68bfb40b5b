package dns

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupPrefersSystemResolver(t *testing.T) {
	r := NewResolver(nil)
	r.system = func(context.Context, string) ([]string, error) {
		return []string{"2001:db8::1", "192.0.2.10"}, nil
	}
	r.remote = func(context.Context, string, string) ([]string, error) {
		t.Fatal("public resolvers must not be queried")
		return nil, nil
	}

	ip, err := r.Lookup(context.Background(), "signal.example.com")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", ip)
}

func TestLookupFallsBackToPublicResolvers(t *testing.T) {
	r := NewResolver(nil)
	r.Servers = []string{"a", "b"}
	r.system = func(context.Context, string) ([]string, error) {
		return nil, errors.New("captive portal")
	}
	r.remote = func(_ context.Context, _ string, server string) ([]string, error) {
		if server == "a" {
			return nil, errors.New("refused")
		}
		return []string{"198.51.100.7"}, nil
	}

	ip, err := r.Lookup(context.Background(), "signal.example.com")
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7", ip)
}

func TestLookupAllFail(t *testing.T) {
	r := NewResolver(nil)
	r.Servers = []string{"a"}
	r.RemoteTimeout = 50 * time.Millisecond
	r.system = func(context.Context, string) ([]string, error) { return nil, errors.New("nope") }
	r.remote = func(context.Context, string, string) ([]string, error) { return nil, errors.New("nope") }

	_, err := r.Lookup(context.Background(), "signal.example.com")
	assert.Error(t, err)
}

func TestLookupLiteralIP(t *testing.T) {
	r := NewResolver(nil)
	ip, err := r.Lookup(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip)
}
