package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

// PublicDNS are servers queried when the system resolver fails.
// Captive or broken resolvers are common on school and hotel networks.
var PublicDNS = []string{
	"1.1.1.1",                // Cloudflare
	"1.0.0.1",                // Cloudflare
	"[2606:4700:4700::1111]", // Cloudflare
	"8.8.8.8",                // Google
	"8.8.4.4",                // Google
	"[2001:4860:4860::8888]", // Google
	"9.9.9.9",                // Quad9
	"149.112.112.112",        // Quad9
	"208.67.222.222",         // Cisco OpenDNS
}

// Resolver resolves hostnames through the system resolver first and races
// public resolvers when that fails.
type Resolver struct {
	Servers       []string
	LocalTimeout  time.Duration
	RemoteTimeout time.Duration

	log    *zap.Logger
	system func(ctx context.Context, host string) ([]string, error)
	remote func(ctx context.Context, host, server string) ([]string, error)
}

// NewResolver returns a resolver using PublicDNS as fallback.
func NewResolver(log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		Servers:       PublicDNS,
		LocalTimeout:  time.Second,
		RemoteTimeout: 2 * time.Second,
		log:           log.Named("dns"),
		system:        (&net.Resolver{}).LookupHost,
		remote:        remoteLookupHost,
	}
}

// Lookup resolves host to a single address, preferring IPv4.
// Literal IPs are returned unchanged.
func (r *Resolver) Lookup(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}

	lctx, cancel := context.WithTimeout(ctx, r.LocalTimeout)
	ips, err := r.system(lctx, host)
	cancel()
	if err == nil && len(ips) > 0 {
		return preferIPv4(ips), nil
	}

	r.log.Warn("system DNS lookup failed, racing public resolvers",
		zap.String("host", host), zap.Error(err))
	return r.race(ctx, host)
}

// DialContext resolves the host part of addr with Lookup and dials it.
// It fits websocket.Dialer.NetDialContext.
func (r *Resolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	ip, err := r.Lookup(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("dns lookup failed: %w", err)
	}

	var d net.Dialer
	return d.DialContext(ctx, network, net.JoinHostPort(ip, port))
}

func (r *Resolver) race(ctx context.Context, host string) (string, error) {
	if len(r.Servers) == 0 {
		return "", fmt.Errorf("failed to resolve %s: no fallback resolvers", host)
	}

	type result struct {
		ips []string
		err error
	}

	ctx, cancel := context.WithTimeout(ctx, r.RemoteTimeout)
	defer cancel()

	results := make(chan result, len(r.Servers))
	for _, server := range r.Servers {
		go func(server string) {
			ips, err := r.remote(ctx, host, server)
			results <- result{ips: ips, err: err}
		}(server)
	}

	for range r.Servers {
		select {
		case res := <-results:
			if res.err == nil && len(res.ips) > 0 {
				return preferIPv4(res.ips), nil
			}
		case <-ctx.Done():
			return "", fmt.Errorf("DNS lookup for %s timed out during public DNS race", host)
		}
	}

	return "", fmt.Errorf("failed to resolve %s: all %d public DNS servers failed", host, len(r.Servers))
}

func remoteLookupHost(ctx context.Context, host, server string) ([]string, error) {
	r := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(trimBrackets(server), "53"))
		},
	}
	ips, err := r.LookupHost(ctx, host)
	if err == nil && len(ips) == 0 {
		err = errors.New("no IPs returned")
	}
	return ips, err
}

func preferIPv4(ips []string) string {
	for _, ip := range ips {
		if parsed := net.ParseIP(ip); parsed != nil && parsed.To4() != nil {
			return ip
		}
	}
	return ips[0]
}

func trimBrackets(s string) string {
	if len(s) > 1 && s[0] == '[' && s[len(s)-1] == ']' {
		return s[1 : len(s)-1]
	}
	return s
}
