package utils

import (
	"net"
	"strings"
)

// Tunnel interfaces where direct candidates rarely work: OpenVPN tun/tap,
// WireGuard, PPP and Cloudflare WARP.
var tunnelPrefixes = []string{"tun", "tap", "wg", "ppp", "warp", "utun"}

// Carrier grade NAT range, also used by WARP and Tailscale.
var cgnat = &net.IPNet{IP: net.IPv4(100, 64, 0, 0).To4(), Mask: net.CIDRMask(10, 32)}

// ShouldForceRelay reports whether the host looks like it sits behind a VPN
// or CGNAT, in which case TURN is preferred.
func ShouldForceRelay() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			addrs = nil
		}
		if behindTunnel(iface.Name, addrs) {
			return true
		}
	}
	return false
}

func behindTunnel(name string, addrs []net.Addr) bool {
	name = strings.ToLower(name)
	for _, p := range tunnelPrefixes {
		if strings.Contains(name, p) {
			return true
		}
	}
	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip != nil && cgnat.Contains(ip) {
			return true
		}
	}
	return false
}
