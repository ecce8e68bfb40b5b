package server

import (
	"time"

	"github.com/BioHazard786/warpcall/internal/signaling"
)

// MaxPeers is the room capacity: one host and one guest.
const MaxPeers = 2

// Peer is one occupant of a room, bound to its signaling connection.
type Peer struct {
	ID       string
	Role     signaling.Role
	Label    string
	JoinedAt time.Time

	client *Client
}

// Info is the wire form of the peer.
func (p *Peer) Info() signaling.PeerInfo {
	return signaling.PeerInfo{
		PeerID:   p.ID,
		Role:     p.Role,
		Label:    p.Label,
		JoinedAt: p.JoinedAt,
	}
}

// Room represents a single lesson where at most two peers meet.
// It is only touched from the hub goroutine.
type Room struct {
	// ID is the external lesson key.
	ID string

	// Peers in join order.
	Peers []*Peer
}

// Full reports whether the room is at capacity.
func (r *Room) Full() bool {
	return len(r.Peers) >= MaxPeers
}

// Empty reports whether nobody is left in the room.
func (r *Room) Empty() bool {
	return len(r.Peers) == 0
}

// Has reports whether a peer with id is present.
func (r *Room) Has(id string) bool {
	for _, p := range r.Peers {
		if p.ID == id {
			return true
		}
	}
	return false
}

// RoleTaken reports whether an occupant already holds role.
func (r *Room) RoleTaken(role signaling.Role) bool {
	for _, p := range r.Peers {
		if p.Role == role {
			return true
		}
	}
	return false
}

// Add appends p. Callers check Full first.
func (r *Room) Add(p *Peer) {
	r.Peers = append(r.Peers, p)
}

// Remove drops the peer bound to c and returns it, or nil.
func (r *Room) Remove(c *Client) *Peer {
	for i, p := range r.Peers {
		if p.client == c {
			r.Peers = append(r.Peers[:i:i], r.Peers[i+1:]...)
			return p
		}
	}
	return nil
}

// Others returns the occupants other than c.
func (r *Room) Others(c *Client) []*Peer {
	others := make([]*Peer, 0, len(r.Peers))
	for _, p := range r.Peers {
		if p.client != c {
			others = append(others, p)
		}
	}
	return others
}

// Infos returns the wire form of all occupants.
func (r *Room) Infos() []signaling.PeerInfo {
	infos := make([]signaling.PeerInfo, 0, len(r.Peers))
	for _, p := range r.Peers {
		infos = append(infos, p.Info())
	}
	return infos
}
