package session

import (
	"sort"

	"github.com/BioHazard786/warpcall/internal/webrtc"
)

// Board is the shared whiteboard scene. Each element keeps the highest
// version seen, so applying the same ops in any order converges.
type Board struct {
	elements map[string]webrtc.Element
}

// NewBoard returns an empty board.
func NewBoard() *Board {
	return &Board{elements: make(map[string]webrtc.Element)}
}

// Apply merges one element and reports whether it changed the scene.
// Ties keep the element already present.
func (b *Board) Apply(el webrtc.Element) bool {
	if el.ID == "" {
		return false
	}
	cur, ok := b.elements[el.ID]
	if ok && cur.Version >= el.Version {
		return false
	}
	b.elements[el.ID] = el
	return true
}

// Merge applies a full scene and returns how many elements changed.
func (b *Board) Merge(elements []webrtc.Element) int {
	n := 0
	for _, el := range elements {
		if b.Apply(el) {
			n++
		}
	}
	return n
}

// Next builds the next local version of an element.
func (b *Board) Next(id string, data map[string]string, deleted bool) webrtc.Element {
	el := webrtc.Element{ID: id, Version: b.elements[id].Version + 1, Deleted: deleted, Data: data}
	b.elements[id] = el
	return el
}

// Clear empties the board.
func (b *Board) Clear() {
	b.elements = make(map[string]webrtc.Element)
}

// Len counts live elements.
func (b *Board) Len() int {
	n := 0
	for _, el := range b.elements {
		if !el.Deleted {
			n++
		}
	}
	return n
}

// Scene returns every element, tombstones included, ordered by id.
func (b *Board) Scene() []webrtc.Element {
	out := make([]webrtc.Element, 0, len(b.elements))
	for _, el := range b.elements {
		out = append(out, el)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
