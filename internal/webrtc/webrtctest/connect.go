package webrtctest

import (
	"errors"
	"time"

	pion "github.com/pion/webrtc/v4"
)

// Connect runs a plain offer/answer between a and b and trickles one
// candidate each way. It replaces any OnICECandidate callbacks.
func Connect(a, b *Transport) error {
	gather := func(tr *Transport) chan pion.ICECandidateInit {
		out := make(chan pion.ICECandidateInit, 4)
		tr.OnICECandidate(func(c *pion.ICECandidateInit) {
			if c != nil {
				out <- *c
			}
		})
		return out
	}
	fromA, fromB := gather(a), gather(b)

	offer, err := a.CreateOffer(false)
	if err != nil {
		return err
	}
	if err := a.SetLocalDescription(offer); err != nil {
		return err
	}
	if err := b.SetRemoteDescription(offer); err != nil {
		return err
	}
	answer, err := b.CreateAnswer()
	if err != nil {
		return err
	}
	if err := b.SetLocalDescription(answer); err != nil {
		return err
	}
	if err := a.SetRemoteDescription(answer); err != nil {
		return err
	}

	for _, p := range []struct {
		in chan pion.ICECandidateInit
		to *Transport
	}{{fromA, b}, {fromB, a}} {
		select {
		case c := <-p.in:
			if err := p.to.AddICECandidate(c); err != nil {
				return err
			}
		case <-time.After(2 * time.Second):
			return errors.New("webrtctest: no candidate gathered")
		}
	}
	return nil
}
