package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/BioHazard786/warpcall/internal/signaling"
)

var errSignalingLost = errors.New("signaling stream lost")

// rejoin tears down, gives the slot back and joins again under a new id.
func (s *Session) rejoin(cause error) {
	s.teardown(cause.Error())
	s.remote = nil
	s.stopRetry()
	s.leaveRoom()

	s.stats.Rejoins++
	s.phase = PhaseRejoining
	s.resetRejoin()
	s.log.Info("rejoining", zap.Error(cause), zap.Int("rejoins", s.stats.Rejoins))
	s.emit(Event{Kind: EventRejoin, Err: cause})
	s.sendJoin()
}

func (s *Session) resetRejoin() {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = s.cfg.Timeouts.Rejoin
	b.Reset()
	s.rejoinWait = b
}

// onSeatTaken handles room-full and role-taken. Both are terminal on the
// first join. While rejoining they usually mean the server still holds our
// previous slot, so the join is retried until the rejoin timeout.
func (s *Session) onSeatTaken(cause error) {
	switch s.phase {
	case PhaseJoining:
		s.fail(cause)

	case PhaseRejoining:
		wait := s.rejoinWait.NextBackOff()
		if wait == backoff.Stop {
			s.fail(fmt.Errorf("rejoin: %w", cause))
			return
		}
		s.log.Info("seat taken while rejoining", zap.Error(cause), zap.Duration("retry_in", wait))
		s.schedule(wait, s.sendJoin)

	default:
		s.log.Debug("ignoring seat rejection", zap.Error(cause), zap.String("phase", string(s.phase)))
	}
}

// schedule runs f on the loop after d unless stopRetry runs first.
func (s *Session) schedule(d time.Duration, f func()) {
	s.stopRetry()
	gen := s.retryGen
	s.retry = time.AfterFunc(d, func() {
		s.inbox.post(func() {
			if gen != s.retryGen || s.closed {
				return
			}
			s.retry = nil
			f()
		})
	})
}

func (s *Session) stopRetry() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.retryGen++
}

func (s *Session) onServerError(p *signaling.ErrorPayload) {
	switch p.Code {
	case signaling.CodeAccessDenied:
		s.fail(fmt.Errorf("%w: %s", ErrAccessDenied, p.Message))
		return
	case signaling.CodeRoleTaken:
		s.onSeatTaken(ErrRoleTaken)
		return
	}

	err := &ServerError{Code: p.Code, Message: p.Message}
	s.log.Warn("server error", zap.String("code", p.Code), zap.String("message", p.Message))
	s.emit(Event{Kind: EventError, Err: err})
	if s.phase == PhaseJoining && p.Code == signaling.CodeBadRequest {
		s.fail(err)
	}
}

// onDisconnected reconnects the signaling stream in the background. The
// peer connection may outlive the outage; once the stream is back the
// session tears down and rejoins, since the server dropped our slot.
func (s *Session) onDisconnected() {
	if s.phase == PhaseReconnecting || s.closed {
		return
	}
	s.log.Warn("signaling stream lost, reconnecting")
	s.stopRetry()
	s.self = nil
	first := !s.everJoined
	s.phase = PhaseReconnecting
	s.emit(Event{Kind: EventRejoin, Err: errSignalingLost})

	ctx := s.ctx
	go func() {
		err := s.sig.Reconnect(ctx)
		s.inbox.post(func() {
			if s.closed {
				return
			}
			if err != nil {
				if errors.Is(err, signaling.ErrSignalingUnavailable) {
					s.fail(err)
				} else {
					s.fail(fmt.Errorf("%w: %v", signaling.ErrSignalingUnavailable, err))
				}
				return
			}

			s.log.Info("signaling stream restored")
			s.teardown(errSignalingLost.Error())
			s.remote = nil
			s.resetRejoin()
			if first {
				s.phase = PhaseJoining
			} else {
				s.stats.Rejoins++
				s.phase = PhaseRejoining
			}
			s.sendJoin()
		})
	}()
}
