package session

import (
	"errors"
	"time"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/BioHazard786/warpcall/internal/channels"
	"github.com/BioHazard786/warpcall/internal/media"
	"github.com/BioHazard786/warpcall/internal/transfer"
	"github.com/BioHazard786/warpcall/internal/webrtc"
)

func (s *Session) wireChannels() {
	s.channels.Handle(webrtc.ChannelControl, s.onControl)
	s.channels.Handle(webrtc.ChannelChat, s.onChat)
	s.channels.Handle(webrtc.ChannelWhiteboard, s.onWhiteboard)
	s.channels.Handle(webrtc.ChannelFile, s.onFile)
}

// onChannelOpen resends the state the transport does not carry over.
func (s *Session) onChannelOpen(name string) {
	if s.closed {
		return
	}
	s.emit(Event{Kind: EventChannelOpen, Channel: name})

	switch name {
	case webrtc.ChannelControl:
		s.media.Resync()
		s.transfers.Resync()
	case webrtc.ChannelWhiteboard:
		if scene := s.board.Scene(); len(scene) > 0 {
			s.send(webrtc.ChannelWhiteboard, webrtc.MessageTypeWhiteboardScene, webrtc.WhiteboardScenePayload{Elements: scene})
		}
	}
}

func (s *Session) onAllClosed() {
	if s.engine != nil {
		s.engine.MarkUnstable()
	}
}

func (s *Session) onUndelivered(u channels.Undelivered) {
	s.stats.Undelivered++
	s.emit(Event{Kind: EventUndelivered, Undelivered: &u})
}

func (s *Session) onTransfer(ev transfer.Event) {
	s.emit(Event{Kind: EventTransfer, Transfer: &ev})
}

func (s *Session) onQuality(p media.Profile) {
	s.stats.QualityChanges++
	s.emit(Event{Kind: EventQuality, Quality: p.Name})
}

func (s *Session) send(channel, msgType string, payload any) {
	if err := s.channels.Send(channel, msgType, payload); err != nil {
		s.log.Warn("send failed", zap.String("channel", channel), zap.String("type", msgType), zap.Error(err))
	}
}

func (s *Session) onControl(msg webrtc.Message) {
	var err error
	switch msg.Type {
	case webrtc.MessageTypeMediaState:
		var p webrtc.MediaStatePayload
		if err = msg.DecodePayload(&p); err == nil {
			switch p.Kind {
			case pion.RTPCodecTypeAudio.String():
				s.peerMedia.Audio = p
			case pion.RTPCodecTypeVideo.String():
				s.peerMedia.Video = p
			}
		}

	case webrtc.MessageTypeSettings:
		var p webrtc.SettingsPayload
		if err = msg.DecodePayload(&p); err == nil {
			s.peerMedia.VirtualBackground = p.VirtualBackground
		}

	case webrtc.MessageTypeScreenShare:
		var p webrtc.ScreenSharePayload
		if err = msg.DecodePayload(&p); err == nil {
			s.peerMedia.ScreenShare = p.Active
			if !p.Active {
				s.peerMedia.Quality = ""
			}
		}

	case webrtc.MessageTypeQuality:
		var p webrtc.QualityPayload
		if err = msg.DecodePayload(&p); err == nil {
			s.peerMedia.Quality = p.Profile
		}

	default:
		if err := s.transfers.HandleControl(msg); err != nil {
			s.log.Warn("control message failed", zap.String("type", msg.Type), zap.Error(err))
		}
		return
	}

	if err != nil {
		s.log.Warn("malformed control message", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	rm := s.peerMedia
	s.emit(Event{Kind: EventRemoteMedia, Media: &rm})
}

func (s *Session) onChat(msg webrtc.Message) {
	if msg.Type != webrtc.MessageTypeChat {
		return
	}
	var p webrtc.ChatPayload
	if err := msg.DecodePayload(&p); err != nil {
		s.log.Warn("malformed chat message", zap.Error(err))
		return
	}
	line := ChatLine{ID: p.ID, Text: p.Text, SentAt: p.SentAt}
	s.chat = append(s.chat, line)
	s.stats.ChatsReceived++
	s.emit(Event{Kind: EventChat, Chat: &line})
}

func (s *Session) onWhiteboard(msg webrtc.Message) {
	changed := false
	switch msg.Type {
	case webrtc.MessageTypeWhiteboardOp:
		var p webrtc.WhiteboardOpPayload
		if err := msg.DecodePayload(&p); err != nil {
			s.log.Warn("malformed whiteboard op", zap.Error(err))
			return
		}
		changed = s.board.Apply(p.Element)

	case webrtc.MessageTypeWhiteboardScene:
		var p webrtc.WhiteboardScenePayload
		if err := msg.DecodePayload(&p); err != nil {
			s.log.Warn("malformed whiteboard scene", zap.Error(err))
			return
		}
		changed = s.board.Merge(p.Elements) > 0

	case webrtc.MessageTypeWhiteboardClear:
		s.board.Clear()
		changed = true
	}
	if changed {
		s.emit(Event{Kind: EventWhiteboard})
	}
}

func (s *Session) onFile(msg webrtc.Message) {
	if err := s.transfers.HandleChunk(msg); err != nil {
		s.log.Warn("file chunk failed", zap.Error(err))
	}
}

// SendChat sends a chat line. It is queued while the chat channel is not
// open.
func (s *Session) SendChat(text string) (ChatLine, error) {
	if text == "" {
		return ChatLine{}, errors.New("empty chat message")
	}
	var line ChatLine
	err := s.call(func() error {
		line = ChatLine{ID: uuid.NewString(), Local: true, Text: text, SentAt: time.Now()}
		payload := webrtc.ChatPayload{ID: line.ID, Text: line.Text, SentAt: line.SentAt}
		if err := s.channels.Send(webrtc.ChannelChat, webrtc.MessageTypeChat, payload); err != nil {
			return err
		}
		s.chat = append(s.chat, line)
		s.stats.ChatsSent++
		return nil
	})
	return line, err
}

// History returns the chat lines of the session, oldest first.
func (s *Session) History() []ChatLine {
	var out []ChatLine
	s.call(func() error {
		out = append(out, s.chat...)
		return nil
	})
	return out
}

// Draw creates or updates a whiteboard element.
func (s *Session) Draw(id string, data map[string]string) (webrtc.Element, error) {
	return s.boardOp(id, data, false)
}

// Erase deletes a whiteboard element.
func (s *Session) Erase(id string) (webrtc.Element, error) {
	return s.boardOp(id, nil, true)
}

func (s *Session) boardOp(id string, data map[string]string, deleted bool) (webrtc.Element, error) {
	if id == "" {
		return webrtc.Element{}, errors.New("element id is required")
	}
	var el webrtc.Element
	err := s.call(func() error {
		el = s.board.Next(id, data, deleted)
		return s.channels.Send(webrtc.ChannelWhiteboard, webrtc.MessageTypeWhiteboardOp, webrtc.WhiteboardOpPayload{Element: el})
	})
	return el, err
}

// ClearBoard empties the whiteboard on both sides.
func (s *Session) ClearBoard() error {
	return s.call(func() error {
		s.board.Clear()
		return s.channels.Send(webrtc.ChannelWhiteboard, webrtc.MessageTypeWhiteboardClear, nil)
	})
}

// Board returns the whiteboard scene.
func (s *Session) Board() []webrtc.Element {
	var scene []webrtc.Element
	s.call(func() error {
		scene = s.board.Scene()
		return nil
	})
	return scene
}

// SendFile offers a file to the other participant.
func (s *Session) SendFile(path string) (transfer.Session, error) {
	return s.transfers.Offer(path)
}

// AcceptFile accepts an offered file.
func (s *Session) AcceptFile(fileID string) error {
	return s.transfers.Accept(fileID)
}

// DeclineFile declines an offered file.
func (s *Session) DeclineFile(fileID string) error {
	return s.transfers.Decline(fileID)
}

// CancelFile aborts a transfer in either direction.
func (s *Session) CancelFile(fileID string) error {
	return s.transfers.Cancel(fileID, "cancelled by user")
}

// SetCamera turns the camera on or off.
func (s *Session) SetCamera(on bool) error {
	return s.media.SetEnabled(pion.RTPCodecTypeVideo, on)
}

// SetMicrophone turns the microphone on or off.
func (s *Session) SetMicrophone(on bool) error {
	return s.media.SetEnabled(pion.RTPCodecTypeAudio, on)
}

// StartScreenShare replaces the outgoing video with the screen.
func (s *Session) StartScreenShare() error {
	return s.media.StartScreenShare()
}

// StopScreenShare restores the outgoing video.
func (s *Session) StopScreenShare() error {
	return s.media.StopScreenShare()
}

// SetVirtualBackground records the background mode and tells the peer.
func (s *Session) SetVirtualBackground(mode string) {
	s.media.SetVirtualBackground(mode)
}
