// Package transfer moves files between the two participants. The offer,
// accept and acknowledgement handshake runs on the control channel; raw
// chunks flow on the file channel.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BioHazard786/warpcall/internal/files"
	"github.com/BioHazard786/warpcall/internal/webrtc"
)

// Link is the part of the data channel manager transfers need.
type Link interface {
	Send(channel, msgType string, payload any) error
	WaitOpen(ctx context.Context, channel string) error
	WaitForWindow(ctx context.Context, channel string, high, low uint64, timeout time.Duration) error
}

type outgoing struct {
	Session
	gen    int
	cancel context.CancelFunc
}

type incoming struct {
	Session
	writer  *FileWriter
	lastAck uint64
}

// Manager tracks every transfer of a session in both directions.
type Manager struct {
	opts     Options
	link     Link
	log      *zap.Logger
	dispatch func(func())
	onEvent  func(Event)

	mu       sync.Mutex
	out      map[string]*outgoing
	in       map[string]*incoming
	sent     uint64
	received uint64
	closed   bool
	wg       sync.WaitGroup
}

// Config wires a Manager into its session.
type Config struct {
	Options  Options
	Link     Link
	Logger   *zap.Logger
	Dispatch func(func())
	OnEvent  func(Event)
}

func NewManager(cfg Config) *Manager {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	dispatch := cfg.Dispatch
	if dispatch == nil {
		dispatch = func(f func()) { f() }
	}
	return &Manager{
		opts:     cfg.Options.withDefaults(),
		link:     cfg.Link,
		log:      log.Named("transfer"),
		dispatch: dispatch,
		onEvent:  cfg.OnEvent,
		out:      make(map[string]*outgoing),
		in:       make(map[string]*incoming),
	}
}

func (m *Manager) emit(kind EventKind, s Session) {
	if m.onEvent == nil {
		return
	}
	ev := Event{Kind: kind, Transfer: s}
	m.dispatch(func() { m.onEvent(ev) })
}

func (m *Manager) control(msgType string, payload any) error {
	return m.link.Send(webrtc.ChannelControl, msgType, payload)
}

// Offer validates path and offers it to the other participant.
func (m *Manager) Offer(path string) (Session, error) {
	info, err := files.ValidateFile(path)
	if err != nil {
		return Session{}, NewFileError("offer", path, err)
	}

	size := uint64(info.Size)
	o := &outgoing{Session: Session{
		FileID:      uuid.NewString(),
		Name:        info.Name,
		Mime:        info.Type,
		Size:        size,
		ChunkSize:   m.opts.ChunkSize,
		TotalChunks: chunkCount(size, m.opts.ChunkSize),
		Direction:   DirectionSend,
		Status:      StatusOffered,
		Path:        info.Path,
	}}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Session{}, NewError("offer", ErrTransferCancelled)
	}
	m.out[o.FileID] = o
	snap := o.Session
	m.mu.Unlock()

	if err := m.control(webrtc.MessageTypeFileOffer, offerPayload(snap, 0)); err != nil {
		m.mu.Lock()
		delete(m.out, snap.FileID)
		m.mu.Unlock()
		return Session{}, NewFileError("offer", info.Name, err)
	}
	m.log.Info("offered file", zap.String("file_id", snap.FileID), zap.String("name", snap.Name), zap.Uint64("size", size))
	return snap, nil
}

func offerPayload(s Session, offset uint64) webrtc.FileOfferPayload {
	return webrtc.FileOfferPayload{
		FileID:      s.FileID,
		Name:        s.Name,
		Mime:        s.Mime,
		Size:        s.Size,
		ChunkSize:   s.ChunkSize,
		TotalChunks: s.TotalChunks,
		Offset:      offset,
	}
}

// HandleControl applies a file-* message from the control channel.
func (m *Manager) HandleControl(msg webrtc.Message) error {
	switch msg.Type {
	case webrtc.MessageTypeFileOffer:
		var p webrtc.FileOfferPayload
		if err := msg.DecodePayload(&p); err != nil {
			return NewError("decode offer", err)
		}
		return m.handleOffer(p)

	case webrtc.MessageTypeFileAccept:
		var p webrtc.FileAcceptPayload
		if err := msg.DecodePayload(&p); err != nil {
			return NewError("decode accept", err)
		}
		return m.handleAccept(p)

	case webrtc.MessageTypeFileDecline:
		var p webrtc.FileRefPayload
		if err := msg.DecodePayload(&p); err != nil {
			return NewError("decode decline", err)
		}
		m.finishOutgoing(p.FileID, StatusDeclined, EventDeclined, ErrTransferDeclined)
		return nil

	case webrtc.MessageTypeFileAck:
		var p webrtc.FileAckPayload
		if err := msg.DecodePayload(&p); err != nil {
			return NewError("decode ack", err)
		}
		m.handleAck(p)
		return nil

	case webrtc.MessageTypeFileComplete:
		var p webrtc.FileRefPayload
		if err := msg.DecodePayload(&p); err != nil {
			return NewError("decode complete", err)
		}
		m.finishOutgoing(p.FileID, StatusCompleted, EventCompleted, nil)
		return nil

	case webrtc.MessageTypeFileCancel:
		var p webrtc.FileCancelPayload
		if err := msg.DecodePayload(&p); err != nil {
			return NewError("decode cancel", err)
		}
		m.handleCancel(p)
		return nil
	}
	return fmt.Errorf("not a transfer message: %s", msg.Type)
}

func (m *Manager) handleOffer(p webrtc.FileOfferPayload) error {
	if p.FileID == "" || p.ChunkSize <= 0 {
		return NewError("offer", ErrInvalidState)
	}

	m.mu.Lock()
	in, known := m.in[p.FileID]
	if known && in.Status.Terminal() {
		done := in.Status == StatusCompleted
		m.mu.Unlock()
		if done {
			// the sender missed our completion
			return m.control(webrtc.MessageTypeFileComplete, webrtc.FileRefPayload{FileID: p.FileID})
		}
		return nil
	}
	if known && in.writer != nil {
		// re-offer after a rebuild: resume from what is on disk
		in.Status = StatusActive
		offset := in.writer.ReceivedBytes
		in.lastAck = offset
		m.mu.Unlock()
		m.log.Info("resuming receive", zap.String("file_id", p.FileID), zap.Uint64("offset", offset))
		return m.control(webrtc.MessageTypeFileAccept, webrtc.FileAcceptPayload{FileID: p.FileID, Offset: offset})
	}

	in = &incoming{Session: Session{
		FileID:      p.FileID,
		Name:        files.SafeName(p.Name),
		Mime:        p.Mime,
		Size:        p.Size,
		ChunkSize:   p.ChunkSize,
		TotalChunks: p.TotalChunks,
		Direction:   DirectionReceive,
		Status:      StatusOffered,
	}}
	m.in[p.FileID] = in
	snap := in.Session
	m.mu.Unlock()

	if !known {
		m.emit(EventOffered, snap)
	}
	if m.opts.AutoAccept {
		return m.Accept(p.FileID)
	}
	return nil
}

// Accept starts receiving an offered file into the output directory.
func (m *Manager) Accept(fileID string) error {
	m.mu.Lock()
	in, ok := m.in[fileID]
	if !ok {
		m.mu.Unlock()
		return NewError("accept", ErrUnknownTransfer)
	}
	if in.Status != StatusOffered {
		m.mu.Unlock()
		return NewFileError("accept", in.Name, ErrInvalidState)
	}

	w, err := NewFileWriter(offerPayload(in.Session, 0), m.opts.OutputDir)
	if err != nil {
		in.Status, in.Err = StatusFailed, err
		snap := in.Session
		m.mu.Unlock()
		m.emit(EventFailed, snap)
		_ = m.control(webrtc.MessageTypeFileCancel, webrtc.FileCancelPayload{FileID: fileID, Reason: "receiver cannot store the file"})
		return err
	}
	in.writer = w
	in.Path = w.Path
	in.Status = StatusActive
	in.StartedAt = time.Now()
	snap := in.Session
	m.mu.Unlock()

	m.emit(EventAccepted, snap)
	return m.control(webrtc.MessageTypeFileAccept, webrtc.FileAcceptPayload{FileID: fileID})
}

// Decline refuses an offered file.
func (m *Manager) Decline(fileID string) error {
	m.mu.Lock()
	in, ok := m.in[fileID]
	if !ok {
		m.mu.Unlock()
		return NewError("decline", ErrUnknownTransfer)
	}
	if in.Status != StatusOffered {
		m.mu.Unlock()
		return NewFileError("decline", in.Name, ErrInvalidState)
	}
	in.Status, in.Err = StatusDeclined, ErrTransferDeclined
	snap := in.Session
	m.mu.Unlock()

	m.emit(EventDeclined, snap)
	return m.control(webrtc.MessageTypeFileDecline, webrtc.FileRefPayload{FileID: fileID})
}

// Cancel stops a transfer in either direction and tells the peer.
func (m *Manager) Cancel(fileID, reason string) error {
	if !m.cancelLocal(fileID, ErrTransferCancelled) {
		return NewError("cancel", ErrUnknownTransfer)
	}
	return m.control(webrtc.MessageTypeFileCancel, webrtc.FileCancelPayload{FileID: fileID, Reason: reason})
}

func (m *Manager) handleCancel(p webrtc.FileCancelPayload) {
	err := error(ErrTransferCancelled)
	if p.Reason != "" {
		err = WrapError("peer", ErrTransferCancelled, p.Reason)
	}
	m.cancelLocal(p.FileID, err)
}

// cancelLocal ends the transfer without notifying the peer.
func (m *Manager) cancelLocal(fileID string, cause error) bool {
	m.mu.Lock()
	if o, ok := m.out[fileID]; ok {
		if o.Status.Terminal() {
			m.mu.Unlock()
			return true
		}
		m.stopPumpLocked(o)
		o.Status, o.Err = StatusCancelled, cause
		snap := o.Session
		m.mu.Unlock()
		m.emit(EventCancelled, snap)
		return true
	}
	in, ok := m.in[fileID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if in.Status.Terminal() {
		m.mu.Unlock()
		return true
	}
	if in.writer != nil {
		if err := in.writer.Discard(); err != nil {
			m.log.Warn("failed to remove partial file", zap.String("path", in.writer.Path), zap.Error(err))
		}
		in.writer = nil
	}
	in.Status, in.Err = StatusCancelled, cause
	snap := in.Session
	m.mu.Unlock()
	m.emit(EventCancelled, snap)
	return true
}

func (m *Manager) handleAccept(p webrtc.FileAcceptPayload) error {
	m.mu.Lock()
	o, ok := m.out[p.FileID]
	if !ok || o.Status.Terminal() || m.closed {
		m.mu.Unlock()
		return nil
	}

	offset := p.Offset - p.Offset%uint64(o.ChunkSize)
	if offset > o.Size {
		offset = o.Size - o.Size%uint64(o.ChunkSize)
	}
	m.stopPumpLocked(o)
	o.Status = StatusActive
	o.BytesSent = offset
	if o.BytesAcked < offset {
		o.BytesAcked = offset
	}
	if o.StartedAt.IsZero() {
		o.StartedAt = time.Now()
	}
	o.gen++
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	job := pumpJob{session: o.Session, gen: o.gen, offset: offset}
	m.wg.Add(1)
	m.mu.Unlock()

	m.log.Info("sending file", zap.String("file_id", p.FileID), zap.Uint64("offset", offset))
	m.emit(EventAccepted, job.session)
	go func() {
		defer m.wg.Done()
		m.pump(ctx, job)
	}()
	return nil
}

func (m *Manager) stopPumpLocked(o *outgoing) {
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.gen++
}

func (m *Manager) handleAck(p webrtc.FileAckPayload) {
	m.mu.Lock()
	o, ok := m.out[p.FileID]
	if !ok || o.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	if p.Bytes > o.BytesAcked {
		o.BytesAcked = min(p.Bytes, o.Size)
	}
	snap := o.Session
	m.mu.Unlock()
	m.emit(EventProgress, snap)
}

func (m *Manager) finishOutgoing(fileID string, status Status, kind EventKind, cause error) {
	m.mu.Lock()
	o, ok := m.out[fileID]
	if !ok || o.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	m.stopPumpLocked(o)
	o.Status, o.Err = status, cause
	if status == StatusCompleted {
		o.BytesAcked = o.Size
	}
	snap := o.Session
	m.mu.Unlock()

	m.log.Info("transfer finished", zap.String("file_id", fileID), zap.String("status", string(status)))
	m.emit(kind, snap)
}

// HandleChunk writes a chunk from the file channel.
func (m *Manager) HandleChunk(msg webrtc.Message) error {
	var p webrtc.ChunkPayload
	if err := msg.DecodePayload(&p); err != nil {
		return NewError("decode chunk", err)
	}

	m.mu.Lock()
	in, ok := m.in[p.FileID]
	if !ok || in.Status != StatusActive || in.writer == nil {
		m.mu.Unlock()
		return nil
	}

	offset := p.ChunkIndex * uint64(in.ChunkSize)
	n, err := in.writer.WriteAt(p.Data, offset)
	if err != nil {
		in.writer.Discard()
		in.writer = nil
		in.Status, in.Err = StatusFailed, err
		snap := in.Session
		m.mu.Unlock()
		m.emit(EventFailed, snap)
		_ = m.control(webrtc.MessageTypeFileCancel, webrtc.FileCancelPayload{FileID: p.FileID, Reason: err.Error()})
		return err
	}
	m.received += uint64(n)
	in.BytesSent = in.writer.ReceivedBytes

	complete := in.writer.IsComplete()
	ack := complete || in.BytesSent-in.lastAck >= uint64(m.opts.AckEvery*in.ChunkSize)
	if ack {
		in.lastAck = in.BytesSent
		in.BytesAcked = in.BytesSent
	}
	if complete {
		if err := in.writer.Close(); err != nil {
			m.log.Warn("failed to close file", zap.String("path", in.Path), zap.Error(err))
		}
		in.writer = nil
		in.Status = StatusCompleted
	}
	snap := in.Session
	m.mu.Unlock()

	if ack {
		if err := m.control(webrtc.MessageTypeFileAck, webrtc.FileAckPayload{FileID: p.FileID, Bytes: snap.BytesSent}); err != nil {
			m.log.Debug("failed to send ack", zap.Error(err))
		}
	}
	if complete {
		m.log.Info("file received", zap.String("file_id", p.FileID), zap.String("path", snap.Path))
		m.emit(EventCompleted, snap)
		return m.control(webrtc.MessageTypeFileComplete, webrtc.FileRefPayload{FileID: p.FileID})
	}
	if ack {
		m.emit(EventProgress, snap)
	}
	return nil
}

// Suspend stops every running pump. Called when the transport is torn
// down; Resync picks the transfers up again.
func (m *Manager) Suspend() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.out {
		if o.Status == StatusActive {
			m.stopPumpLocked(o)
			o.Status = StatusSuspended
		}
	}
}

// Resync re-offers every unfinished outgoing transfer from the last
// acknowledged offset.
func (m *Manager) Resync() {
	m.mu.Lock()
	var offers []webrtc.FileOfferPayload
	for _, o := range m.out {
		if o.Status.Terminal() {
			continue
		}
		m.stopPumpLocked(o)
		if o.Status == StatusActive {
			o.Status = StatusSuspended
		}
		offers = append(offers, offerPayload(o.Session, o.BytesAcked))
	}
	m.mu.Unlock()

	for _, p := range offers {
		m.log.Info("re-offering file", zap.String("file_id", p.FileID), zap.Uint64("offset", p.Offset))
		if err := m.control(webrtc.MessageTypeFileOffer, p); err != nil {
			m.log.Warn("failed to re-offer", zap.String("file_id", p.FileID), zap.Error(err))
		}
	}
}

// Get returns a snapshot of one transfer.
func (m *Manager) Get(fileID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.out[fileID]; ok {
		return o.Session, true
	}
	if in, ok := m.in[fileID]; ok {
		return in.Session, true
	}
	return Session{}, false
}

// Transfers returns snapshots of every transfer.
func (m *Manager) Transfers() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.out)+len(m.in))
	for _, o := range m.out {
		out = append(out, o.Session)
	}
	for _, in := range m.in {
		out = append(out, in.Session)
	}
	return out
}

// Bytes returns the payload bytes sent and received so far.
func (m *Manager) Bytes() (sent, received uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent, m.received
}

// Close stops all pumps, waits for them and closes partial files.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, o := range m.out {
		m.stopPumpLocked(o)
	}
	for _, in := range m.in {
		if in.writer != nil {
			in.writer.Close()
			in.writer = nil
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled)
}
