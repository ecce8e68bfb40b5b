package transfer

import (
	"context"
	"errors"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/BioHazard786/warpcall/internal/channels"
	"github.com/BioHazard786/warpcall/internal/webrtc"
)

type pumpJob struct {
	session Session
	gen     int
	offset  uint64
}

// pump streams chunks from offset to the end of the file. It stops quietly
// when its context is cancelled and reports every other failure to the
// peer.
func (m *Manager) pump(ctx context.Context, job pumpJob) {
	s := job.session
	log := m.log.With(zap.String("file_id", s.FileID))

	err := m.sendChunks(ctx, job)
	switch {
	case err == nil:
		log.Debug("all chunks sent, waiting for completion")
	case isCancel(err):
		log.Debug("pump stopped")
	default:
		log.Warn("transfer failed", zap.Error(err))
		m.failOutgoing(s.FileID, job.gen, err)
	}
}

func (m *Manager) sendChunks(ctx context.Context, job pumpJob) error {
	s := job.session
	file, err := os.Open(s.Path)
	if err != nil {
		return NewFileError("open", s.Name, err)
	}
	defer file.Close()

	if _, err := file.Seek(int64(job.offset), io.SeekStart); err != nil {
		return NewFileError("seek", s.Name, err)
	}

	buf := make([]byte, s.ChunkSize)
	index := job.offset / uint64(s.ChunkSize)
	for index < s.TotalChunks {
		if err := m.waitWritable(ctx); err != nil {
			return err
		}

		n, err := io.ReadFull(file, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return NewFileError("read", s.Name, err)
		}

		// ChunkPayload is encoded by Send, so buf can be reused
		err = m.link.Send(webrtc.ChannelFile, webrtc.MessageTypeFileChunk, webrtc.ChunkPayload{
			FileID:      s.FileID,
			ChunkIndex:  index,
			TotalChunks: s.TotalChunks,
			Data:        buf[:n],
		})
		if err != nil {
			return NewFileError("send chunk", s.Name, err)
		}

		if !m.recordSent(s.FileID, job.gen, uint64(n)) {
			return context.Canceled
		}
		index++
	}
	return nil
}

// waitWritable blocks until the file channel is open and below the high
// water mark. A channel that closes mid-wait is waited on again.
func (m *Manager) waitWritable(ctx context.Context) error {
	for {
		openCtx, cancel := context.WithTimeout(ctx, m.opts.SendWindow)
		err := m.link.WaitOpen(openCtx, webrtc.ChannelFile)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return WrapError("send", ErrTimeout, "file channel did not open")
		}

		err = m.link.WaitForWindow(ctx, webrtc.ChannelFile, m.opts.HighWaterMark, m.opts.LowWaterMark, m.opts.SendWindow)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, channels.ErrChannelClosed):
			continue
		case errors.Is(err, channels.ErrBufferTimeout):
			return WrapError("send", ErrBufferTimeout, "buffer not draining")
		default:
			return err
		}
	}
}

func (m *Manager) recordSent(fileID string, gen int, n uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.out[fileID]
	if !ok || o.gen != gen {
		return false
	}
	o.BytesSent += n
	m.sent += n
	return true
}

func (m *Manager) failOutgoing(fileID string, gen int, cause error) {
	m.mu.Lock()
	o, ok := m.out[fileID]
	if !ok || o.gen != gen || o.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	m.stopPumpLocked(o)
	o.Status, o.Err = StatusFailed, cause
	snap := o.Session
	m.mu.Unlock()

	m.emit(EventFailed, snap)
	_ = m.control(webrtc.MessageTypeFileCancel, webrtc.FileCancelPayload{FileID: fileID, Reason: cause.Error()})
}
