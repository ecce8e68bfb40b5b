package transfer

import (
	"time"

	"github.com/BioHazard786/warpcall/internal/config"
)

const defaultAckEvery = 8

// Options tune file transfer.
type Options struct {
	ChunkSize     int
	HighWaterMark uint64
	LowWaterMark  uint64

	// SendWindow bounds a single wait on the file channel.
	SendWindow time.Duration

	// AckEvery is the number of chunks between receiver acknowledgements.
	AckEvery int

	OutputDir  string
	AutoAccept bool
}

// OptionsFromConfig maps the client configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ChunkSize:     cfg.ChunkSize,
		HighWaterMark: uint64(cfg.HighWaterMark),
		LowWaterMark:  uint64(cfg.LowWaterMark),
		SendWindow:    cfg.Timeouts.SendWindow,
		OutputDir:     cfg.OutputDir,
		AutoAccept:    cfg.AutoAccept,
	}
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = config.DefaultChunkSize
	}
	if o.HighWaterMark == 0 {
		o.HighWaterMark = config.DefaultHighWaterMark
	}
	if o.LowWaterMark == 0 || o.LowWaterMark >= o.HighWaterMark {
		o.LowWaterMark = o.HighWaterMark / 4
	}
	if o.SendWindow <= 0 {
		o.SendWindow = config.DefaultTimeouts.SendWindow
	}
	if o.AckEvery <= 0 {
		o.AckEvery = defaultAckEvery
	}
	return o
}
