package transfer

import (
	"io"
	"os"
	"path/filepath"

	"github.com/BioHazard786/warpcall/internal/files"
	"github.com/BioHazard786/warpcall/internal/utils"
	"github.com/BioHazard786/warpcall/internal/webrtc"
)

// FileWriter stores an incoming file. ReceivedBytes is the end of the last
// chunk written, which is also the resume offset.
type FileWriter struct {
	File          *os.File
	Path          string
	Offer         webrtc.FileOfferPayload
	ReceivedBytes uint64
}

func NewFileWriter(offer webrtc.FileOfferPayload, outputDir string) (*FileWriter, error) {
	name := files.SafeName(offer.Name)
	if outputDir != "" {
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			return nil, NewFileError("create directory", outputDir, err)
		}
		name = filepath.Join(outputDir, name)
	}
	filename, err := utils.UniqueFilename(name)
	if err != nil {
		return nil, NewFileError("create file", offer.Name, err)
	}

	file, err := os.Create(filename)
	if err != nil {
		return nil, NewFileError("create file", offer.Name, err)
	}

	return &FileWriter{
		File:  file,
		Path:  filename,
		Offer: offer,
	}, nil
}

func (w *FileWriter) Write(data []byte) (int, error) {
	n, err := w.File.Write(data)
	if err != nil {
		return n, NewFileError("write", w.Offer.Name, err)
	}
	w.ReceivedBytes += uint64(n)
	return n, nil
}

func (w *FileWriter) WriteAt(data []byte, offset uint64) (int, error) {
	if offset+uint64(len(data)) > w.Offer.Size {
		return 0, NewFileError("write", w.Offer.Name, ErrSizeMismatch)
	}
	if offset != w.ReceivedBytes {
		if _, err := w.File.Seek(int64(offset), io.SeekStart); err != nil {
			return 0, NewFileError("seek", w.Offer.Name, err)
		}
		w.ReceivedBytes = offset
	}
	return w.Write(data)
}

func (w *FileWriter) IsComplete() bool {
	return w.ReceivedBytes >= w.Offer.Size
}

func (w *FileWriter) Close() error {
	return w.File.Close()
}

// Discard closes and removes a partial file.
func (w *FileWriter) Discard() error {
	w.File.Close()
	return os.Remove(w.Path)
}
