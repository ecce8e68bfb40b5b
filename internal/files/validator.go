package files

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrNotExist    = errors.New("file does not exist")
	ErrIsDirectory = errors.New("is a directory")
	ErrEmpty       = errors.New("file is empty")
)

// FileInfo describes a file offered to the other participant.
type FileInfo struct {
	// Path is the absolute path to the file
	Path string

	// Name is the filename (without directory)
	Name string

	// Size is the file size in bytes
	Size int64

	// Type is the MIME type of the file (e.g., "application/pdf", "text/plain")
	Type string
}

// ValidateFile checks that path is a readable, non-empty regular file.
func ValidateFile(path string) (FileInfo, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("%s: failed to get absolute path: %w", path, err)
	}

	stat, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return FileInfo{}, fmt.Errorf("%s: %w", path, ErrNotExist)
		}
		return FileInfo{}, fmt.Errorf("%s: failed to stat file: %w", path, err)
	}
	if stat.IsDir() {
		return FileInfo{}, fmt.Errorf("%s: %w", path, ErrIsDirectory)
	}
	if stat.Size() == 0 {
		return FileInfo{}, fmt.Errorf("%s: %w", path, ErrEmpty)
	}

	f, err := os.Open(absPath)
	if err != nil {
		return FileInfo{}, fmt.Errorf("%s: cannot open file (check permissions): %w", path, err)
	}
	f.Close()

	return FileInfo{
		Path: absPath,
		Name: filepath.Base(absPath),
		Size: stat.Size(),
		Type: MimeType(absPath),
	}, nil
}

// MimeType guesses the MIME type from the extension.
func MimeType(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// SafeName strips directories and path tricks from a name chosen by the
// remote side.
func SafeName(name string) string {
	name = filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if name == "/" || name == "." || name == "" {
		return "download"
	}
	return name
}
