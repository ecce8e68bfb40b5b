package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxNameAttempts = 1000

// UniqueFilename returns path, or "name (n).ext" for the first n that does
// not exist yet.
func UniqueFilename(path string) (string, error) {
	if !exists(path) {
		return path, nil
	}

	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for n := 1; n <= maxNameAttempts; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, n, ext)
		if !exists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free name for %s", filepath.Base(path))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}
