package utils

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const ScratchPrefix = ".tmp-"

// ScratchDir creates a uniquely named hidden directory under parent. The
// caller owns it and is expected to remove it.
func ScratchDir(parent string) (string, error) {
	if err := os.MkdirAll(parent, 0755); err != nil {
		return "", err
	}
	dir := filepath.Join(parent, ScratchPrefix+uuid.NewString())
	if err := os.Mkdir(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}
