package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// CurrentLinkName is the symlink in the temp root that points at the most
// recent run, for quick post-mortem access.
const CurrentLinkName = "taler-integrationtest-current"

// NewScratchDir creates a unique directory under root (os.TempDir() when empty).
func NewScratchDir(root, prefix string) (string, error) {
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("create scratch root: %w", err)
	}
	dir, err := os.MkdirTemp(root, prefix)
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	return dir, nil
}

// UpdateCurrentSymlink points <root>/taler-integrationtest-current at dir.
func UpdateCurrentSymlink(root, dir string) (string, error) {
	if root == "" {
		root = os.TempDir()
	}
	link := filepath.Join(root, CurrentLinkName)

	if err := os.Remove(link); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("remove current symlink: %w", err)
	}
	if err := os.Symlink(dir, link); err != nil {
		return "", fmt.Errorf("create current symlink: %w", err)
	}
	return link, nil
}
