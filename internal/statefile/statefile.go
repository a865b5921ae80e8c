// Package statefile reads and writes small JSON state files atomically. It
// is a leaf package shared by the cookie jar and the file event source,
// both of which may be read by another process while being rewritten.
package statefile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FilePerms restricts state files to owner-only read/write. They may hold
// refresh credentials.
const FilePerms = 0o600

// DirPerms is used when creating the state directory.
const DirPerms = 0o700

// Load decodes the JSON file at path into v. Returns (false, nil) if the
// file does not exist, leaving v untouched.
func Load(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("statefile: reading %s: %w", path, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("statefile: decoding %s: %w", path, err)
	}

	return true, nil
}

// Save writes v to path atomically (write-to-temp + rename) with 0600
// permissions. Readers see either the old or the new content, never a
// partial file.
func Save(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("statefile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("statefile: creating directory %s: %w", dir, mkErr)
	}

	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("statefile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("statefile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("statefile: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("statefile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("statefile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("statefile: renaming: %w", err)
	}

	success = true

	return nil
}

// Remove deletes the file at path. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("statefile: removing %s: %w", path, err)
	}

	return nil
}
