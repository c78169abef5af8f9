// Package fstore provides crash-safe reads and writes for the plain-file
// state under .kd/. Every write serializes to a uniquely named temp file in
// the target directory, fsyncs, and renames over the destination.
package fstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/kingdom-dev/kingdom/internal/kderr"
)

// tmpPath returns a temp sibling of path unique to this process and call.
// The pid plus a random token avoids intra-process collisions when the
// store is used from multiple concurrent goroutines.
func tmpPath(path string) string {
	return fmt.Sprintf("%s.%d-%s.tmp", path, os.Getpid(), uuid.NewString()[:8])
}

// WriteJSON atomically writes v as indented JSON to path, creating parent
// directories as needed.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	return WriteText(path, string(data)+"\n")
}

// ReadJSON reads path into v. A missing file reports kderr.ErrNotFound;
// callers treat that as "absent", not as a failure. Malformed JSON reports
// kderr.ErrParse.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", path, kderr.ErrNotFound)
		}
		return fmt.Errorf("reading %s: %w", path, kderr.ErrIO)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %v: %w", path, err, kderr.ErrParse)
	}
	return nil
}

// WriteText atomically writes body to path.
func WriteText(path, body string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating dir for %s: %w", path, kderr.ErrIO)
	}
	tmp := tmpPath(path)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, kderr.ErrIO)
	}
	if _, err := f.WriteString(body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", tmp, kderr.ErrIO)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing %s: %w", tmp, kderr.ErrIO)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing %s: %w", tmp, kderr.ErrIO)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", path, kderr.ErrIO)
	}
	return nil
}

// ReadText reads path. A missing file reports kderr.ErrNotFound.
func ReadText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s: %w", path, kderr.ErrNotFound)
		}
		return "", fmt.Errorf("reading %s: %w", path, kderr.ErrIO)
	}
	return string(data), nil
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
