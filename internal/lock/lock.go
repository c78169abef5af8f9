// Package lock provides cross-process advisory file locks.
//
// This is a general-purpose lock suitable for any read-modify-write
// operation that needs serialization across separate CLI invocations,
// e.g. thread sequence assignment and ticket-id allocation.
package lock

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Acquire opens a lock file and takes an exclusive advisory lock.
// The parent directory is created if needed. Returns a release function
// that unlocks and closes the file.
func Acquire(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}
	fl := flock.New(path)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", path, err)
	}
	return func() { _ = fl.Unlock() }, nil
}
