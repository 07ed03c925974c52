package syncer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

const lockFileName = "sync.lock"

var errMissingDataDir = errors.New("syncer: data directory is required")

// Lock is the process-wide sync lock in the client's data directory. It is an OS advisory lock,
// so the kernel releases it when the holding process exits for any reason.
type Lock struct {
	path string
}

// NewLock prepares <dataDir>/sync.lock.
func NewLock(dataDir string) (*Lock, error) {
	trimmed := strings.TrimSpace(dataDir)
	if trimmed == "" {
		return nil, errMissingDataDir
	}
	if err := os.MkdirAll(trimmed, 0o700); err != nil {
		return nil, fmt.Errorf("syncer: create data directory: %w", err)
	}
	return &Lock{path: filepath.Join(trimmed, lockFileName)}, nil
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// TryAcquire takes the lock without blocking. It reports false when another pass, in this process
// or another, holds it. Each call opens its own descriptor so goroutines exclude each other too.
func (l *Lock) TryAcquire() (release func() error, acquired bool, err error) {
	fileLock := flock.New(l.path)
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("syncer: acquire %s: %w", l.path, err)
	}
	if !locked {
		return nil, false, nil
	}
	return fileLock.Unlock, true, nil
}
