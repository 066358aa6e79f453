//go:build !unix

package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const lockFileName = ".lock"

// dirLock falls back to an exclusive-create lock file on platforms
// without flock. Stale locks from crashed processes must be removed by
// hand.
type dirLock struct {
	path string
}

func acquireDirLock(dir string, block bool) (*dirLock, error) {
	path := filepath.Join(dir, lockFileName)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &dirLock{path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("storage: creating lock file %s: %w", path, err)
		}
		if !block {
			return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (l *dirLock) release() error {
	if l.path == "" {
		return nil
	}
	path := l.path
	l.path = ""
	return os.Remove(path)
}
