package os

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

var ErrLocked = errors.New("file is locked")

type Flock struct {
	f *flock.Flock
}

// NewFileLock makes a lock file at path, creating the directories.
func NewFileLock(path string) (*Flock, error) {
	if path == "" {
		path = filepath.Join(os.TempDir(), "pipcam.lock")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0770); err != nil {
		return nil, err
	}
	return &Flock{f: flock.New(path)}, nil
}

func (f *Flock) Lock() error { return f.f.Lock() }

// TryLock takes the lock without waiting, failing with ErrLocked
// when someone else holds it.
func (f *Flock) TryLock() error {
	ok, err := f.f.TryLock()
	if err != nil {
		return err
	}
	if !ok {
		return ErrLocked
	}
	return nil
}

func (f *Flock) Unlock() error { return f.f.Unlock() }

// Release unlocks and removes the lock file.
func (f *Flock) Release() error {
	err := f.f.Unlock()
	if er := os.Remove(f.f.Path()); er != nil && !errors.Is(er, os.ErrNotExist) && err == nil {
		err = er
	}
	return err
}
