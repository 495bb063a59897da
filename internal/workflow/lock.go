package workflow

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"

	"chbuild/internal/artifact"
)

// ErrRepoBusy is returned when another process is already running stages
// against the same repository.
var ErrRepoBusy = errors.New("another run holds the repository lock")

// RepoLock keeps two processes from rewriting one repository at once.
// Platform-specific locking is in lock_unix.go and lock_windows.go.
type RepoLock struct {
	path string
	f    *os.File
}

// LockPath returns the lock file for a repository.
func LockPath(repoPath string) string {
	return filepath.Join(repoPath, artifact.BaseDir, "run.lock")
}

// LockRepo takes the repository lock without waiting.
func LockRepo(repoPath string) (*RepoLock, error) {
	path := LockPath(repoPath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, goerr.Wrap(err, "create lock directory", goerr.V("path", path))
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, goerr.Wrap(err, "open lock file", goerr.V("path", path))
	}
	if err := tryLock(f); err != nil {
		f.Close()
		return nil, goerr.Wrap(ErrRepoBusy, "lock repository", goerr.V("path", path), goerr.V("cause", err.Error()))
	}
	return &RepoLock{path: path, f: f}, nil
}

// Unlock releases the lock. It is safe to call more than once.
func (l *RepoLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	unlock(f)
	return f.Close()
}
