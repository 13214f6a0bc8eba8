// Package lockfile guards a ReplyPipe state directory against concurrent use.
//
// SQLite and the whatsmeow device store both live in the state directory and
// must have a single writer. The lock is an flock on replypipe.lock, released by
// the kernel when the process exits.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "replypipe.lock"

// ErrLocked is wrapped by *LockError.
var ErrLocked = errors.New("state directory locked by another ReplyPipe instance")

// Owner describes the process holding the lock. It is written to the lock file.
type Owner struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host,omitempty"`
	Transport string    `json:"transport,omitempty"`
	Addr      string    `json:"addr,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the exclusive lock on stateDir, creating the directory if needed.
// owner.PID, Host and StartedAt are filled in when zero.
func Acquire(stateDir string, owner Owner) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the holder's info before we know the lock is ours.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := readOwner(lockPath)
		slog.Error("lockfile.Acquire: state directory in use", "lock_path", lockPath, "holder_pid", holder.PID, "error", err)
		return nil, &LockError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	if owner.PID == 0 {
		owner.PID = os.Getpid()
	}
	if owner.Host == "" {
		owner.Host, _ = os.Hostname()
	}
	if owner.StartedAt.IsZero() {
		owner.StartedAt = time.Now().UTC()
	}
	if err := writeOwner(file, owner); err != nil {
		_ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock owner to %s: %w", lockPath, err)
	}

	slog.Info("lockfile.Acquire: state directory locked", "lock_path", lockPath, "pid", owner.PID)
	return &Lock{file: file, path: lockPath}, nil
}

func writeOwner(file *os.File, owner Owner) error {
	data, err := json.Marshal(owner)
	if err != nil {
		return err
	}
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt(append(data, '\n'), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile: sync failed", "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove while still holding the lock so a new owner never loses its file.
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Lock.Release: failed to remove lock file", "lock_path", l.path, "error", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lock.Release: failed to unlock", "lock_path", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	slog.Info("Lock.Release: state directory unlocked", "lock_path", l.path)
	return err
}

// LockError reports a lock held by another process.
type LockError struct {
	LockPath string
	Holder   Owner
	Cause    error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another ReplyPipe instance is using this state directory (lock file %s)", e.LockPath)
	if e.Holder.PID > 0 {
		state := "running"
		if !processRunning(e.Holder.PID) {
			state = "not running, lock may be stale"
		}
		msg += fmt.Sprintf("; holder pid %d (%s)", e.Holder.PID, state)
		if e.Holder.Transport != "" {
			msg += fmt.Sprintf(", transport %s", e.Holder.Transport)
		}
		if !e.Holder.StartedAt.IsZero() {
			msg += fmt.Sprintf(", started %s", e.Holder.StartedAt.Format(time.RFC3339))
		}
	}
	return msg
}

// Is matches ErrLocked.
func (e *LockError) Is(target error) bool {
	return target == ErrLocked
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// readOwner returns the recorded owner, or the zero Owner when unreadable.
func readOwner(lockPath string) Owner {
	var owner Owner
	data, err := os.ReadFile(lockPath)
	if err != nil || len(data) == 0 {
		return owner
	}
	if err := json.Unmarshal(data, &owner); err != nil {
		slog.Debug("lockfile: unreadable lock owner", "lock_path", lockPath, "error", err)
		return Owner{}
	}
	return owner
}

// processRunning sends signal 0 to pid.
func processRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
