// Package runtime manages the per-state-directory instance lifecycle:
// an advisory exclusive lock, a PID file and a runtime descriptor that
// local clients use to discover the running instance.
package runtime

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"github.com/agent-brain/agent-brain/internal/errors"
)

const (
	LockFileName       = "agent-brain.lock"
	PIDFileName        = "agent-brain.pid"
	DescriptorFileName = "runtime.json"
)

// Lock is the exclusive per-state-directory instance lock. Acquisition is
// non-blocking; a held lock means another instance owns the state directory.
type Lock struct {
	stateDir string
	flock    *flock.Flock

	mu         sync.Mutex
	locked     bool
	bestEffort bool
	warnedOnce bool
}

// NewLock creates a lock for the given state directory.
func NewLock(stateDir string) *Lock {
	return &Lock{
		stateDir: stateDir,
		flock:    flock.New(filepath.Join(stateDir, LockFileName)),
	}
}

// Acquire attempts to take the lock without blocking. A busy lock held by a
// live process returns ErrCodeLockBusy; a stale lock (dead PID) is cleaned
// up and acquisition retried once. On filesystems without advisory locking
// the lock degrades to best-effort with a one-time warning.
func (l *Lock) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.stateDir, 0o755); err != nil {
		return errors.Wrap(errors.ErrCodeStateDir, err)
	}

	acquired, err := l.flock.TryLock()
	if err != nil {
		// ENOTSUP and friends: advisory locking unavailable.
		if !l.warnedOnce {
			slog.Warn("file locking unavailable, continuing best-effort",
				"state_dir", l.stateDir, "error", err)
			l.warnedOnce = true
		}
		l.bestEffort = true
		l.locked = true
		return l.writePID()
	}
	if !acquired {
		if l.isStale() {
			l.cleanupStale()
			acquired, err = l.flock.TryLock()
			if err != nil || !acquired {
				return errors.Newf(errors.ErrCodeLockBusy,
					"state directory %s is locked by another instance", l.stateDir)
			}
		} else {
			pid, _ := l.readPID()
			return errors.Newf(errors.ErrCodeLockBusy,
				"state directory %s is locked by pid %d", l.stateDir, pid).
				WithSuggestion("stop the other agent-brain instance or use a different state directory")
		}
	}

	l.locked = true
	return l.writePID()
}

// Release unlocks and removes the PID file and descriptor. Safe to call on
// an unlocked Lock.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.locked {
		return nil
	}
	l.locked = false

	_ = os.Remove(filepath.Join(l.stateDir, PIDFileName))
	_ = os.Remove(filepath.Join(l.stateDir, DescriptorFileName))

	if l.bestEffort {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return errors.Wrap(errors.ErrCodeStateDir, err)
	}
	return nil
}

// IsStale reports whether the lock artifacts belong to a process that no
// longer exists. An unreadable PID file counts as stale.
func (l *Lock) IsStale() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isStale()
}

// CleanupIfStale removes PID file and descriptor when the owning process is
// gone. Returns true when cleanup happened.
func (l *Lock) CleanupIfStale() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.isStale() {
		return false
	}
	l.cleanupStale()
	return true
}

func (l *Lock) isStale() bool {
	pid, err := l.readPID()
	if err != nil {
		if os.IsNotExist(err) {
			return false
		}
		// Unreadable PID file: treat as stale.
		return true
	}
	return !processExists(pid)
}

func (l *Lock) cleanupStale() {
	_ = os.Remove(filepath.Join(l.stateDir, PIDFileName))
	_ = os.Remove(filepath.Join(l.stateDir, DescriptorFileName))
}

func (l *Lock) writePID() error {
	path := filepath.Join(l.stateDir, PIDFileName)
	data := []byte(strconv.Itoa(os.Getpid()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeStateDir, err)
	}
	return nil
}

func (l *Lock) readPID() (int, error) {
	data, err := os.ReadFile(filepath.Join(l.stateDir, PIDFileName))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, err
	}
	return pid, nil
}
