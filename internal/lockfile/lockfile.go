// Package lockfile guards the consult state directory against concurrent CLI runs.
//
// Two analyze runs sharing one state directory would race on the SQLite
// session cache, so every command that writes state takes an flock on
// consult.lock first. The kernel drops the lock when the process exits.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "consult.lock"

// Lock is a held state-directory lock.
type Lock struct {
	file    *os.File
	path    string
	command string
}

// Holder describes the process recorded in a lock file.
type Holder struct {
	PID     int
	Command string
	Started string
}

func (h Holder) String() string {
	if h.PID == 0 {
		return ""
	}
	state := "running"
	if !isProcessRunning(h.PID) {
		state = "not running, stale lock"
	}
	s := fmt.Sprintf("PID %d (%s)", h.PID, state)
	if h.Command != "" {
		s += fmt.Sprintf(" command=%s", h.Command)
	}
	if h.Started != "" {
		s += fmt.Sprintf(" started=%s", h.Started)
	}
	return s
}

// AcquireLock takes an exclusive, non-blocking lock on stateDir for the named
// command. The directory is created if needed.
func AcquireLock(stateDir, command string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("lockfile.AcquireLock", "lock_path", lockPath, "command", command)

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the holder's info before we know we own the lock.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder, _ := ReadHolder(lockPath)
		slog.Warn("lockfile.AcquireLock: state directory busy", "lock_path", lockPath, "holder", holder.String())
		return nil, &LockError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	if err := writeHolder(file, command); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Debug("lockfile.AcquireLock succeeded", "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath, command: command}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release unlocks and removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlocking so a waiting process never locks a file we then delete.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: failed to remove lock file", "error", err, "lock_path", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("lockfile.Release: failed to unlock", "error", err, "lock_path", l.path)
	}
	err := l.file.Close()
	l.file = nil
	slog.Debug("lockfile.Release succeeded", "lock_path", l.path, "command", l.command)
	return err
}

// LockError reports that another consult process holds the state directory.
type LockError struct {
	LockPath string
	Holder   Holder
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another consult command is using the state directory (lock file %s)", e.LockPath)
	if info := e.Holder.String(); info != "" {
		fmt.Fprintf(&b, "; held by %s", info)
	}
	if e.Holder.PID != 0 && !isProcessRunning(e.Holder.PID) {
		fmt.Fprintf(&b, "; remove %s if no consult process is running", e.LockPath)
	}
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

func writeHolder(f *os.File, command string) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	info := fmt.Sprintf("pid=%d command=%s started=%s\n", os.Getpid(), command, time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteAt([]byte(info), 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("lockfile: failed to sync lock file", "error", err)
	}
	return nil
}

// ReadHolder parses the process information written into a lock file.
func ReadHolder(lockPath string) (Holder, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return Holder{}, err
	}
	return parseHolder(string(data)), nil
}

func parseHolder(content string) Holder {
	var h Holder
	for _, field := range strings.Fields(content) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				h.PID = pid
			}
		case "command":
			h.Command = value
		case "started":
			h.Started = value
		}
	}
	return h
}

// isProcessRunning probes pid with signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
