package scheduler

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailmirror/internal/errkind"
)

// Lease guards the background scheduler so at most one process runs it
// against a given store file.
type Lease interface {
	Acquire() error
	Release() error
}

// FileLease implements Lease with an exclusively-created pid file next to
// the store. A lease left behind by a dead process is detected by probing
// the recorded pid and reclaimed.
type FileLease struct {
	path   string
	logger *logrus.Logger
}

// NewFileLease creates a file lease at the given path.
func NewFileLease(path string, logger *logrus.Logger) *FileLease {
	return &FileLease{path: path, logger: logger}
}

// Acquire takes the lease, reclaiming it once if the recorded holder is no
// longer alive.
func (l *FileLease) Acquire() error {
	if err := l.tryCreate(); err == nil {
		return nil
	} else if !os.IsExist(err) {
		return errkind.Wrap(errkind.Fatal, "scheduler.lease", err)
	}

	if l.holderAlive() {
		return errkind.E(errkind.Conflict, "scheduler.lease", "scheduler lease held by another process: %s", l.path)
	}

	l.logger.WithField("path", l.path).Warn("Reclaiming stale scheduler lease")
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errkind.Wrap(errkind.Fatal, "scheduler.lease", err)
	}
	if err := l.tryCreate(); err != nil {
		if os.IsExist(err) {
			return errkind.E(errkind.Conflict, "scheduler.lease", "scheduler lease held by another process: %s", l.path)
		}
		return errkind.Wrap(errkind.Fatal, "scheduler.lease", err)
	}
	return nil
}

func (l *FileLease) tryCreate() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

// holderAlive reports whether the pid recorded in the lease file still
// refers to a live process. An unreadable or garbled file counts as dead.
func (l *FileLease) holderAlive() bool {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Release removes the lease file.
func (l *FileLease) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// NopLease is a Lease that always succeeds, for embedded and test use.
type NopLease struct{}

func (NopLease) Acquire() error { return nil }
func (NopLease) Release() error { return nil }
