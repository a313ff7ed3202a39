package store

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const (
	lockRetryInterval = 5 * time.Millisecond
	lockTimeout       = 2 * time.Second
	// A lock file without a readable PID is treated as abandoned after this.
	lockUnreadableAfter = 10 * time.Second
)

var errLockTimeout = errors.New("timed out waiting for store lock")

// fileLock serialises read-compare-write cycles on the status file across
// processes. The lock file holds the owner's PID so that a lock left behind
// by a crashed process can be reclaimed.
type fileLock struct {
	path     string
	timeout  time.Duration
	pidAlive func(pid int32) (bool, error)
}

func newFileLock(path string) *fileLock {
	return &fileLock{
		path:     path,
		timeout:  lockTimeout,
		pidAlive: process.PidExists,
	}
}

func (l *fileLock) acquire() (release func(), err error) {
	deadline := time.Now().Add(l.timeout)
	for {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(l.path)
				return nil, fmt.Errorf("writing lock file: %w", errors.Join(werr, cerr))
			}
			return func() { os.Remove(l.path) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating lock file: %w", err)
		}
		if l.reclaimStale() {
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", errLockTimeout, l.path)
		}
		time.Sleep(lockRetryInterval)
	}
}

// reclaimStale removes the lock file when its owner is gone. It returns
// true when the caller should retry immediately.
func (l *fileLock) reclaimStale() bool {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return os.IsNotExist(err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		info, statErr := os.Stat(l.path)
		if statErr == nil && time.Since(info.ModTime()) > lockUnreadableAfter {
			os.Remove(l.path)
			return true
		}
		return false
	}

	if pid == os.Getpid() {
		// Held by another store in this process.
		return false
	}
	alive, err := l.pidAlive(int32(pid))
	if err != nil || alive {
		return false
	}
	os.Remove(l.path)
	return true
}
