package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/DapperDuckling/oauth-monitor/internal/status"
	"github.com/fsnotify/fsnotify"
)

const appDirName = "oauth-monitor"

// FileStore keeps the wrapped status in <dir>/<key>.json. Every process
// that opens a FileStore on the same directory and key shares the slot;
// changes made by other processes are picked up with fsnotify.
type FileStore struct {
	dir    string
	key    string
	logger *log.Logger
	lock   *fileLock

	mu         sync.Mutex
	lastOwn    []byte // bytes of this store's most recent write
	ownCleared bool   // this store removed the file last

	subs    subscribers
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
	closed  sync.Once
}

// NewFileStore opens the slot key in dir, creating dir if needed. An empty
// dir uses the default XDG state path; an empty key uses DefaultKey.
func NewFileStore(dir, key string, logger *log.Logger) (*FileStore, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	if key == "" {
		key = DefaultKey
	}
	if logger == nil {
		logger = log.Default()
	}
	dir = filepath.Clean(dir)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating store watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching store dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &FileStore{
		dir:     dir,
		key:     key,
		logger:  logger,
		lock:    newFileLock(filepath.Join(dir, key+".lock")),
		watcher: watcher,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.watch(ctx)
	return s, nil
}

// Path returns the full path of the status file.
func (s *FileStore) Path() string {
	return filepath.Join(s.dir, s.key+".json")
}

func (s *FileStore) Read() (status.WrappedStatus, bool) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Printf("reading status file: %v", err)
		}
		return status.WrappedStatus{}, false
	}
	w, err := status.Parse(data)
	if err != nil {
		return status.WrappedStatus{}, false
	}
	return w, true
}

func (s *FileStore) Write(candidate status.WrappedStatus) bool {
	data, err := json.Marshal(candidate)
	if err != nil {
		s.logger.Printf("could not encode user status: %v", err)
		return false
	}

	release, err := s.lock.acquire()
	if err != nil {
		s.logger.Printf("could not update stored user status: %v", err)
		return false
	}
	defer release()

	if raw, err := os.ReadFile(s.Path()); err == nil {
		if existing, err := status.Parse(raw); err == nil && !candidate.Newer(existing) {
			return false
		}
	}

	// Recorded before the rename so the watcher recognises the event.
	s.mu.Lock()
	s.lastOwn = data
	s.ownCleared = false
	s.mu.Unlock()

	if err := s.writeAtomic(data); err != nil {
		s.logger.Printf("could not update stored user status: %v", err)
		return false
	}
	return true
}

func (s *FileStore) writeAtomic(data []byte) error {
	tmp, err := os.CreateTemp(s.dir, "."+s.key+"-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path()); err != nil {
		return fmt.Errorf("renaming status file: %w", err)
	}
	committed = true
	return nil
}

func (s *FileStore) Clear() {
	release, err := s.lock.acquire()
	if err != nil {
		s.logger.Printf("could not clear stored user status: %v", err)
		return
	}
	defer release()

	s.mu.Lock()
	s.lastOwn = nil
	s.ownCleared = true
	s.mu.Unlock()

	if err := os.Remove(s.Path()); err != nil && !os.IsNotExist(err) {
		s.logger.Printf("could not clear stored user status: %v", err)
	}
}

func (s *FileStore) Subscribe(fn func()) func() {
	return s.subs.add(fn)
}

// Close stops the watcher and drops all subscribers. It is safe to call
// more than once.
func (s *FileStore) Close() error {
	var err error
	s.closed.Do(func() {
		s.cancel()
		err = s.watcher.Close()
		<-s.done
		s.subs.clear()
	})
	return err
}

func (s *FileStore) watch(ctx context.Context) {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("store watcher panicked: %v", r)
		}
	}()

	target := s.Path()
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if s.isOwnChange() {
				continue
			}
			s.subs.notify()

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Printf("store watcher error: %v", err)
		}
	}
}

// isOwnChange reports whether the file currently reflects this store's
// own last mutation, in which case the event is not forwarded.
func (s *FileStore) isOwnChange() bool {
	data, err := os.ReadFile(s.Path())

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		return os.IsNotExist(err) && s.ownCleared
	}
	return s.lastOwn != nil && bytes.Equal(data, s.lastOwn)
}

// DefaultDir returns ~/.local/state/oauth-monitor, respecting
// XDG_STATE_HOME if set.
func DefaultDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}
