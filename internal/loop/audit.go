package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"phaseloop/internal/logging"
)

// AuditLog appends every action to a JSON Lines file. It is never read back
// by detection, so operators may rotate or truncate it at any time; Follow
// notices a rename or removal and reopens the path.
type AuditLog struct {
	mu   sync.Mutex
	file *os.File
	path string
	log  *logging.CategoryLogger

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewAuditLog opens path for append, creating parent directories.
func NewAuditLog(path string, log *logging.Logger) (*AuditLog, error) {
	if log == nil {
		log = logging.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	file, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	return &AuditLog{
		file: file,
		path: path,
		log:  log.Get(logging.CategoryLoop),
	}, nil
}

func openAppend(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return file, nil
}

// Path returns the log path.
func (l *AuditLog) Path() string { return l.path }

// Write appends one record.
func (l *AuditLog) Write(rec ActionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("audit log not open")
	}
	_, err = l.file.Write(append(data, '\n'))
	return err
}

// Rotate renames the current file with a timestamp suffix and starts a new one.
func (l *AuditLog) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("audit log not open")
	}
	if err := l.file.Close(); err != nil {
		return err
	}
	l.file = nil
	backup := fmt.Sprintf("%s.%s", l.path, time.Now().Format("20060102-150405.000"))
	if err := os.Rename(l.path, backup); err != nil {
		return err
	}
	file, err := openAppend(l.path)
	if err != nil {
		return err
	}
	l.file = file
	return nil
}

// reopen switches to a fresh file at path if the open one was moved away.
func (l *AuditLog) reopen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if cur, err := l.file.Stat(); err == nil {
		if onDisk, err := os.Stat(l.path); err == nil && os.SameFile(cur, onDisk) {
			return nil
		}
	}
	_ = l.file.Close()
	file, err := openAppend(l.path)
	if err != nil {
		l.file = nil
		return err
	}
	l.file = file
	return nil
}

// Follow starts watching the log's directory for external rotation. It is
// non-blocking; call Close to stop.
func (l *AuditLog) Follow(ctx context.Context) error {
	l.mu.Lock()
	if l.watcher != nil {
		l.mu.Unlock()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		l.mu.Unlock()
		_ = w.Close()
		return err
	}
	l.watcher = w
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	l.mu.Unlock()

	go l.follow(ctx, w)
	return nil
}

func (l *AuditLog) follow(ctx context.Context, w *fsnotify.Watcher) {
	defer close(l.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(l.path) {
				continue
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := l.reopen(); err != nil {
				l.log.Warn("Audit log reopen failed: %v", err)
			} else {
				l.log.Debug("Audit log %s rotated externally, reopened", l.path)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.log.Warn("Audit log watcher error: %v", err)
		}
	}
}

// Close stops following and closes the file.
func (l *AuditLog) Close() error {
	l.mu.Lock()
	w, stopCh, doneCh := l.watcher, l.stopCh, l.doneCh
	l.watcher = nil
	l.mu.Unlock()

	if w != nil {
		close(stopCh)
		<-doneCh
		_ = w.Close()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}
