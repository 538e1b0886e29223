package loop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"phaseloop/internal/logging"
)

// Acknowledger clears a blocked state.
type Acknowledger interface {
	Acknowledge(by string) bool
}

// AckWatcher watches the acknowledgement file. When it appears or is written,
// the watcher reads who acknowledged, clears the block and removes the file.
type AckWatcher struct {
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	path    string
	target  Acknowledger
	log     *logging.CategoryLogger
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	acks    int
}

// NewAckWatcher creates a watcher for path.
func NewAckWatcher(path string, target Acknowledger, log *logging.Logger) (*AckWatcher, error) {
	if log == nil {
		log = logging.NewNop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &AckWatcher{
		watcher: w,
		path:    filepath.Clean(path),
		target:  target,
		log:     log.Get(logging.CategoryLoop),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking. An ack file that already exists is
// consumed immediately.
func (aw *AckWatcher) Start(ctx context.Context) error {
	aw.mu.Lock()
	if aw.running {
		aw.mu.Unlock()
		return nil
	}
	aw.running = true
	aw.mu.Unlock()

	dir := filepath.Dir(aw.path)
	err := os.MkdirAll(dir, 0o755)
	if err == nil {
		err = aw.watcher.Add(dir)
	}
	if err != nil {
		aw.mu.Lock()
		aw.running = false
		aw.mu.Unlock()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	aw.log.Debug("AckWatcher: watching %s", aw.path)

	aw.consume()
	go aw.run(ctx)
	return nil
}

// Stop stops the watcher and waits for its goroutine.
func (aw *AckWatcher) Stop() {
	aw.mu.Lock()
	if !aw.running {
		aw.mu.Unlock()
		_ = aw.watcher.Close()
		return
	}
	aw.running = false
	aw.mu.Unlock()

	close(aw.stopCh)
	<-aw.doneCh
	if err := aw.watcher.Close(); err != nil {
		aw.log.Error("AckWatcher: error closing watcher: %v", err)
	}
}

// Acks returns how many acknowledgements were consumed.
func (aw *AckWatcher) Acks() int {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	return aw.acks
}

func (aw *AckWatcher) run(ctx context.Context) {
	defer close(aw.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-aw.stopCh:
			return
		case ev, ok := <-aw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != aw.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				aw.consume()
			}
		case err, ok := <-aw.watcher.Errors:
			if !ok {
				return
			}
			aw.log.Warn("AckWatcher error: %v", err)
		}
	}
}

func (aw *AckWatcher) consume() {
	data, err := os.ReadFile(aw.path)
	if err != nil {
		return
	}
	by := strings.TrimSpace(string(data))
	if err := os.Remove(aw.path); err != nil && !os.IsNotExist(err) {
		aw.log.Warn("AckWatcher: remove %s: %v", aw.path, err)
	}
	cleared := aw.target.Acknowledge(by)
	aw.mu.Lock()
	aw.acks++
	aw.mu.Unlock()
	aw.log.Info("Acknowledgement received from %q (cleared=%v)", by, cleared)
}

// WriteAck creates the acknowledgement file that an AckWatcher consumes.
func WriteAck(path, by string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if by == "" {
		by = "operator"
	}
	line := fmt.Sprintf("%s %s\n", by, time.Now().UTC().Format(time.RFC3339))
	return os.WriteFile(path, []byte(line), 0o644)
}
