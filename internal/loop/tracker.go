package loop

import (
	"sync"
	"time"

	"phaseloop/internal/logging"
)

// DefaultWindow is the number of actions kept in memory.
const DefaultWindow = 200

// ActionTracker is a bounded ring of recent tool invocations. Older actions
// fall off the front; only the optional AuditLog keeps everything.
type ActionTracker struct {
	mu    sync.RWMutex
	buf   []ActionRecord
	start int
	size  int
	seq   uint64
	audit *AuditLog
	log   *logging.CategoryLogger
	now   func() time.Time
}

// NewActionTracker creates a tracker holding up to capacity actions.
func NewActionTracker(capacity int, log *logging.Logger) *ActionTracker {
	if capacity <= 0 {
		capacity = DefaultWindow
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &ActionTracker{
		buf: make([]ActionRecord, capacity),
		log: log.Get(logging.CategoryLoop),
		now: time.Now,
	}
}

// SetAudit attaches a write-only on-disk log.
func (t *ActionTracker) SetAudit(a *AuditLog) {
	t.mu.Lock()
	t.audit = a
	t.mu.Unlock()
}

// SetClock overrides time.Now.
func (t *ActionTracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Record appends an action, assigning its sequence number and timestamp when
// unset, and returns the stored copy.
func (t *ActionTracker) Record(rec ActionRecord) ActionRecord {
	t.mu.Lock()
	t.seq++
	rec.Seq = t.seq
	if rec.At.IsZero() {
		rec.At = t.now()
	}
	if rec.Signature == "" {
		rec.Signature = rec.Tool + "()"
	}
	idx := (t.start + t.size) % len(t.buf)
	if t.size == len(t.buf) {
		t.start = (t.start + 1) % len(t.buf)
	} else {
		t.size++
	}
	t.buf[idx] = rec
	audit := t.audit
	t.mu.Unlock()

	if audit != nil {
		if err := audit.Write(rec); err != nil {
			t.log.Warn("Audit log write failed: %v", err)
		}
	}
	return rec
}

// Seq returns the sequence number of the latest action (0 if none).
func (t *ActionTracker) Seq() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.seq
}

// Len returns the number of actions in the window.
func (t *ActionTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// Window returns every action in the window, oldest first.
func (t *ActionTracker) Window() []ActionRecord {
	return t.Recent(0)
}

// Recent returns up to n most recent actions, oldest first. n <= 0 means all.
func (t *ActionTracker) Recent(n int) []ActionRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n <= 0 || n > t.size {
		n = t.size
	}
	out := make([]ActionRecord, n)
	first := t.size - n
	for i := 0; i < n; i++ {
		out[i] = t.buf[(t.start+first+i)%len(t.buf)]
	}
	return out
}

// Since returns actions with a sequence number greater than seq, oldest first.
func (t *ActionTracker) Since(seq uint64) []ActionRecord {
	all := t.Window()
	for i, rec := range all {
		if rec.Seq > seq {
			return all[i:]
		}
	}
	return nil
}

// ByTarget returns actions on target among the last window actions.
func (t *ActionTracker) ByTarget(target string, window int) []ActionRecord {
	var out []ActionRecord
	for _, rec := range t.Recent(window) {
		if rec.Target == target {
			out = append(out, rec)
		}
	}
	return out
}

// Frequency counts actions with signature among the last window actions.
func (t *ActionTracker) Frequency(signature string, window int) int {
	n := 0
	for _, rec := range t.Recent(window) {
		if rec.Signature == signature {
			n++
		}
	}
	return n
}

// Reset empties the window. Sequence numbers keep increasing.
func (t *ActionTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.start = 0
	t.size = 0
	for i := range t.buf {
		t.buf[i] = ActionRecord{}
	}
}
