package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"phaseloop/internal/logging"
)

// Defaults for Config fields left zero.
const (
	DefaultQueueCap     = 1000
	DefaultHistoryCap   = 10000
	DefaultTTL          = 24 * time.Hour
	DefaultPollInterval = 250 * time.Millisecond
	subscriberBuffer    = 64
)

// Config sizes the bus.
type Config struct {
	QueueCap     int
	HistoryCap   int
	DefaultTTL   time.Duration
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueCap <= 0 {
		c.QueueCap = DefaultQueueCap
	}
	if c.HistoryCap <= 0 {
		c.HistoryCap = DefaultHistoryCap
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultTTL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Archiver persists published messages. Errors are logged, never returned to
// publishers.
type Archiver interface {
	Store(ctx context.Context, m Message) error
}

// ArchiveSearcher is an Archiver that can also answer Search.
type ArchiveSearcher interface {
	Archiver
	Search(ctx context.Context, q SearchQuery, now time.Time) ([]Message, error)
}

// MessageQuery filters GetMessages. Zero fields match everything.
type MessageQuery struct {
	Since       time.Time
	Types       []MessageType
	MinPriority Priority
	Limit       int
}

// SearchQuery filters Search across history.
type SearchQuery struct {
	Sender         string
	Recipient      string
	Types          []MessageType
	From           time.Time
	To             time.Time
	ContextID      string
	CorrelationID  string
	IncludeExpired bool
	Limit          int
}

// Stats summarizes bus activity.
type Stats struct {
	Published   int            `json:"published"`
	Evicted     int            `json:"evicted"`
	Expired     int            `json:"expired"`
	Dropped     int            `json:"dropped"` // subscriber channel full
	History     int            `json:"history"`
	Queues      map[string]int `json:"queues"`
	Subscribers int            `json:"subscribers"`
}

type subscription struct {
	id        uint64
	recipient string
	types     map[MessageType]bool
	ch        chan Message
}

// MessageBus is safe for concurrent use.
type MessageBus struct {
	mu      sync.RWMutex
	cfg     Config
	queues  map[string][]Message
	history []Message
	trimmed int // messages dropped from history by the cap
	subs    map[uint64]*subscription
	subSeq  uint64
	seq     uint64
	stats   Stats
	archive Archiver
	log     *logging.CategoryLogger
	now     func() time.Time
}

// New creates a bus.
func New(cfg Config, log *logging.Logger) *MessageBus {
	if log == nil {
		log = logging.NewNop()
	}
	return &MessageBus{
		cfg:    cfg.withDefaults(),
		queues: make(map[string][]Message),
		subs:   make(map[uint64]*subscription),
		log:    log.Get(logging.CategoryBus),
		now:    time.Now,
	}
}

// SetArchive attaches a persistent archive.
func (b *MessageBus) SetArchive(a Archiver) {
	b.mu.Lock()
	b.archive = a
	b.mu.Unlock()
}

// SetClock overrides time.Now.
func (b *MessageBus) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// Publish appends m to its recipient's queue (the broadcast queue when the
// recipient is empty or Broadcast) and to history. ID, Seq and CreatedAt are
// assigned; a zero TTL takes the default.
func (b *MessageBus) Publish(m Message) (Message, error) {
	if m.Type == "" || m.Sender == "" {
		return Message{}, fmt.Errorf("%w: type and sender are required", ErrInvalidMessage)
	}
	if m.Priority < PriorityNormal || m.Priority > PriorityCritical {
		return Message{}, fmt.Errorf("%w: priority %d", ErrInvalidMessage, m.Priority)
	}

	b.mu.Lock()
	now := b.now()
	b.seq++
	m.Seq = b.seq
	m.CreatedAt = now
	m.ID = newID(now)
	if m.Recipient == "" {
		m.Recipient = Broadcast
	}
	if m.TTL <= 0 {
		m.TTL = b.cfg.DefaultTTL
	}

	q := append(b.queues[m.Recipient], m)
	if over := len(q) - b.cfg.QueueCap; over > 0 {
		q = append([]Message(nil), q[over:]...)
		b.stats.Evicted += over
	}
	b.queues[m.Recipient] = q

	b.history = append(b.history, m)
	if over := len(b.history) - b.cfg.HistoryCap; over > 0 {
		b.history = append([]Message(nil), b.history[over:]...)
		b.trimmed += over
	}
	b.stats.Published++

	for _, s := range b.subs {
		if s.recipient != m.Recipient && m.Recipient != Broadcast {
			continue
		}
		if len(s.types) > 0 && !s.types[m.Type] {
			continue
		}
		select {
		case s.ch <- m:
		default:
			b.stats.Dropped++
		}
	}
	archive := b.archive
	b.mu.Unlock()

	if archive != nil {
		if err := archive.Store(context.Background(), m); err != nil {
			b.log.Warn("Archive store failed for %s: %v", m.ID, err)
		}
	}
	b.log.Debug("Published %s %s -> %s [%s]", m.Type, m.Sender, m.Recipient, m.Priority)
	return m, nil
}

// GetMessages returns live messages for recipient (including broadcasts),
// highest priority first and newest first within a priority. Expired
// messages are dropped from the queues as they are encountered.
func (b *MessageBus) GetMessages(recipient string, q MessageQuery) []Message {
	b.mu.Lock()
	now := b.now()
	var out []Message
	names := []string{recipient}
	if recipient != Broadcast {
		names = append(names, Broadcast)
	}
	for _, name := range names {
		queue := b.queues[name]
		live := queue[:0]
		for _, m := range queue {
			if m.Expired(now) {
				b.stats.Expired++
				continue
			}
			live = append(live, m)
			if matchesQuery(m, q) {
				out = append(out, m)
			}
		}
		clear(queue[len(live):])
		if len(live) == 0 {
			delete(b.queues, name)
		} else {
			b.queues[name] = live
		}
	}
	b.mu.Unlock()

	sortByPriority(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func matchesQuery(m Message, q MessageQuery) bool {
	if !q.Since.IsZero() && m.CreatedAt.Before(q.Since) {
		return false
	}
	if m.Priority < q.MinPriority {
		return false
	}
	return typeIn(m.Type, q.Types)
}

func typeIn(t MessageType, types []MessageType) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if t == want {
			return true
		}
	}
	return false
}

func sortByPriority(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Priority != msgs[j].Priority {
			return msgs[i].Priority > msgs[j].Priority
		}
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
		}
		return msgs[i].Seq > msgs[j].Seq
	})
}

// Search filters history, newest first. Once the in-memory history has
// dropped messages, an attached ArchiveSearcher answers instead.
func (b *MessageBus) Search(q SearchQuery) []Message {
	return b.SearchContext(context.Background(), q)
}

// SearchContext is Search with a context for the archive query.
func (b *MessageBus) SearchContext(ctx context.Context, q SearchQuery) []Message {
	b.mu.RLock()
	now := b.now()
	searcher, _ := b.archive.(ArchiveSearcher)
	truncated := b.trimmed > 0
	var out []Message
	for i := len(b.history) - 1; i >= 0; i-- {
		m := b.history[i]
		if !q.IncludeExpired && m.Expired(now) {
			continue
		}
		if !matchesSearch(m, q) {
			continue
		}
		out = append(out, m)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	b.mu.RUnlock()

	if searcher == nil || !truncated {
		return out
	}
	archived, err := searcher.Search(ctx, q, now)
	if err != nil {
		b.log.Warn("Archive search failed, returning in-memory history: %v", err)
		return out
	}
	return archived
}

func matchesSearch(m Message, q SearchQuery) bool {
	switch {
	case q.Sender != "" && m.Sender != q.Sender:
		return false
	case q.Recipient != "" && m.Recipient != q.Recipient:
		return false
	case !q.From.IsZero() && m.CreatedAt.Before(q.From):
		return false
	case !q.To.IsZero() && m.CreatedAt.After(q.To):
		return false
	case q.ContextID != "" && !m.Context.Matches(q.ContextID):
		return false
	case q.CorrelationID != "" && m.CorrelationID != q.CorrelationID:
		return false
	}
	return typeIn(m.Type, q.Types)
}

// RequestResponse publishes a correlated request to recipient and polls the
// sender's queue for the matching response until timeout or ctx ends. It
// returns false when no response arrived.
func (b *MessageBus) RequestResponse(ctx context.Context, sender, recipient string, payload map[string]any, timeout time.Duration) (Message, bool) {
	req, err := b.Publish(Message{
		Type:          TypeRequest,
		Sender:        sender,
		Recipient:     recipient,
		Payload:       payload,
		Priority:      PriorityHigh,
		TTL:           timeout,
		CorrelationID: uuid.NewString(),
	})
	if err != nil {
		b.log.Warn("Request from %s not published: %v", sender, err)
		return Message{}, false
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if resp, ok := b.findResponse(sender, req.CorrelationID); ok {
			return resp, true
		}
		select {
		case <-ctx.Done():
			b.log.Debug("Request %s from %s to %s timed out", req.CorrelationID, sender, recipient)
			return Message{}, false
		case <-ticker.C:
		}
	}
}

func (b *MessageBus) findResponse(sender, correlationID string) (Message, bool) {
	for _, m := range b.GetMessages(sender, MessageQuery{Types: []MessageType{TypeResponse}}) {
		if m.CorrelationID == correlationID {
			return m, true
		}
	}
	return Message{}, false
}

// PendingRequests returns live requests addressed to recipient.
func (b *MessageBus) PendingRequests(recipient string) []Message {
	var out []Message
	for _, m := range b.GetMessages(recipient, MessageQuery{Types: []MessageType{TypeRequest}}) {
		if m.Recipient == recipient {
			out = append(out, m)
		}
	}
	return out
}

// Respond publishes a response to req from responder.
func (b *MessageBus) Respond(req Message, responder string, payload map[string]any) (Message, error) {
	return b.Publish(Message{
		Type:          TypeResponse,
		Sender:        responder,
		Recipient:     req.Sender,
		Payload:       payload,
		Priority:      req.Priority,
		CorrelationID: req.CorrelationID,
		Context:       req.Context,
	})
}

// Subscribe delivers future messages for recipient (and broadcasts) of the
// given types. Delivery is best-effort: a full channel drops the message.
// Call the returned function to unsubscribe; it closes the channel.
func (b *MessageBus) Subscribe(recipient string, types ...MessageType) (<-chan Message, func()) {
	s := &subscription{
		recipient: recipient,
		ch:        make(chan Message, subscriberBuffer),
	}
	if len(types) > 0 {
		s.types = make(map[MessageType]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}

	b.mu.Lock()
	b.subSeq++
	s.id = b.subSeq
	b.subs[s.id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s.id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

// ClearQueue empties recipient's queue and returns how many messages it held.
func (b *MessageBus) ClearQueue(recipient string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.queues[recipient])
	delete(b.queues, recipient)
	return n
}

// Stats returns a snapshot of counters and queue sizes.
func (b *MessageBus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := b.stats
	st.History = len(b.history)
	st.Subscribers = len(b.subs)
	st.Queues = make(map[string]int, len(b.queues))
	for name, q := range b.queues {
		st.Queues[name] = len(q)
	}
	return st
}
