package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Archive stores every published message in SQLite so history survives the
// in-memory cap and process restarts.
type Archive struct {
	db     *sql.DB
	dbPath string
}

// OpenArchive creates or opens the archive at path.
func OpenArchive(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	a := &Archive{db: db, dbPath: path}
	if err := a.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return a, nil
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Path returns the database file path.
func (a *Archive) Path() string {
	return a.dbPath
}

func (a *Archive) initSchema() error {
	stmts := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			priority INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			ttl_ms INTEGER NOT NULL,
			correlation_id TEXT,
			task_id TEXT,
			objective_id TEXT,
			file TEXT,
			payload_json TEXT
		)`,
		"CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at)",
		"CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender)",
		"CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient)",
		"CREATE INDEX IF NOT EXISTS idx_messages_correlation ON messages(correlation_id)",
	}
	for _, stmt := range stmts {
		if _, err := a.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Store inserts a message. Re-storing the same id is a no-op.
func (a *Archive) Store(ctx context.Context, m Message) error {
	var payload []byte
	if len(m.Payload) > 0 {
		var err error
		payload, err = json.Marshal(m.Payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
	}
	_, err := a.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
			(id, seq, type, sender, recipient, priority, created_at, ttl_ms,
			 correlation_id, task_id, objective_id, file, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, int64(m.Seq), string(m.Type), m.Sender, m.Recipient, int(m.Priority),
		m.CreatedAt.UnixNano(), m.TTL.Milliseconds(),
		m.CorrelationID, m.Context.TaskID, m.Context.ObjectiveID, m.Context.File, string(payload))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Search queries the archive with the same criteria as MessageBus.Search.
// Expired messages are included unless q.IncludeExpired is false, in which
// case now decides expiry.
func (a *Archive) Search(ctx context.Context, q SearchQuery, now time.Time) ([]Message, error) {
	var where []string
	var args []any
	add := func(clause string, v ...any) {
		where = append(where, clause)
		args = append(args, v...)
	}
	if q.Sender != "" {
		add("sender = ?", q.Sender)
	}
	if q.Recipient != "" {
		add("recipient = ?", q.Recipient)
	}
	if len(q.Types) > 0 {
		marks := make([]string, len(q.Types))
		for i, t := range q.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "type IN ("+strings.Join(marks, ",")+")")
	}
	if !q.From.IsZero() {
		add("created_at >= ?", q.From.UnixNano())
	}
	if !q.To.IsZero() {
		add("created_at <= ?", q.To.UnixNano())
	}
	if q.ContextID != "" {
		add("(task_id = ? OR objective_id = ? OR file = ?)", q.ContextID, q.ContextID, q.ContextID)
	}
	if q.CorrelationID != "" {
		add("correlation_id = ?", q.CorrelationID)
	}
	if !q.IncludeExpired {
		add("(ttl_ms = 0 OR created_at + ttl_ms * 1000000 > ?)", now.UnixNano())
	}

	query := `SELECT id, seq, type, sender, recipient, priority, created_at, ttl_ms,
		COALESCE(correlation_id, ''), COALESCE(task_id, ''), COALESCE(objective_id, ''),
		COALESCE(file, ''), COALESCE(payload_json, '') FROM messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, seq DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m                Message
			seq, created, tt int64
			typ, payload     string
			prio             int
		)
		if err := rows.Scan(&m.ID, &seq, &typ, &m.Sender, &m.Recipient, &prio, &created, &tt,
			&m.CorrelationID, &m.Context.TaskID, &m.Context.ObjectiveID, &m.Context.File, &payload); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Seq = uint64(seq)
		m.Type = MessageType(typ)
		m.Priority = Priority(prio)
		m.CreatedAt = time.Unix(0, created).UTC()
		m.TTL = time.Duration(tt) * time.Millisecond
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &m.Payload); err != nil {
				return nil, fmt.Errorf("decode payload of %s: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Prune deletes messages created before cutoff and returns how many went.
func (a *Archive) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := a.db.ExecContext(ctx, "DELETE FROM messages WHERE created_at < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of archived messages.
func (a *Archive) Count(ctx context.Context) (int, error) {
	var n int
	err := a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&n)
	return n, err
}
