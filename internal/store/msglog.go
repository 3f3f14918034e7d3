package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	msgLogRetention  = 72 * time.Hour
	msgLogGCInterval = 72 * time.Hour
)

// LogEntry is one appended inbound message row.
type LogEntry struct {
	MsgID    int64
	Sender   string
	FromConv string
	KindCode int
	Content  string
	IsGroup  bool
	TS       time.Time
}

// LogFilter narrows Query; zero values mean no constraint.
type LogFilter struct {
	FromConv string
	Sender   string
	KindCode int
	Since    time.Time
}

// MsgLog is the append-only message log with a rolling retention
// window.
type MsgLog struct {
	db *sql.DB
}

func OpenMsgLog(path string) (*MsgLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	m := &MsgLog{db: db}
	for _, p := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		msg_id INTEGER NOT NULL,
		sender TEXT NOT NULL,
		from_conv TEXT NOT NULL,
		kind_code INTEGER NOT NULL,
		content TEXT NOT NULL,
		is_group INTEGER NOT NULL,
		ts INTEGER NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init msglog schema: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init msglog index: %w", err)
	}
	return m, nil
}

func (m *MsgLog) Close() error {
	return m.db.Close()
}

func (m *MsgLog) Append(e LogEntry) error {
	isGroup := 0
	if e.IsGroup {
		isGroup = 1
	}
	if e.TS.IsZero() {
		e.TS = time.Now()
	}
	_, err := m.db.Exec(
		`INSERT INTO messages(msg_id, sender, from_conv, kind_code, content, is_group, ts)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		e.MsgID, e.Sender, e.FromConv, e.KindCode, e.Content, isGroup, e.TS.Unix())
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (m *MsgLog) Query(f LogFilter, limit int) ([]LogEntry, error) {
	query := `SELECT msg_id, sender, from_conv, kind_code, content, is_group, ts FROM messages WHERE 1=1`
	var args []any
	if f.FromConv != "" {
		query += ` AND from_conv = ?`
		args = append(args, f.FromConv)
	}
	if f.Sender != "" {
		query += ` AND sender = ?`
		args = append(args, f.Sender)
	}
	if f.KindCode != 0 {
		query += ` AND kind_code = ?`
		args = append(args, f.KindCode)
	}
	if !f.Since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, f.Since.Unix())
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := m.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var isGroup int
		var ts int64
		if err := rows.Scan(&e.MsgID, &e.Sender, &e.FromConv, &e.KindCode, &e.Content, &isGroup, &ts); err != nil {
			return nil, err
		}
		e.IsGroup = isGroup != 0
		e.TS = time.Unix(ts, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune removes rows older than the retention window; returns the
// number deleted.
func (m *MsgLog) Prune(now time.Time) (int64, error) {
	res, err := m.db.Exec(`DELETE FROM messages WHERE ts < ?`, now.Add(-msgLogRetention).Unix())
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GC prunes on the retention interval until ctx is cancelled.
func (m *MsgLog) GC(ctx context.Context) {
	ticker := time.NewTicker(msgLogGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := m.Prune(time.Now()); err != nil {
				log.Printf("[msglog] prune: %v", err)
			} else if n > 0 {
				log.Printf("[msglog] pruned %d rows", n)
			}
		}
	}
}
