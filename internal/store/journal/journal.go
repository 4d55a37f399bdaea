// Package journal 是调度器的追加式事件日志（modernc sqlite），用于事后排查与重放。
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Record 是一条已处理事件。
type Record struct {
	Seq     int64     `json:"seq"`
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Symbol  string    `json:"symbol,omitempty"`
	Payload []byte    `json:"payload"`
	At      time.Time `json:"at"`
}

type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

func Open(path string) (*Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("journal path 不能为空")
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// 单连接保证 :memory: 数据库在连接间共享，写入也天然串行。
	db.SetMaxOpenConns(1)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS event_journal (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			type TEXT NOT NULL,
			symbol TEXT,
			payload TEXT NOT NULL,
			ts INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_event_journal_ts ON event_journal(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_event_journal_type ON event_journal(type);`,
	}
	for _, q := range stmts {
		if _, err := db.Exec(q); err != nil {
			return fmt.Errorf("journal schema: %w", err)
		}
	}
	return nil
}

func (j *Journal) Append(ctx context.Context, rec Record) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return fmt.Errorf("journal closed")
	}
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	payload := rec.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO event_journal (id, type, symbol, payload, ts) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Type, rec.Symbol, string(payload), at.UnixMilli())
	if err != nil {
		return fmt.Errorf("journal append %s: %w", rec.Type, err)
	}
	return nil
}

// Since 按写入顺序返回 seq 之后的记录。
func (j *Journal) Since(ctx context.Context, afterSeq int64, limit int) ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil, fmt.Errorf("journal closed")
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT seq, id, type, COALESCE(symbol, ''), payload, ts FROM event_journal WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
		afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			rec     Record
			payload string
			ts      int64
		)
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.Type, &rec.Symbol, &payload, &ts); err != nil {
			return nil, err
		}
		rec.Payload = []byte(payload)
		rec.At = time.UnixMilli(ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}
