// internal/storage/sqlite_store.go
package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/samber/oops"
	_ "modernc.org/sqlite"

	"github.com/Corphon/SceneIntruderGM/internal/errors"
	"github.com/Corphon/SceneIntruderGM/internal/models"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationTable = "schema_migrations"

// SQLiteStore 基于 SQLite 的会话与事件存储
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite 打开数据库并执行迁移；path 为 ":memory:" 时使用内存库
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, oops.Errorf("storage path is required")
	}

	dsn := ":memory:"
	if path != ":memory:" {
		cleanPath := filepath.Clean(path)
		if err := os.MkdirAll(filepath.Dir(cleanPath), 0755); err != nil {
			return nil, oops.Wrapf(err, "create sqlite dir for %s", cleanPath)
		}
		dsn = "file:" + cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, oops.Wrapf(err, "open sqlite db")
	}
	// 内存库每个连接都是独立的数据库
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, oops.Wrapf(err, "ping sqlite db")
	}

	if err := applyMigrations(db, migrationFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, oops.Wrapf(err, "run migrations")
	}
	return &SQLiteStore{db: db}, nil
}

// Close 关闭连接
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveSession 写入或覆盖会话状态
func (s *SQLiteStore) SaveSession(ctx context.Context, state *models.SessionState) error {
	if state == nil || state.SessionID == "" {
		return errors.NewValidationError("session id is required", nil)
	}
	content, err := json.Marshal(state)
	if err != nil {
		return oops.Wrapf(err, "encode session %s", state.SessionID)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO sessions (session_id, state, updated_at) VALUES (?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
`, state.SessionID, string(content), time.Now().UTC().UnixMilli())
	return oops.Wrapf(err, "save session %s", state.SessionID)
}

// LoadSession 读取会话状态，不存在时返回 not_found
func (s *SQLiteStore) LoadSession(ctx context.Context, sessionID string) (*models.SessionState, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM sessions WHERE session_id = ?`, sessionID).Scan(&content)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError(fmt.Sprintf("session %s not found", sessionID), err)
	}
	if err != nil {
		return nil, oops.Wrapf(err, "load session %s", sessionID)
	}

	state := models.NewSessionState(sessionID)
	if err := json.Unmarshal([]byte(content), state); err != nil {
		return nil, oops.Wrapf(err, "decode session %s", sessionID)
	}
	return state, nil
}

// SaveEvents 在一个事务中归档事件，重复的序号被忽略
func (s *SQLiteStore) SaveEvents(ctx context.Context, sessionID string, events []models.Event) (err error) {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return oops.Wrapf(err, "begin event archive for %s", sessionID)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
INSERT OR IGNORE INTO session_events (session_id, seq, event_id, event_type, correlation_id, payload, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`)
	if err != nil {
		return oops.Wrapf(err, "prepare event insert")
	}
	defer stmt.Close()

	for _, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return oops.Wrapf(err, "encode event %d", ev.Seq)
		}
		if _, err := stmt.ExecContext(ctx, sessionID, ev.Seq, ev.ID, string(ev.Type), ev.CorrelationID,
			string(payload), ev.Timestamp.UTC().UnixNano()); err != nil {
			return oops.Wrapf(err, "archive event %d for %s", ev.Seq, sessionID)
		}
	}
	return oops.Wrapf(tx.Commit(), "commit event archive for %s", sessionID)
}

// LoadEvents 按序号读取 afterSeq 之后的事件，limit<=0 表示不限
func (s *SQLiteStore) LoadEvents(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]models.Event, error) {
	query := `
SELECT seq, event_id, event_type, correlation_id, payload, created_at
FROM session_events
WHERE session_id = ? AND seq > ?
ORDER BY seq ASC`
	args := []interface{}{sessionID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, oops.Wrapf(err, "list events for %s", sessionID)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var (
			ev        models.Event
			eventType string
			payload   string
			created   int64
		)
		if err := rows.Scan(&ev.Seq, &ev.ID, &eventType, &ev.CorrelationID, &payload, &created); err != nil {
			return nil, oops.Wrapf(err, "scan event for %s", sessionID)
		}
		ev.Type = models.EventType(eventType)
		ev.Timestamp = time.Unix(0, created).UTC()
		if payload != "" && payload != "null" {
			if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
				return nil, oops.Wrapf(err, "decode event %d payload", ev.Seq)
			}
		}
		out = append(out, ev)
	}
	return out, oops.Wrapf(rows.Err(), "iterate events for %s", sessionID)
}

// ListSessions 列出已保存的会话ID
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM sessions ORDER BY session_id`)
	if err != nil {
		return nil, oops.Wrapf(err, "list sessions")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, oops.Wrapf(err, "scan session id")
		}
		ids = append(ids, id)
	}
	return ids, oops.Wrapf(rows.Err(), "iterate sessions")
}

// applyMigrations 每个迁移文件只执行一次
func applyMigrations(db *sql.DB, migrations fs.FS, root string) error {
	entries, err := fs.ReadDir(migrations, root)
	if err != nil {
		return oops.Wrapf(err, "read migrations dir")
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if _, err := db.Exec(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
);`, migrationTable)); err != nil {
		return oops.Wrapf(err, "ensure migration table")
	}

	for _, file := range files {
		var applied int
		if err := db.QueryRow(fmt.Sprintf(`SELECT COUNT(1) FROM %s WHERE name = ?`, migrationTable), file).Scan(&applied); err != nil {
			return oops.Wrapf(err, "check migration %s", file)
		}
		if applied > 0 {
			continue
		}

		content, err := fs.ReadFile(migrations, root+"/"+file)
		if err != nil {
			return oops.Wrapf(err, "read migration %s", file)
		}
		upSQL := extractUpMigration(string(content))
		if strings.TrimSpace(upSQL) == "" {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return oops.Wrapf(err, "begin migration %s", file)
		}
		if _, err := tx.Exec(upSQL); err != nil {
			_ = tx.Rollback()
			return oops.Wrapf(err, "exec migration %s", file)
		}
		if _, err := tx.Exec(fmt.Sprintf(`INSERT INTO %s (name, applied_at) VALUES (?, ?)`, migrationTable),
			file, time.Now().UTC().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return oops.Wrapf(err, "record migration %s", file)
		}
		if err := tx.Commit(); err != nil {
			return oops.Wrapf(err, "commit migration %s", file)
		}
	}
	return nil
}

// extractUpMigration 返回 "-- +migrate Up" 段落的 SQL
func extractUpMigration(content string) string {
	upIdx := strings.Index(content, "-- +migrate Up")
	if upIdx == -1 {
		return content
	}
	downIdx := strings.Index(content, "-- +migrate Down")
	if downIdx == -1 {
		return content[upIdx+len("-- +migrate Up"):]
	}
	return content[upIdx+len("-- +migrate Up") : downIdx]
}
