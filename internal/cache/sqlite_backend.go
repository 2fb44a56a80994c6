package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS caches (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	cache     TEXT NOT NULL,
	key       TEXT NOT NULL,
	url       TEXT NOT NULL,
	status    INTEGER NOT NULL,
	header    TEXT NOT NULL,
	body      BLOB,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (cache, key)
);
`

// SQLiteBackend 把所有命名缓存保存在单个 SQLite 文件中（caches + entries 两张表）。
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLiteBackend 打开（必要时创建）path 指向的数据库并初始化表结构。
func OpenSQLiteBackend(path string) (*SQLiteBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path required")
	}

	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单连接串行化写入，避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (s *SQLiteBackend) Create(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("cache name required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO caches (name, created_at) VALUES (?, ?)`,
		name, time.Now().UTC().UnixNano())
	return err
}

func (s *SQLiteBackend) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM caches ORDER BY created_at, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteBackend) Drop(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE cache = ?`, name); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM caches WHERE name = ?`, name)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLiteBackend) Get(ctx context.Context, name, key string) (*Response, error) {
	var (
		resp      Response
		rawHeader string
		storedAt  int64
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT url, status, header, body, stored_at FROM entries WHERE cache = ? AND key = ?`,
		name, key)
	err := row.Scan(&resp.URL, &resp.Status, &rawHeader, &resp.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		exists, existsErr := s.exists(ctx, name)
		if existsErr != nil {
			return nil, existsErr
		}
		if !exists {
			return nil, ErrCacheMissing
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	header, err := decodeHeader(rawHeader)
	if err != nil {
		return nil, err
	}
	resp.Header = header
	resp.StoredAt = time.Unix(0, storedAt).UTC()
	return &resp, nil
}

func (s *SQLiteBackend) Put(ctx context.Context, name, key string, resp *Response) error {
	if resp == nil {
		return errors.New("response required")
	}
	rawHeader, err := encodeHeader(resp.Header)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var found int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM caches WHERE name = ?`, name).Scan(&found); err != nil {
		return err
	}
	if found == 0 {
		return ErrCacheMissing
	}

	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO entries (cache, key, url, status, header, body, stored_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		name, key, resp.URL, resp.Status, rawHeader, body, storedAt.UnixNano()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteBackend) Keys(ctx context.Context, name string) ([]string, error) {
	exists, err := s.exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrCacheMissing
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key FROM entries WHERE cache = ? ORDER BY key`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLiteBackend) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteBackend) exists(ctx context.Context, name string) (bool, error) {
	var found int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM caches WHERE name = ?`, name).Scan(&found); err != nil {
		return false, err
	}
	return found > 0, nil
}

func encodeHeader(header http.Header) (string, error) {
	if len(header) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("marshal header: %w", err)
	}
	return string(encoded), nil
}

func decodeHeader(raw string) (http.Header, error) {
	header := http.Header{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return header, nil
	}
	if err := json.Unmarshal([]byte(raw), &header); err != nil {
		return nil, fmt.Errorf("unmarshal header: %w", err)
	}
	return header, nil
}
