package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/any-hub/offline-hub/internal/config"
)

func init() {
	MustRegisterBackend(config.BackendSQLite, func(opts Options) (Store, error) {
		if opts.SQLitePath == "" {
			return nil, errors.New("sqlite path required")
		}
		if err := os.MkdirAll(filepath.Dir(opts.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		db, err := sql.Open("sqlite", opts.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return NewSQLiteStore(db)
	})
}

// SQLiteStore 将 bucket 保存在 buckets/entries 两张表中，bucket 删除在单个事务内完成。
type SQLiteStore struct {
	db *sql.DB
}

type sqliteBucket struct {
	db   *sql.DB
	name string
}

// NewSQLiteStore 基于已打开的 *sql.DB 构建 Store，并执行建表迁移。
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	// modernc 驱动下多连接并发写会触发 SQLITE_BUSY，串行化即可。
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	queries := []string{`
	CREATE TABLE IF NOT EXISTS buckets (
		name TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL
	);`, `
	CREATE TABLE IF NOT EXISTS entries (
		bucket TEXT NOT NULL,
		method TEXT NOT NULL,
		key TEXT NOT NULL,
		status INTEGER NOT NULL,
		header JSON,
		url TEXT,
		body BLOB,
		stored_at DATETIME NOT NULL,
		PRIMARY KEY (bucket, method, key)
	);`}
	for _, query := range queries {
		if _, err := s.db.ExecContext(context.Background(), query); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Open(ctx context.Context, name string) (Bucket, error) {
	if err := validateBucketName(name); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO buckets (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", name, err)
	}
	return &sqliteBucket{db: s.db, name: name}, nil
}

func (s *SQLiteStore) Has(ctx context.Context, name string) (bool, error) {
	if err := validateBucketName(name); err != nil {
		return false, err
	}
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM buckets WHERE name = ?`, name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	if err := validateBucketName(name); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE bucket = ?`, name); err != nil {
		return fmt.Errorf("delete bucket %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete bucket %s: %w", name, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (b *sqliteBucket) Name() string {
	return b.name
}

func (b *sqliteBucket) Get(ctx context.Context, locator Locator) (*Response, error) {
	var (
		status   int
		rawHdr   sql.NullString
		url      sql.NullString
		body     []byte
		storedAt time.Time
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT status, header, url, body, stored_at FROM entries WHERE bucket = ? AND method = ? AND key = ?`,
		b.name, methodOf(locator), locator.Key,
	).Scan(&status, &rawHdr, &url, &body, &storedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var header http.Header
	if rawHdr.Valid && rawHdr.String != "" {
		if err := json.Unmarshal([]byte(rawHdr.String), &header); err != nil {
			return nil, fmt.Errorf("decode header: %w", err)
		}
	}
	return &Response{
		Status:   status,
		Header:   header,
		Body:     body,
		URL:      url.String,
		StoredAt: storedAt,
	}, nil
}

func (b *sqliteBucket) Put(ctx context.Context, locator Locator, resp *Response) error {
	if resp == nil {
		return errors.New("response required")
	}
	meta := newEntryHeader(locator, resp)
	header, err := json.Marshal(meta.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}
	// 写入条目时同步登记 bucket，保证 Has 与条目存在性一致。
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO buckets (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		b.name, time.Now().UTC()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entries (bucket, method, key, status, header, url, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(bucket, method, key) DO UPDATE SET
			status = excluded.status,
			header = excluded.header,
			url = excluded.url,
			body = excluded.body,
			stored_at = excluded.stored_at`,
		b.name, methodOf(locator), locator.Key, meta.Status, string(header), meta.URL, body, meta.StoredAt,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (b *sqliteBucket) Delete(ctx context.Context, locator Locator) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM entries WHERE bucket = ? AND method = ? AND key = ?`,
		b.name, methodOf(locator), locator.Key)
	return err
}

func (b *sqliteBucket) Keys(ctx context.Context) ([]Locator, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT method, key FROM entries WHERE bucket = ? ORDER BY key`, b.name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []Locator
	for rows.Next() {
		var locator Locator
		if err := rows.Scan(&locator.Method, &locator.Key); err != nil {
			return nil, err
		}
		keys = append(keys, locator)
	}
	return keys, rows.Err()
}

func methodOf(locator Locator) string {
	if locator.Method == "" {
		return http.MethodGet
	}
	return locator.Method
}
