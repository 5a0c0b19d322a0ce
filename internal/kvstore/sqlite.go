package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "modernc.org/sqlite"
)

// pragmaOptions lists the subset of Config.Options honored as SQLite
// PRAGMAs. Unknown options are ignored.
var pragmaOptions = map[string]string{
	"journal_mode": "journal_mode",
	"synchronous":  "synchronous",
	"cache_size":   "cache_size",
	"busy_timeout": "busy_timeout",
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLite is the reference Store backend: one SQLite file with one table per
// namespace, created lazily on first use.
type SQLite struct {
	db   *sql.DB
	goqu *goqu.Database

	ttl  time.Duration
	done chan struct{}

	mu         sync.Mutex
	namespaces map[string]bool // namespaces whose table already exists
}

// OpenSQLite opens (creating if absent) a SQLite-backed Store at cfg.ConnStr.
// Failing to open the backend is fatal at flow init.
func OpenSQLite(ctx context.Context, cfg Config) (*SQLite, error) {
	if cfg.ConnStr == "" {
		return nil, errors.New("kvstore: sqlite conn_str is required")
	}

	db, err := sql.Open("sqlite", cfg.ConnStr)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open sqlite %q: %w", cfg.ConnStr, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: ping sqlite: %w", err)
	}

	for optKey, pragma := range pragmaOptions {
		v, ok := cfg.Options[optKey]
		if !ok {
			continue
		}
		stmt := fmt.Sprintf("PRAGMA %s=%v", pragma, v)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("kvstore: set pragma %s: %w", pragma, err)
		}
	}

	// SQLite is single-writer; serialize access through one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	slog.Info("kvstore: opened sqlite backend", "conn_str", cfg.ConnStr)

	s := &SQLite{
		db:         db,
		goqu:       goqu.New("sqlite3", db),
		ttl:        time.Duration(cfg.TTLSeconds) * time.Second,
		done:       make(chan struct{}),
		namespaces: make(map[string]bool),
	}

	for _, ns := range cfg.Namespaces {
		if err := s.ensureTable(ctx, ns.Name); err != nil {
			db.Close()
			return nil, err
		}
	}

	if s.ttl > 0 {
		go s.sweepExpired()
	}

	return s, nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	close(s.done)
	return s.db.Close()
}

// sweepExpired periodically deletes expired rows from every known
// namespace, so expiry does not depend on the key being read again.
func (s *SQLite) sweepExpired() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		names := make([]string, 0, len(s.namespaces))
		for ns := range s.namespaces {
			names = append(names, ns)
		}
		s.mu.Unlock()

		now := time.Now().Unix()
		for _, ns := range names {
			query, _, err := s.goqu.Delete(s.table(ns)).
				Where(goqu.I("expires_at").IsNotNull(), goqu.I("expires_at").Lte(now)).
				ToSQL()
			if err != nil {
				continue
			}
			if _, err := s.db.Exec(query); err != nil {
				slog.Warn("kvstore: ttl sweep failed", "namespace", ns, "error", err)
			}
		}
	}
}

func (s *SQLite) table(ns string) string { return "kv_" + ns }

func (s *SQLite) ensureTable(ctx context.Context, ns string) error {
	if !identPattern.MatchString(ns) {
		return fmt.Errorf("kvstore: invalid namespace %q", ns)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.namespaces[ns] {
		return nil
	}

	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value TEXT NOT NULL, expires_at INTEGER)`,
		s.table(ns),
	)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("kvstore: create table for namespace %q: %w", ns, err)
	}
	s.namespaces[ns] = true
	return nil
}

func (s *SQLite) ListNamespaces(ctx context.Context) ([]string, error) {
	query, _, err := s.goqu.From("sqlite_master").
		Select("name").
		Where(goqu.I("type").Eq("table"), goqu.I("name").Like("kv_%")).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("kvstore: build list namespaces query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("kvstore: list namespaces: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var table string
		if err := rows.Scan(&table); err != nil {
			return nil, fmt.Errorf("kvstore: scan namespace row: %w", err)
		}
		names = append(names, table[len("kv_"):])
	}
	return names, rows.Err()
}

func (s *SQLite) Set(ctx context.Context, ns, key, value string) error {
	if err := s.ensureTable(ctx, ns); err != nil {
		return err
	}

	var expiresAt any
	if s.ttl > 0 {
		expiresAt = time.Now().Add(s.ttl).Unix()
	}

	query, _, err := s.goqu.Insert(s.table(ns)).Rows(
		goqu.Record{"key": key, "value": value, "expires_at": expiresAt},
	).OnConflict(goqu.DoUpdate("key", goqu.Record{"value": value, "expires_at": expiresAt})).ToSQL()
	if err != nil {
		return fmt.Errorf("kvstore: build set query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("kvstore: set %s/%s: %w", ns, key, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, ns, key string) (string, bool, error) {
	if err := s.ensureTable(ctx, ns); err != nil {
		return "", false, err
	}

	query, _, err := s.goqu.From(s.table(ns)).
		Select("value", "expires_at").
		Where(goqu.I("key").Eq(key)).
		ToSQL()
	if err != nil {
		return "", false, fmt.Errorf("kvstore: build get query: %w", err)
	}

	var value string
	var expiresAt sql.NullInt64
	err = s.db.QueryRowContext(ctx, query).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kvstore: get %s/%s: %w", ns, key, err)
	}

	if expiresAt.Valid && expiresAt.Int64 <= time.Now().Unix() {
		// Best-effort purge on read; the sweep goroutine catches the rest.
		_ = s.Delete(ctx, ns, key)
		return "", false, nil
	}

	return value, true, nil
}

func (s *SQLite) Delete(ctx context.Context, ns, key string) error {
	if err := s.ensureTable(ctx, ns); err != nil {
		return err
	}

	query, _, err := s.goqu.Delete(s.table(ns)).
		Where(goqu.I("key").Eq(key)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("kvstore: build delete query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("kvstore: delete %s/%s: %w", ns, key, err)
	}
	return nil
}
