package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"hyperisle/internal/island"
	logx "hyperisle/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendSuppressed(ctx context.Context, e SuppressedEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO suppressed(at, app, category, reason) VALUES(?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.App, e.Category, e.Reason,
	)
	return err
}

// SaveCounters replaces the whole counters table in one transaction. The map
// is small (one row per app) so a full rewrite stays cheap and keeps the
// table in lockstep with the in-memory state.
func (s *sqliteStore) SaveCounters(ctx context.Context, counters map[string]island.Counters, lastDecay time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM counters`); err != nil {
		return err
	}
	for key, c := range counters {
		if key == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO counters(key, fast_dismiss, tap_open, mute_block) VALUES(?,?,?,?)`,
			key, c.FastDismiss, c.TapOpen, c.MuteBlock,
		); err != nil {
			return err
		}
	}

	var decayMS int64
	if !lastDecay.IsZero() {
		decayMS = lastDecay.UnixMilli()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta(k, v) VALUES('last_decay', ?)
		 ON CONFLICT(k) DO UPDATE SET v=excluded.v`,
		fmt.Sprintf("%d", decayMS),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) LoadCounters(ctx context.Context) (map[string]island.Counters, time.Time, error) {
	if s == nil || s.db == nil {
		return nil, time.Time{}, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, fast_dismiss, tap_open, mute_block FROM counters`)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer rows.Close()

	out := map[string]island.Counters{}
	for rows.Next() {
		var key string
		var c island.Counters
		if err := rows.Scan(&key, &c.FastDismiss, &c.TapOpen, &c.MuteBlock); err != nil {
			return nil, time.Time{}, err
		}
		out[key] = c
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, err
	}

	var last time.Time
	var v string
	err = s.db.QueryRowContext(ctx, `SELECT v FROM meta WHERE k = 'last_decay'`).Scan(&v)
	if err == nil {
		var ms int64
		if _, perr := fmt.Sscanf(v, "%d", &ms); perr == nil && ms > 0 {
			last = time.UnixMilli(ms)
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, err
	}
	return out, last, nil
}

func (s *sqliteStore) SaveCooldown(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cooldowns(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) LoadCooldowns(ctx context.Context) (map[string]time.Time, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	now := time.Now().UnixMilli()
	rows, err := s.db.QueryContext(ctx, `SELECT key, until FROM cooldowns WHERE until > ?`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]time.Time{}
	for rows.Next() {
		var key string
		var ms int64
		if err := rows.Scan(&key, &ms); err != nil {
			return nil, err
		}
		out[key] = time.UnixMilli(ms)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM cooldowns WHERE until < ?`, now)
	return err
}
