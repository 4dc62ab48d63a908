package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Config selects the database backend.
type Config struct {
	Driver         string // sqlite or postgres
	DSN            string
	ConnectTimeout time.Duration
}

// Store persists instruments, candles and swings. Every mutating method runs
// in its own transaction.
type Store struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
	log     zerolog.Logger
}

// Open connects to the configured database, waits for it to become
// reachable and runs migrations.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*Store, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if err := d.prepare(cfg.DSN); err != nil {
		return nil, err
	}
	db, err := sql.Open(d.driver, d.dsn(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if d.singleConn {
		// One writer at a time; a second connection would see SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	s := &Store{
		db:      db,
		dialect: d,
		now:     time.Now,
		log:     logger.With().Str("component", "store").Str("driver", cfg.Driver).Logger(),
	}

	if err := s.waitReady(ctx, cfg.ConnectTimeout); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s.log.Info().Msg("store opened")
	return s, nil
}

func (s *Store) waitReady(ctx context.Context, timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = timeout
	if timeout <= 0 {
		b.MaxElapsedTime = 30 * time.Second
	}
	notify := func(err error, next time.Duration) {
		s.log.Warn().Err(err).Dur("next", next).Msg("database not reachable, retrying")
	}
	if err := backoff.RetryNotify(func() error { return s.db.PingContext(ctx) }, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction. The transaction commits when fn returns
// nil and rolls back on error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.log.Error().Err(rbErr).Msg("rollback failed")
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// q rewrites ? placeholders for the active dialect.
func (s *Store) q(query string) string {
	return s.dialect.rebind(query)
}

type dialect struct {
	driver     string
	singleConn bool
	numbered   bool
	types      *strings.Replacer
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "sqlite", "":
		return dialect{
			driver:     "sqlite",
			singleConn: true,
			types: strings.NewReplacer(
				"$SERIAL", "INTEGER PRIMARY KEY AUTOINCREMENT",
				"$BIGINT", "INTEGER",
				"$FLOAT", "REAL",
			),
		}, nil
	case "postgres":
		return dialect{
			driver:   "postgres",
			numbered: true,
			types: strings.NewReplacer(
				"$SERIAL", "BIGSERIAL PRIMARY KEY",
				"$BIGINT", "BIGINT",
				"$FLOAT", "DOUBLE PRECISION",
			),
		}, nil
	default:
		return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// prepare creates the parent directory of a file-backed sqlite database.
func (d dialect) prepare(dsn string) error {
	if d.driver != "sqlite" || strings.HasPrefix(dsn, "file:") || strings.HasPrefix(dsn, ":memory:") {
		return nil
	}
	path, _, _ := strings.Cut(dsn, "?")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}
	return nil
}

func (d dialect) dsn(dsn string) string {
	if d.driver != "sqlite" || strings.Contains(dsn, "_pragma") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	// WAL lets readers (admin API) proceed while the pipeline writes.
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) schema() []string {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS timeframes (
			name        TEXT PRIMARY KEY,
			interval_ms $BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS instruments (
			name     TEXT PRIMARY KEY,
			tracking BOOLEAN NOT NULL DEFAULT TRUE,
			delisted BOOLEAN NOT NULL DEFAULT FALSE
		)`,

		`CREATE TABLE IF NOT EXISTS candles (
			instrument TEXT NOT NULL REFERENCES instruments(name) ON DELETE CASCADE,
			timeframe  TEXT NOT NULL REFERENCES timeframes(name),
			open_time  $BIGINT NOT NULL,
			close_time $BIGINT NOT NULL,
			open       $FLOAT NOT NULL,
			high       $FLOAT NOT NULL,
			low        $FLOAT NOT NULL,
			close      $FLOAT NOT NULL,
			PRIMARY KEY (instrument, timeframe, open_time)
		)`,

		`CREATE TABLE IF NOT EXISTS swings (
			id          $SERIAL,
			instrument  TEXT NOT NULL REFERENCES instruments(name) ON DELETE CASCADE,
			timeframe   TEXT NOT NULL REFERENCES timeframes(name),
			orientation TEXT NOT NULL CHECK (orientation IN ('high', 'low')),
			member_key  TEXT NOT NULL,
			created_at  $BIGINT NOT NULL,
			UNIQUE (instrument, timeframe, orientation, member_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_swings_series ON swings(instrument, timeframe, created_at)`,

		`CREATE TABLE IF NOT EXISTS swing_candles (
			swing_id   $BIGINT NOT NULL REFERENCES swings(id) ON DELETE CASCADE,
			instrument TEXT NOT NULL,
			timeframe  TEXT NOT NULL,
			open_time  $BIGINT NOT NULL,
			PRIMARY KEY (swing_id, open_time),
			FOREIGN KEY (instrument, timeframe, open_time)
				REFERENCES candles(instrument, timeframe, open_time) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_swing_candles_candle ON swing_candles(instrument, timeframe, open_time)`,
	}
	for i, s := range stmts {
		stmts[i] = d.types.Replace(s)
	}
	return stmts
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
