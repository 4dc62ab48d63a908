package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"SwingSentinel/internal/model"
)

// EnsureTimeframe inserts tf if no timeframe with its name exists.
func (s *Store) EnsureTimeframe(ctx context.Context, tf model.Timeframe) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO timeframes (name, interval_ms) VALUES (?, ?)
			ON CONFLICT (name) DO NOTHING`), tf.Name, tf.Interval.Milliseconds())
		return err
	})
}

// Timeframe looks up a timeframe by name.
func (s *Store) Timeframe(ctx context.Context, name string) (model.Timeframe, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT interval_ms FROM timeframes WHERE name = ?`), name).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Timeframe{}, fmt.Errorf("timeframe %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return model.Timeframe{}, err
	}
	return model.Timeframe{Name: name, Interval: time.Duration(ms) * time.Millisecond}, nil
}

// Instruments lists instruments ordered by name, optionally filtered by the
// tracking flag.
func (s *Store) Instruments(ctx context.Context, tracking *bool) ([]model.Instrument, error) {
	query := `SELECT name, tracking, delisted FROM instruments`
	var args []any
	if tracking != nil {
		query += ` WHERE tracking = ?`
		args = append(args, *tracking)
	}
	query += ` ORDER BY name`
	return s.queryInstruments(ctx, s.db, s.q(query), args...)
}

// TrackedInstruments lists instruments that take part in fetch cycles:
// tracked and not delisted, ordered by name.
func (s *Store) TrackedInstruments(ctx context.Context) ([]model.Instrument, error) {
	return s.queryInstruments(ctx, s.db, s.q(`SELECT name, tracking, delisted FROM instruments
		WHERE tracking = ? AND delisted = ? ORDER BY name`), true, false)
}

// Instrument looks up one instrument by name.
func (s *Store) Instrument(ctx context.Context, name string) (model.Instrument, error) {
	list, err := s.queryInstruments(ctx, s.db, s.q(`SELECT name, tracking, delisted FROM instruments WHERE name = ?`), name)
	if err != nil {
		return model.Instrument{}, err
	}
	if len(list) == 0 {
		return model.Instrument{}, fmt.Errorf("instrument %q: %w", name, ErrNotFound)
	}
	return list[0], nil
}

// ReconcileResult describes the changes applied by Reconcile.
type ReconcileResult struct {
	Added    []model.Instrument
	Delisted []model.Instrument
	Relisted []model.Instrument
}

// Reconcile aligns stored instruments with a freshly fetched catalog in a
// single transaction. Unknown symbols are created tracked and listed. Stored
// listed instruments missing from the catalog are marked delisted with their
// tracking flag left as is. Delisted instruments that reappear are listed again.
func (s *Store) Reconcile(ctx context.Context, symbols []string) (ReconcileResult, error) {
	var res ReconcileResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res = ReconcileResult{}
		stored, err := s.queryInstruments(ctx, tx, `SELECT name, tracking, delisted FROM instruments ORDER BY name`)
		if err != nil {
			return err
		}
		byName := make(map[string]model.Instrument, len(stored))
		for _, in := range stored {
			byName[in.Name] = in
		}
		fetched := make(map[string]struct{}, len(symbols))
		for _, sym := range symbols {
			fetched[sym] = struct{}{}
		}

		names := make([]string, 0, len(fetched))
		for sym := range fetched {
			names = append(names, sym)
		}
		sort.Strings(names)

		for _, sym := range names {
			in, ok := byName[sym]
			switch {
			case !ok:
				if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO instruments (name, tracking, delisted) VALUES (?, ?, ?)`),
					sym, true, false); err != nil {
					return fmt.Errorf("insert %s: %w", sym, err)
				}
				res.Added = append(res.Added, model.Instrument{Name: sym, Tracking: true})
			case in.Delisted:
				if _, err := tx.ExecContext(ctx, s.q(`UPDATE instruments SET delisted = ? WHERE name = ?`), false, sym); err != nil {
					return fmt.Errorf("relist %s: %w", sym, err)
				}
				in.Delisted = false
				res.Relisted = append(res.Relisted, in)
			}
		}

		for _, in := range stored {
			if _, ok := fetched[in.Name]; ok || in.Delisted {
				continue
			}
			if _, err := tx.ExecContext(ctx, s.q(`UPDATE instruments SET delisted = ? WHERE name = ?`), true, in.Name); err != nil {
				return fmt.Errorf("delist %s: %w", in.Name, err)
			}
			in.Delisted = true
			res.Delisted = append(res.Delisted, in)
		}
		return nil
	})
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("reconcile: %w", err)
	}
	return res, nil
}

// SetTracking sets the tracking flag on the named instruments and returns
// them as stored afterwards. Unknown names are ignored.
func (s *Store) SetTracking(ctx context.Context, tracking bool, names []string) ([]model.Instrument, error) {
	if len(names) == 0 {
		return nil, nil
	}
	var out []model.Instrument
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		args := make([]any, 0, len(names)+1)
		args = append(args, tracking)
		for _, n := range names {
			args = append(args, n)
		}
		in := placeholders(len(names))
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE instruments SET tracking = ? WHERE name IN (`+in+`)`), args...); err != nil {
			return err
		}
		var err error
		out, err = s.queryInstruments(ctx, tx, s.q(`SELECT name, tracking, delisted FROM instruments
			WHERE name IN (`+in+`) ORDER BY name`), args[1:]...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("set tracking: %w", err)
	}
	return out, nil
}

// DeleteInstrument removes an instrument together with its history: swing
// links, swings and candles go first, in the same transaction.
func (s *Store) DeleteInstrument(ctx context.Context, name string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			`DELETE FROM swing_candles WHERE instrument = ?`,
			`DELETE FROM swings WHERE instrument = ?`,
			`DELETE FROM candles WHERE instrument = ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, s.q(stmt), name); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM instruments WHERE name = ?`), name)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("instrument %q: %w", name, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete instrument: %w", err)
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) queryInstruments(ctx context.Context, db querier, query string, args ...any) ([]model.Instrument, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Instrument
	for rows.Next() {
		var in model.Instrument
		if err := rows.Scan(&in.Name, &in.Tracking, &in.Delisted); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
