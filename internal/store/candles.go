package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"SwingSentinel/internal/model"
)

// UpsertCandles inserts candles whose (instrument, timeframe, open time) is
// not yet stored and returns the inserted ones in input order. Known candles
// are skipped silently. A malformed candle or one referencing an unknown
// instrument or timeframe is rejected and logged without aborting the rest.
// All inserts share one transaction.
func (s *Store) UpsertCandles(ctx context.Context, candles []model.Candle) ([]model.Candle, error) {
	if len(candles) == 0 {
		return nil, nil
	}
	var inserted []model.Candle
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		inserted = inserted[:0]
		known := newRefCache(s, tx)
		insert, err := tx.PrepareContext(ctx, s.q(`INSERT INTO candles
			(instrument, timeframe, open_time, close_time, open, high, low, close)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (instrument, timeframe, open_time) DO NOTHING`))
		if err != nil {
			return err
		}
		defer insert.Close()

		for _, c := range candles {
			if err := c.Validate(); err != nil {
				s.log.Warn().Err(err).Str("candle", c.Key().String()).Msg("rejected candle")
				continue
			}
			if err := known.check(ctx, c.Instrument, c.Timeframe); err != nil {
				var ve *model.ValidationError
				if !errors.As(err, &ve) {
					return err
				}
				s.log.Warn().Err(err).Str("candle", c.Key().String()).Msg("rejected candle")
				continue
			}
			res, err := insert.ExecContext(ctx, c.Instrument, c.Timeframe,
				c.OpenTime.UnixMilli(), c.CloseTime.UnixMilli(), c.Open, c.High, c.Low, c.Close)
			if err != nil {
				return fmt.Errorf("insert %s: %w", c.Key(), err)
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				inserted = append(inserted, c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("upsert candles: %w", err)
	}
	return inserted, nil
}

// SelectOrdered returns the full candle history of a series, oldest first.
func (s *Store) SelectOrdered(ctx context.Context, instrument, timeframe string) ([]model.Candle, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT open_time, close_time, open, high, low, close
		FROM candles WHERE instrument = ? AND timeframe = ? ORDER BY open_time ASC`), instrument, timeframe)
	if err != nil {
		return nil, fmt.Errorf("select candles: %w", err)
	}
	defer rows.Close()

	return scanCandles(rows, instrument, timeframe)
}

// refCache memoises instrument and timeframe existence within a transaction.
type refCache struct {
	s           *Store
	tx          *sql.Tx
	instruments map[string]bool
	timeframes  map[string]bool
}

func newRefCache(s *Store, tx *sql.Tx) *refCache {
	return &refCache{s: s, tx: tx, instruments: map[string]bool{}, timeframes: map[string]bool{}}
}

func (r *refCache) check(ctx context.Context, instrument, timeframe string) error {
	ok, err := r.exists(ctx, r.instruments, `SELECT 1 FROM instruments WHERE name = ?`, instrument)
	if err != nil {
		return err
	}
	if !ok {
		return &model.ValidationError{Field: "instrument", Reason: fmt.Sprintf("unknown instrument %q", instrument)}
	}
	ok, err = r.exists(ctx, r.timeframes, `SELECT 1 FROM timeframes WHERE name = ?`, timeframe)
	if err != nil {
		return err
	}
	if !ok {
		return &model.ValidationError{Field: "timeframe", Reason: fmt.Sprintf("unknown timeframe %q", timeframe)}
	}
	return nil
}

func (r *refCache) exists(ctx context.Context, memo map[string]bool, query, key string) (bool, error) {
	if ok, seen := memo[key]; seen {
		return ok, nil
	}
	var one int
	err := r.tx.QueryRowContext(ctx, r.s.q(query), key).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		memo[key] = false
	case err != nil:
		return false, err
	default:
		memo[key] = true
	}
	return memo[key], nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
