package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"SwingSentinel/internal/model"
)

// AddSwingIfNew persists a swing over the given five candles unless a swing
// of the same orientation with exactly the same members already exists, in
// which case it returns nil. Every member must be a stored candle of the
// series, otherwise a *ReferenceError is returned.
func (s *Store) AddSwingIfNew(ctx context.Context, instrument, timeframe string, members [model.SwingWindow]model.Candle, o model.Orientation) (*model.Swing, error) {
	if !o.Valid() {
		return nil, &model.ValidationError{Field: "orientation", Reason: fmt.Sprintf("unknown orientation %q", o)}
	}
	times := make([]int64, 0, model.SwingWindow)
	seen := make(map[int64]struct{}, model.SwingWindow)
	for _, m := range members {
		if m.Instrument != instrument || m.Timeframe != timeframe {
			return nil, &model.ValidationError{Field: "members", Reason: fmt.Sprintf("candle %s is outside series %s/%s", m.Key(), instrument, timeframe)}
		}
		ms := m.OpenTime.UnixMilli()
		if _, dup := seen[ms]; dup {
			return nil, &model.ValidationError{Field: "members", Reason: fmt.Sprintf("duplicate candle %s", m.Key())}
		}
		seen[ms] = struct{}{}
		times = append(times, ms)
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	var created *model.Swing
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		created = nil
		stored, err := s.loadMembers(ctx, tx, instrument, timeframe, times)
		if err != nil {
			return err
		}

		var existing int64
		args := []any{instrument, timeframe, string(o)}
		for _, t := range times {
			args = append(args, t)
		}
		args = append(args, model.SwingWindow)
		err = tx.QueryRowContext(ctx, s.q(`SELECT s.id FROM swings s
			JOIN swing_candles sc ON sc.swing_id = s.id
			WHERE s.instrument = ? AND s.timeframe = ? AND s.orientation = ?
			  AND sc.open_time IN (`+placeholders(len(times))+`)
			GROUP BY s.id
			HAVING COUNT(*) = ?
			LIMIT 1`), args...).Scan(&existing)
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("check existing: %w", err)
		}

		now := s.now().UTC()
		var id int64
		// The unique member key stops a concurrent writer that passed the
		// check above; RETURNING yields no row in that case.
		err = tx.QueryRowContext(ctx, s.q(`INSERT INTO swings (instrument, timeframe, orientation, member_key, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (instrument, timeframe, orientation, member_key) DO NOTHING
			RETURNING id`), instrument, timeframe, string(o), memberKey(times), now.UnixMilli()).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert swing: %w", err)
		}

		for _, t := range times {
			if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO swing_candles (swing_id, instrument, timeframe, open_time)
				VALUES (?, ?, ?, ?)`), id, instrument, timeframe, t); err != nil {
				return fmt.Errorf("link swing %d: %w", id, err)
			}
		}

		sw := &model.Swing{
			ID:          id,
			Instrument:  instrument,
			Timeframe:   timeframe,
			Orientation: o,
			CreatedAt:   fromMillis(now.UnixMilli()),
		}
		copy(sw.Members[:], stored)
		created = sw
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("add swing: %w", err)
	}
	return created, nil
}

// Swings returns the most recent swings of a series, newest first, with
// their member candles.
func (s *Store) Swings(ctx context.Context, instrument, timeframe string, limit int) ([]model.Swing, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, orientation, created_at FROM swings
		WHERE instrument = ? AND timeframe = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`), instrument, timeframe, limit)
	if err != nil {
		return nil, fmt.Errorf("select swings: %w", err)
	}
	var out []model.Swing
	for rows.Next() {
		sw := model.Swing{Instrument: instrument, Timeframe: timeframe}
		var o string
		var created int64
		if err := rows.Scan(&sw.ID, &o, &created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan swing: %w", err)
		}
		sw.Orientation = model.Orientation(o)
		sw.CreatedAt = fromMillis(created)
		out = append(out, sw)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Rows are drained before the member queries: sqlite runs on one connection.
	for i := range out {
		members, err := s.swingMembers(ctx, out[i].ID, instrument, timeframe)
		if err != nil {
			return nil, err
		}
		copy(out[i].Members[:], members)
	}
	return out, nil
}

func (s *Store) swingMembers(ctx context.Context, id int64, instrument, timeframe string) ([]model.Candle, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT c.open_time, c.close_time, c.open, c.high, c.low, c.close
		FROM swing_candles sc
		JOIN candles c ON c.instrument = sc.instrument AND c.timeframe = sc.timeframe AND c.open_time = sc.open_time
		WHERE sc.swing_id = ?
		ORDER BY c.open_time ASC`), id)
	if err != nil {
		return nil, fmt.Errorf("select swing members: %w", err)
	}
	defer rows.Close()
	return scanCandles(rows, instrument, timeframe)
}

func (s *Store) loadMembers(ctx context.Context, tx *sql.Tx, instrument, timeframe string, times []int64) ([]model.Candle, error) {
	args := []any{instrument, timeframe}
	for _, t := range times {
		args = append(args, t)
	}
	rows, err := tx.QueryContext(ctx, s.q(`SELECT open_time, close_time, open, high, low, close FROM candles
		WHERE instrument = ? AND timeframe = ? AND open_time IN (`+placeholders(len(times))+`)
		ORDER BY open_time ASC`), args...)
	if err != nil {
		return nil, fmt.Errorf("resolve members: %w", err)
	}
	defer rows.Close()
	found, err := scanCandles(rows, instrument, timeframe)
	if err != nil {
		return nil, err
	}
	if len(found) == len(times) {
		return found, nil
	}

	have := make(map[int64]struct{}, len(found))
	for _, c := range found {
		have[c.OpenTime.UnixMilli()] = struct{}{}
	}
	refErr := &ReferenceError{Instrument: instrument, Timeframe: timeframe}
	for _, t := range times {
		if _, ok := have[t]; !ok {
			refErr.Missing = append(refErr.Missing, t)
		}
	}
	return nil, refErr
}

func scanCandles(rows *sql.Rows, instrument, timeframe string) ([]model.Candle, error) {
	var out []model.Candle
	for rows.Next() {
		c := model.Candle{Instrument: instrument, Timeframe: timeframe}
		var openMs, closeMs int64
		if err := rows.Scan(&openMs, &closeMs, &c.Open, &c.High, &c.Low, &c.Close); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		c.OpenTime = fromMillis(openMs)
		c.CloseTime = fromMillis(closeMs)
		out = append(out, c)
	}
	return out, rows.Err()
}

func memberKey(times []int64) string {
	parts := make([]string, len(times))
	for i, t := range times {
		parts[i] = strconv.FormatInt(t, 10)
	}
	return strings.Join(parts, ",")
}
