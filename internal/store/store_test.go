package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"SwingSentinel/internal/model"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "swings.db"),
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureTimeframe(context.Background(), model.Weekly))
	return s
}

func seedInstruments(t *testing.T, s *Store, names ...string) {
	t.Helper()
	_, err := s.Reconcile(context.Background(), names)
	require.NoError(t, err)
}

func weekly(instrument string, week int, high, low float64) model.Candle {
	open := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(week) * model.Weekly.Interval)
	mid := (high + low) / 2
	return model.Candle{
		Instrument: instrument,
		Timeframe:  model.Weekly.Name,
		OpenTime:   open,
		CloseTime:  open.Add(model.Weekly.Interval - time.Millisecond),
		Open:       mid,
		High:       high,
		Low:        low,
		Close:      mid,
	}
}

func series(instrument string, n int) []model.Candle {
	out := make([]model.Candle, n)
	for i := range out {
		out[i] = weekly(instrument, i, float64(20+i), float64(10+i))
	}
	return out
}

func members(c []model.Candle) [model.SwingWindow]model.Candle {
	var m [model.SwingWindow]model.Candle
	copy(m[:], c)
	return m
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.EnsureTimeframe(context.Background(), model.Weekly))

	tf, err := s.Timeframe(context.Background(), "1w")
	require.NoError(t, err)
	assert.Equal(t, model.Weekly, tf)

	_, err = s.Timeframe(context.Background(), "1d")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpsertCandlesIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstruments(t, s, "BTCUSDT")
	candles := series("BTCUSDT", 4)

	inserted, err := s.UpsertCandles(ctx, candles)
	require.NoError(t, err)
	assert.Len(t, inserted, 4)
	first, err := s.SelectOrdered(ctx, "BTCUSDT", "1w")
	require.NoError(t, err)

	// Same open times with different prices must not overwrite.
	changed := series("BTCUSDT", 4)
	for i := range changed {
		changed[i].High += 100
	}
	inserted, err = s.UpsertCandles(ctx, append(candles, changed...))
	require.NoError(t, err)
	assert.Empty(t, inserted)

	second, err := s.SelectOrdered(ctx, "BTCUSDT", "1w")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, candles, second)
}

func TestUpsertCandlesRejectsIndividually(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstruments(t, s, "BTCUSDT")

	bad := weekly("BTCUSDT", 1, 20, 10)
	bad.High = 1
	unknownInstrument := weekly("NOPEUSDT", 2, 20, 10)
	unknownTimeframe := weekly("BTCUSDT", 3, 20, 10)
	unknownTimeframe.Timeframe = "1d"

	inserted, err := s.UpsertCandles(ctx, []model.Candle{
		weekly("BTCUSDT", 0, 20, 10),
		bad,
		unknownInstrument,
		unknownTimeframe,
		weekly("BTCUSDT", 4, 20, 10),
	})
	require.NoError(t, err)
	require.Len(t, inserted, 2)
	assert.Equal(t, weekly("BTCUSDT", 0, 20, 10), inserted[0])
	assert.Equal(t, weekly("BTCUSDT", 4, 20, 10), inserted[1])
}

func TestSelectOrderedAscending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstruments(t, s, "BTCUSDT")
	c := series("BTCUSDT", 6)
	_, err := s.UpsertCandles(ctx, []model.Candle{c[5], c[2], c[0], c[4], c[1], c[3]})
	require.NoError(t, err)

	got, err := s.SelectOrdered(ctx, "BTCUSDT", "1w")
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestReconcileDelisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.Reconcile(ctx, []string{"C", "A", "B", "A"})
	require.NoError(t, err)
	assert.Equal(t, []model.Instrument{
		{Name: "A", Tracking: true},
		{Name: "B", Tracking: true},
		{Name: "C", Tracking: true},
	}, res.Added)

	_, err = s.SetTracking(ctx, false, []string{"C"})
	require.NoError(t, err)

	res, err = s.Reconcile(ctx, []string{"A", "C"})
	require.NoError(t, err)
	assert.Empty(t, res.Added)
	assert.Equal(t, []model.Instrument{{Name: "B", Tracking: true, Delisted: true}}, res.Delisted)

	all, err := s.Instruments(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []model.Instrument{
		{Name: "A", Tracking: true},
		{Name: "B", Tracking: true, Delisted: true},
		{Name: "C", Tracking: false},
	}, all)

	tracked, err := s.TrackedInstruments(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.Instrument{{Name: "A", Tracking: true}}, tracked)

	// Already delisted instruments are not reported again.
	res, err = s.Reconcile(ctx, []string{"A", "C"})
	require.NoError(t, err)
	assert.Empty(t, res.Delisted)

	// A reappearing instrument is listed again.
	res, err = s.Reconcile(ctx, []string{"A", "B", "C"})
	require.NoError(t, err)
	assert.Equal(t, []model.Instrument{{Name: "B", Tracking: true}}, res.Relisted)
}

func TestSetTracking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstruments(t, s, "A", "B", "C")

	got, err := s.SetTracking(ctx, false, []string{"C", "A", "ZZZ"})
	require.NoError(t, err)
	assert.Equal(t, []model.Instrument{{Name: "A"}, {Name: "C"}}, got)

	f := false
	untracked, err := s.Instruments(ctx, &f)
	require.NoError(t, err)
	assert.Equal(t, got, untracked)
}

func TestAddSwingIfNew(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstruments(t, s, "BTCUSDT")
	c := series("BTCUSDT", 5)
	_, err := s.UpsertCandles(ctx, c)
	require.NoError(t, err)

	sw, err := s.AddSwingIfNew(ctx, "BTCUSDT", "1w", members(c), model.High)
	require.NoError(t, err)
	require.NotNil(t, sw)
	assert.Equal(t, model.High, sw.Orientation)
	assert.Equal(t, c[2], sw.Center())

	again, err := s.AddSwingIfNew(ctx, "BTCUSDT", "1w", members(c), model.High)
	require.NoError(t, err)
	assert.Nil(t, again)

	// The same members with the other orientation are a different swing.
	low, err := s.AddSwingIfNew(ctx, "BTCUSDT", "1w", members(c), model.Low)
	require.NoError(t, err)
	require.NotNil(t, low)

	swings, err := s.Swings(ctx, "BTCUSDT", "1w", 10)
	require.NoError(t, err)
	require.Len(t, swings, 2)
	assert.Equal(t, low.ID, swings[0].ID)
	assert.Equal(t, sw.ID, swings[1].ID)
	assert.Equal(t, members(c), swings[1].Members)
}

func TestAddSwingIfNewMissingCandles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstruments(t, s, "BTCUSDT")
	c := series("BTCUSDT", 5)
	_, err := s.UpsertCandles(ctx, c[:3])
	require.NoError(t, err)

	sw, err := s.AddSwingIfNew(ctx, "BTCUSDT", "1w", members(c), model.Low)
	assert.Nil(t, sw)
	var refErr *ReferenceError
	require.True(t, errors.As(err, &refErr), "expected ReferenceError, got %v", err)
	assert.Equal(t, []int64{c[3].OpenTime.UnixMilli(), c[4].OpenTime.UnixMilli()}, refErr.Missing)

	swings, err := s.Swings(ctx, "BTCUSDT", "1w", 10)
	require.NoError(t, err)
	assert.Empty(t, swings)
}

func TestAddSwingIfNewConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstruments(t, s, "BTCUSDT")
	c := series("BTCUSDT", 5)
	_, err := s.UpsertCandles(ctx, c)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sw, err := s.AddSwingIfNew(ctx, "BTCUSDT", "1w", members(c), model.High)
			assert.NoError(t, err)
			if sw != nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
}

func TestSwingsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstruments(t, s, "BTCUSDT")
	c := series("BTCUSDT", 12)
	_, err := s.UpsertCandles(ctx, c)
	require.NoError(t, err)
	for i := 0; i+5 <= len(c); i++ {
		_, err := s.AddSwingIfNew(ctx, "BTCUSDT", "1w", members(c[i:]), model.High)
		require.NoError(t, err)
	}

	swings, err := s.Swings(ctx, "BTCUSDT", "1w", 0)
	require.NoError(t, err)
	assert.Len(t, swings, 5)
	assert.Equal(t, c[len(c)-3], swings[0].Center(), "newest first")
}

func TestDeleteInstrumentCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstruments(t, s, "BTCUSDT", "ETHUSDT")
	btc := series("BTCUSDT", 5)
	eth := series("ETHUSDT", 5)
	_, err := s.UpsertCandles(ctx, append(btc, eth...))
	require.NoError(t, err)
	_, err = s.AddSwingIfNew(ctx, "BTCUSDT", "1w", members(btc), model.High)
	require.NoError(t, err)
	_, err = s.AddSwingIfNew(ctx, "ETHUSDT", "1w", members(eth), model.High)
	require.NoError(t, err)

	require.NoError(t, s.DeleteInstrument(ctx, "BTCUSDT"))

	_, err = s.Instrument(ctx, "BTCUSDT")
	assert.True(t, errors.Is(err, ErrNotFound))
	left, err := s.SelectOrdered(ctx, "BTCUSDT", "1w")
	require.NoError(t, err)
	assert.Empty(t, left)
	swings, err := s.Swings(ctx, "BTCUSDT", "1w", 10)
	require.NoError(t, err)
	assert.Empty(t, swings)

	swings, err = s.Swings(ctx, "ETHUSDT", "1w", 10)
	require.NoError(t, err)
	assert.Len(t, swings, 1)

	err = s.DeleteInstrument(ctx, "BTCUSDT")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.Panics(t, func() {
		s.withTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO instruments (name, tracking, delisted) VALUES ('X', 1, 0)`)
			require.NoError(t, err)
			panic("boom")
		})
	})
	all, err := s.Instruments(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRebind(t *testing.T) {
	d, err := dialectFor("postgres")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b IN ($2, $3)", d.rebind("SELECT 1 WHERE a = ? AND b IN (?, ?)"))

	d, err = dialectFor("sqlite")
	require.NoError(t, err)
	assert.Equal(t, "a = ?", d.rebind("a = ?"))

	_, err = dialectFor("mysql")
	assert.Error(t, err)
}

func TestOpenCreatesDatabaseDir(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "nested", "dir", "swings.db")
	s, err := Open(context.Background(), Config{Driver: "sqlite", DSN: dsn}, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	assert.FileExists(t, dsn)
}

func TestReconcileRollsBackOnFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstruments(t, s, "AUSDT", "BUSDT")
	_, err := s.db.ExecContext(ctx, `CREATE TRIGGER fail_update BEFORE UPDATE ON instruments
		BEGIN SELECT RAISE(ABORT, 'boom'); END`)
	require.NoError(t, err)

	// CUSDT is inserted before BUSDT's delist fails.
	_, err = s.Reconcile(ctx, []string{"AUSDT", "CUSDT"})
	require.Error(t, err)

	all, err := s.Instruments(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []model.Instrument{
		{Name: "AUSDT", Tracking: true},
		{Name: "BUSDT", Tracking: true},
	}, all)
}

func TestUpsertCandlesRollsBackOnFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstruments(t, s, "BTCUSDT")
	candles := series("BTCUSDT", 5)
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE TRIGGER fail_insert BEFORE INSERT ON candles
		WHEN NEW.open_time = %d
		BEGIN SELECT RAISE(ABORT, 'boom'); END`, candles[2].OpenTime.UnixMilli()))
	require.NoError(t, err)

	inserted, err := s.UpsertCandles(ctx, candles)
	require.Error(t, err)
	assert.Empty(t, inserted)

	stored, err := s.SelectOrdered(ctx, "BTCUSDT", "1w")
	require.NoError(t, err)
	assert.Empty(t, stored)
}
