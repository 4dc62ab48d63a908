package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"SwingSentinel/internal/collector"
	"SwingSentinel/internal/lock"
	"SwingSentinel/internal/model"
	"SwingSentinel/internal/notifier"
	"SwingSentinel/internal/store"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	mu      sync.Mutex
	batches [][]notifier.SwingUpdate
	err     error
}

func (d *recordingDispatcher) Name() string { return "recording" }

func (d *recordingDispatcher) Dispatch(_ context.Context, updates []notifier.SwingUpdate) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, updates)
	return d.err
}

// countingLocker reports how many instrument locks are held at a time.
type countingLocker struct {
	inner lock.Locker
	held  atomic.Int32
}

func (l *countingLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlock, err := l.inner.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	l.held.Add(1)
	return func() {
		l.held.Add(-1)
		unlock()
	}, nil
}

type fixture struct {
	store      *store.Store
	fetcher    *collector.MockFetcher
	dispatcher *recordingDispatcher
	pipeline   *Pipeline
}

func newFixture(t *testing.T, workers int) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "pipeline.db")}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.EnsureTimeframe(ctx, model.Weekly))

	fetcher := &collector.MockFetcher{
		Candles: map[string][]model.Candle{},
		Errors:  map[string][]error{},
	}
	col := collector.NewCollector(fetcher, zerolog.Nop())
	col.Sleep = func(ctx context.Context, d time.Duration) error { return nil }

	d := &recordingDispatcher{}
	p := NewPipeline(PipelineConfig{Timeframe: model.Weekly, CandleLimit: 500, Workers: workers},
		st, col, lock.NewKeyedMutex(), d, nil, zerolog.Nop())
	return &fixture{store: st, fetcher: fetcher, dispatcher: d, pipeline: p}
}

// weeklySeries builds ascending weekly candles from (high, low) pairs.
func weeklySeries(instrument string, hl ...[2]float64) []model.Candle {
	start := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	out := make([]model.Candle, len(hl))
	for i, p := range hl {
		open := start.Add(time.Duration(i) * model.Weekly.Interval)
		mid := (p[0] + p[1]) / 2
		out[i] = model.Candle{
			Instrument: instrument, Timeframe: model.Weekly.Name,
			OpenTime: open, CloseTime: open.Add(model.Weekly.Interval - time.Millisecond),
			Open: mid, High: p[0], Low: p[1], Close: mid,
		}
	}
	return out
}

// lowAtFour has a strict low at index 4 and no other swing.
func lowAtFour(instrument string) []model.Candle {
	return weeklySeries(instrument,
		[2]float64{30, 20},
		[2]float64{29, 19},
		[2]float64{28, 18},
		[2]float64{27, 17},
		[2]float64{26, 10},
		[2]float64{27, 11},
		[2]float64{28, 12},
	)
}

func TestDetectStageEndToEnd(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	_, err := f.store.Reconcile(ctx, []string{"XYZUSD"})
	require.NoError(t, err)
	candles := lowAtFour("XYZUSD")
	_, err = f.store.UpsertCandles(ctx, candles)
	require.NoError(t, err)

	instruments := []model.Instrument{{Name: "XYZUSD", Tracking: true}}
	swings := f.pipeline.RunDetectStage(ctx, instruments)
	require.Len(t, swings, 1)
	sw := swings[0]
	assert.Equal(t, model.Low, sw.Orientation)
	for i, m := range sw.Members {
		assert.Equal(t, candles[i+2], m, "member %d", i)
	}

	require.NoError(t, f.pipeline.RunNotifyStage(ctx, swings))
	require.Len(t, f.dispatcher.batches, 1)
	assert.Equal(t, []notifier.SwingUpdate{{Instrument: "XYZUSD", Timeframe: "1w", Orientation: "low"}}, f.dispatcher.batches[0])

	// A second pass over the same history creates nothing new.
	assert.Empty(t, f.pipeline.RunDetectStage(ctx, instruments))
	stored, err := f.store.Swings(ctx, "XYZUSD", "1w", 10)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestRunCycle(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	f.fetcher.Catalog = []string{"AAAUSDT", "BBBUSDT", "CCCUSDT"}
	f.fetcher.Candles["AAAUSDT"] = lowAtFour("AAAUSDT")
	f.fetcher.Candles["BBBUSDT"] = lowAtFour("BBBUSDT")
	f.fetcher.Candles["CCCUSDT"] = lowAtFour("CCCUSDT")
	f.fetcher.Errors["BBBUSDT"] = []error{&collector.FatalError{Op: "klines", Cause: errors.New("status 500")}}
	f.fetcher.Errors["CCCUSDT"] = []error{&collector.ThrottledError{Status: 429, RetryAfter: 5 * time.Second}}

	_, err := f.pipeline.RunCatalogStage(ctx)
	require.NoError(t, err)

	report, err := f.pipeline.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Instruments)
	assert.Equal(t, []string{"AAAUSDT", "CCCUSDT"}, report.Updated, "fatal fetch skips only that instrument")
	assert.Equal(t, 14, report.Inserted)
	require.Len(t, report.Swings, 2)
	assert.Equal(t, "AAAUSDT", report.Swings[0].Instrument)
	assert.Equal(t, "CCCUSDT", report.Swings[1].Instrument)
	assert.NoError(t, report.NotifyErr)
	assert.Equal(t, 2, f.fetcher.Calls("CCCUSDT"))

	require.Len(t, f.dispatcher.batches, 1)
	assert.Len(t, f.dispatcher.batches[0], 2)

	// Next cycle: BBB recovers, AAA and CCC have nothing new.
	report, err = f.pipeline.RunCycle(ctx)
	require.NoError(t, err)
	require.Len(t, report.Swings, 1)
	assert.Equal(t, "BBBUSDT", report.Swings[0].Instrument)
}

func TestNotifyFailureKeepsSwings(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.fetcher.Catalog = []string{"AAAUSDT"}
	f.fetcher.Candles["AAAUSDT"] = lowAtFour("AAAUSDT")
	f.dispatcher.err = errors.New("bot offline")

	_, err := f.pipeline.RunCatalogStage(ctx)
	require.NoError(t, err)
	report, err := f.pipeline.RunCycle(ctx)
	require.NoError(t, err)
	assert.Error(t, report.NotifyErr)
	assert.Len(t, f.dispatcher.batches, 1, "no retry")

	stored, err := f.store.Swings(ctx, "AAAUSDT", "1w", 10)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestNotifyStageSkipsEmptyBatch(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.pipeline.RunNotifyStage(context.Background(), nil))
	assert.Empty(t, f.dispatcher.batches)
}

func TestCatalogStage(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	f.fetcher.Catalog = []string{"AUSDT", "BUSDT", "CUSDT"}
	res, err := f.pipeline.RunCatalogStage(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Added, 3)

	f.fetcher.Catalog = []string{"AUSDT", "CUSDT"}
	res, err = f.pipeline.RunCatalogStage(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.Instrument{{Name: "BUSDT", Tracking: true, Delisted: true}}, res.Delisted)

	f.fetcher.Catalog = nil
	_, err = f.pipeline.RunCatalogStage(ctx)
	assert.ErrorIs(t, err, ErrEmptyCatalog)
	tracked, err := f.store.TrackedInstruments(ctx)
	require.NoError(t, err)
	assert.Len(t, tracked, 2, "empty catalog leaves the store alone")

	f.fetcher.Errors[""] = []error{&collector.FatalError{Op: "exchangeInfo", Cause: errors.New("status 503")}}
	_, err = f.pipeline.RunCatalogStage(ctx)
	assert.Error(t, err)
}

func TestCandleStageDropsOpenCandle(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	_, err := f.store.Reconcile(ctx, []string{"AAAUSDT"})
	require.NoError(t, err)

	candles := lowAtFour("AAAUSDT")
	f.fetcher.Candles["AAAUSDT"] = candles
	f.pipeline.now = func() time.Time { return candles[6].OpenTime.Add(time.Hour) }

	updated, inserted := f.pipeline.RunCandleStage(ctx, []model.Instrument{{Name: "AAAUSDT", Tracking: true}})
	assert.Equal(t, []string{"AAAUSDT"}, updated)
	assert.Equal(t, 6, inserted)
	stored, err := f.store.SelectOrdered(ctx, "AAAUSDT", "1w")
	require.NoError(t, err)
	assert.Len(t, stored, 6)
}

func TestCandleStageStopsOnCancel(t *testing.T) {
	f := newFixture(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.fetcher.Candles["AAAUSDT"] = lowAtFour("AAAUSDT")

	updated, inserted := f.pipeline.RunCandleStage(ctx, []model.Instrument{{Name: "AAAUSDT", Tracking: true}})
	assert.Empty(t, updated)
	assert.Zero(t, inserted)
	assert.Equal(t, 0, f.fetcher.Calls("AAAUSDT"))
}

func TestRunCycleStoreDown(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.store.Close())
	_, err := f.pipeline.RunCycle(context.Background())
	assert.Error(t, err)
	assert.Empty(t, f.dispatcher.batches)
}

func TestCandleStageHoldsNoLockWhileThrottled(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	_, err := f.store.Reconcile(ctx, []string{"AAAUSDT"})
	require.NoError(t, err)
	f.fetcher.Candles["AAAUSDT"] = lowAtFour("AAAUSDT")
	f.fetcher.Errors["AAAUSDT"] = []error{&collector.ThrottledError{Status: 418, RetryAfter: 2 * time.Hour}}

	locker := &countingLocker{inner: lock.NewKeyedMutex()}
	var slept []time.Duration
	var heldWhileSleeping []int32
	col := collector.NewCollector(f.fetcher, zerolog.Nop())
	col.Sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		heldWhileSleeping = append(heldWhileSleeping, locker.held.Load())
		return nil
	}
	p := NewPipeline(PipelineConfig{Timeframe: model.Weekly, CandleLimit: 500, Workers: 1},
		f.store, col, locker, f.dispatcher, nil, zerolog.Nop())

	updated, inserted := p.RunCandleStage(ctx, []model.Instrument{{Name: "AAAUSDT", Tracking: true}})
	assert.Equal(t, []string{"AAAUSDT"}, updated)
	assert.Equal(t, 7, inserted)
	assert.Equal(t, []time.Duration{2 * time.Hour}, slept)
	assert.Equal(t, []int32{0}, heldWhileSleeping)
	assert.Zero(t, locker.held.Load())
}
