package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"SwingSentinel/internal/collector"
	"SwingSentinel/internal/lock"
	"SwingSentinel/internal/model"
	"SwingSentinel/internal/notifier"
	"SwingSentinel/internal/scheduler"
	"SwingSentinel/internal/store"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candles(instrument string, lows ...float64) []model.Candle {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]model.Candle, len(lows))
	for i, low := range lows {
		open := start.Add(time.Duration(i) * model.Weekly.Interval)
		out[i] = model.Candle{
			Instrument: instrument, Timeframe: model.Weekly.Name,
			OpenTime: open, CloseTime: open.Add(model.Weekly.Interval - time.Millisecond),
			Open: low + 1, High: low + 5, Low: low, Close: low + 1,
		}
	}
	return out
}

func TestRunOnStartThenShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, store.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "app.db")}, zerolog.Nop())
	require.NoError(t, err)
	defer st.Close()

	fetcher := &collector.MockFetcher{
		Catalog: []string{"AAAUSDT"},
		Candles: map[string][]model.Candle{"AAAUSDT": candles("AAAUSDT", 14, 12, 10, 11, 13)},
	}
	p := scheduler.NewPipeline(scheduler.PipelineConfig{Timeframe: model.Weekly, Workers: 2},
		st, collector.NewCollector(fetcher, zerolog.Nop()), lock.NewKeyedMutex(),
		notifier.NewLogDispatcher(zerolog.Nop()), nil, zerolog.Nop())
	sched := scheduler.NewScheduler(ctx, p, time.UTC, zerolog.Nop())

	a := New(Options{
		Timeframe:   model.Weekly,
		CycleCron:   "0 0 5 * * 1",
		CatalogCron: "0 0 4 * * 1",
		RunOnStart:  true,
	}, st, sched, nil, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		swings, err := st.Swings(context.Background(), "AAAUSDT", "1w", 5)
		return err == nil && len(swings) == 1
	}, 5*time.Second, 20*time.Millisecond)

	tf, err := st.Timeframe(context.Background(), "1w")
	require.NoError(t, err)
	assert.Equal(t, model.Weekly, tf)
	assert.Len(t, sched.Cron.Entries(), 2)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunRejectsBadCron(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, store.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "app.db")}, zerolog.Nop())
	require.NoError(t, err)
	defer st.Close()

	p := scheduler.NewPipeline(scheduler.PipelineConfig{Timeframe: model.Weekly},
		st, collector.NewCollector(&collector.MockFetcher{}, zerolog.Nop()), lock.NewKeyedMutex(),
		notifier.NewLogDispatcher(zerolog.Nop()), nil, zerolog.Nop())
	a := New(Options{Timeframe: model.Weekly, CycleCron: "not a cron"}, st,
		scheduler.NewScheduler(ctx, p, time.UTC, zerolog.Nop()), nil, zerolog.Nop())

	assert.Error(t, a.Run(ctx))
}
