package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"SwingSentinel/internal/model"

	"github.com/rs/zerolog"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the production SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Collector wraps a Fetcher and honours throttle responses: each
// ThrottledError is followed by a wait of exactly RetryAfter and a retry.
// There is no attempt cap. Any other error is returned immediately.
type Collector struct {
	Fetcher Fetcher
	Sleep   SleepFunc
	Metrics Metrics
	log     zerolog.Logger
}

// NewCollector creates a new Collector.
func NewCollector(fetcher Fetcher, logger zerolog.Logger) *Collector {
	return &Collector{
		Fetcher: fetcher,
		Sleep:   Sleep,
		Metrics: noopMetrics{},
		log:     logger.With().Str("component", "collector").Str("source", fetcher.Name()).Logger(),
	}
}

// FetchCandles fetches recent candles for one instrument.
func (c *Collector) FetchCandles(ctx context.Context, instrument string, tf model.Timeframe, limit int) ([]model.Candle, error) {
	candles, err := retryThrottled(ctx, c, "klines", instrument, func(ctx context.Context) ([]model.Candle, error) {
		return c.Fetcher.FetchCandles(ctx, instrument, tf, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch candles %s: %w", instrument, err)
	}
	return candles, nil
}

// FetchCatalog fetches the exchange instrument listing.
func (c *Collector) FetchCatalog(ctx context.Context) ([]string, error) {
	symbols, err := retryThrottled(ctx, c, "exchangeInfo", "", c.Fetcher.FetchInstrumentCatalog)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog: %w", err)
	}
	return symbols, nil
}

func retryThrottled[T any](ctx context.Context, c *Collector, op, instrument string, fn func(context.Context) (T, error)) (T, error) {
	for {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		var te *ThrottledError
		if !errors.As(err, &te) {
			c.metrics().FetchFailed(op)
			var zero T
			return zero, err
		}
		c.metrics().Throttled(te.Status)
		c.log.Warn().Str("op", op).Str("instrument", instrument).Int("status", te.Status).
			Dur("retry_after", te.RetryAfter).Msg("throttled, waiting")
		if err := c.Sleep(ctx, te.RetryAfter); err != nil {
			var zero T
			return zero, &FatalError{Op: op, Cause: err}
		}
	}
}

func (c *Collector) metrics() Metrics {
	if c.Metrics == nil {
		return noopMetrics{}
	}
	return c.Metrics
}

// MockFetcher returns scripted data for development and testing.
// Errors queued for an instrument are returned, in order, before its candles.
type MockFetcher struct {
	Catalog []string
	Candles map[string][]model.Candle
	Errors  map[string][]error

	mu    sync.Mutex
	calls map[string]int
}

func (m *MockFetcher) Name() string { return "mock" }

func (m *MockFetcher) FetchCandles(_ context.Context, instrument string, _ model.Timeframe, limit int) ([]model.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[instrument]++
	if errs := m.Errors[instrument]; len(errs) > 0 {
		m.Errors[instrument] = errs[1:]
		return nil, errs[0]
	}
	candles := m.Candles[instrument]
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	out := make([]model.Candle, len(candles))
	copy(out, candles)
	return out, nil
}

func (m *MockFetcher) FetchInstrumentCatalog(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if errs := m.Errors[""]; len(errs) > 0 {
		m.Errors[""] = errs[1:]
		return nil, errs[0]
	}
	return append([]string(nil), m.Catalog...), nil
}

// Calls reports how many candle requests were made for an instrument.
func (m *MockFetcher) Calls(instrument string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[instrument]
}
