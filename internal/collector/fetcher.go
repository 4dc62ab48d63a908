package collector

import (
	"context"

	"SwingSentinel/internal/model"
)

// Fetcher defines the interface for fetching market data.
type Fetcher interface {
	FetchCandles(ctx context.Context, instrument string, tf model.Timeframe, limit int) ([]model.Candle, error)
	FetchInstrumentCatalog(ctx context.Context) ([]string, error)
	Name() string
}

// Metrics receives fetch outcomes. A nil Metrics is ignored.
type Metrics interface {
	CandleRejected(instrument string)
	Throttled(status int)
	FetchFailed(op string)
}

type noopMetrics struct{}

func (noopMetrics) CandleRejected(string) {}
func (noopMetrics) Throttled(int)         {}
func (noopMetrics) FetchFailed(string)    {}
