package notifier

import (
	"context"

	"SwingSentinel/internal/model"

	"github.com/rs/zerolog"
)

// SwingUpdate is the outbound record for one newly detected swing.
type SwingUpdate struct {
	Instrument  string `json:"instrument"`
	Timeframe   string `json:"timeframe"`
	Orientation string `json:"orientation"`
}

// FromSwings converts persisted swings into updates, keeping their order.
func FromSwings(swings []model.Swing) []SwingUpdate {
	out := make([]SwingUpdate, len(swings))
	for i, s := range swings {
		out[i] = SwingUpdate{Instrument: s.Instrument, Timeframe: s.Timeframe, Orientation: string(s.Orientation)}
	}
	return out
}

// Dispatcher delivers one batch of swing updates. Implementations make a
// single attempt; the caller decides what a failure means.
type Dispatcher interface {
	Dispatch(ctx context.Context, updates []SwingUpdate) error
	Name() string
}

// LogDispatcher writes batches to the log. Used when no endpoint is configured.
type LogDispatcher struct {
	log zerolog.Logger
}

// NewLogDispatcher creates a LogDispatcher.
func NewLogDispatcher(logger zerolog.Logger) *LogDispatcher {
	return &LogDispatcher{log: logger.With().Str("component", "notifier").Logger()}
}

func (d *LogDispatcher) Name() string { return "log" }

func (d *LogDispatcher) Dispatch(_ context.Context, updates []SwingUpdate) error {
	for _, u := range updates {
		d.log.Info().Str("instrument", u.Instrument).Str("timeframe", u.Timeframe).
			Str("orientation", u.Orientation).Msg("swing detected")
	}
	return nil
}
