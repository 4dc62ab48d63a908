package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder exposes pipeline counters to Prometheus.
type Recorder struct {
	candlesInserted *prometheus.CounterVec
	candlesRejected *prometheus.CounterVec
	swingsCreated   *prometheus.CounterVec
	throttled       *prometheus.CounterVec
	fetchFailures   *prometheus.CounterVec
	notifyFailures  *prometheus.CounterVec
	trackedGauge    prometheus.Gauge
	stageDuration   *prometheus.HistogramVec
}

// New registers the pipeline metrics on reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		candlesInserted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swingsentinel_candles_inserted_total",
				Help: "Candles newly stored",
			},
			[]string{"instrument"},
		),
		candlesRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swingsentinel_candles_rejected_total",
				Help: "Candle records dropped as malformed",
			},
			[]string{"instrument"},
		),
		swingsCreated: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swingsentinel_swings_created_total",
				Help: "Swings persisted",
			},
			[]string{"timeframe", "orientation"},
		),
		throttled: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swingsentinel_throttled_total",
				Help: "Throttle responses from the exchange",
			},
			[]string{"status"},
		),
		fetchFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swingsentinel_fetch_failures_total",
				Help: "Non-retryable fetch failures",
			},
			[]string{"op"},
		),
		notifyFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swingsentinel_notify_failures_total",
				Help: "Failed notification dispatches",
			},
			[]string{"dispatcher"},
		),
		trackedGauge: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "swingsentinel_tracked_instruments",
				Help: "Instruments taking part in the last cycle",
			},
		),
		stageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swingsentinel_stage_duration_seconds",
				Help:    "Duration of pipeline stages in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"stage"},
		),
	}
}

// CandlesInserted adds n newly stored candles for an instrument.
func (r *Recorder) CandlesInserted(instrument string, n int) {
	r.candlesInserted.WithLabelValues(instrument).Add(float64(n))
}

func (r *Recorder) CandleRejected(instrument string) {
	r.candlesRejected.WithLabelValues(instrument).Inc()
}

func (r *Recorder) SwingCreated(timeframe, orientation string) {
	r.swingsCreated.WithLabelValues(timeframe, orientation).Inc()
}

func (r *Recorder) Throttled(status int) {
	r.throttled.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (r *Recorder) FetchFailed(op string) {
	r.fetchFailures.WithLabelValues(op).Inc()
}

func (r *Recorder) NotifyFailed(dispatcher string) {
	r.notifyFailures.WithLabelValues(dispatcher).Inc()
}

func (r *Recorder) TrackedInstruments(n int) {
	r.trackedGauge.Set(float64(n))
}

// ObserveStage records how long a pipeline stage took.
func (r *Recorder) ObserveStage(stage string, seconds float64) {
	r.stageDuration.WithLabelValues(stage).Observe(seconds)
}
