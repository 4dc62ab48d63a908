package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"SwingSentinel/internal/calculator"
	"SwingSentinel/internal/lock"
	"SwingSentinel/internal/model"
	"SwingSentinel/internal/notifier"
	"SwingSentinel/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrEmptyCatalog is returned when the exchange lists no matching symbols.
// Reconciling against an empty set would delist every instrument.
var ErrEmptyCatalog = errors.New("catalog is empty")

// Repository is the persistence the pipeline needs.
type Repository interface {
	Ping(ctx context.Context) error
	TrackedInstruments(ctx context.Context) ([]model.Instrument, error)
	Reconcile(ctx context.Context, symbols []string) (store.ReconcileResult, error)
	UpsertCandles(ctx context.Context, candles []model.Candle) ([]model.Candle, error)
	SelectOrdered(ctx context.Context, instrument, timeframe string) ([]model.Candle, error)
	AddSwingIfNew(ctx context.Context, instrument, timeframe string, members [model.SwingWindow]model.Candle, o model.Orientation) (*model.Swing, error)
}

// Source fetches market data, honouring throttle responses.
type Source interface {
	FetchCandles(ctx context.Context, instrument string, tf model.Timeframe, limit int) ([]model.Candle, error)
	FetchCatalog(ctx context.Context) ([]string, error)
}

// Metrics receives pipeline outcomes.
type Metrics interface {
	CandlesInserted(instrument string, n int)
	SwingCreated(timeframe, orientation string)
	NotifyFailed(dispatcher string)
	TrackedInstruments(n int)
	ObserveStage(stage string, seconds float64)
}

// PipelineConfig tunes a Pipeline.
type PipelineConfig struct {
	Timeframe   model.Timeframe
	CandleLimit int
	Workers     int

	// KeepOpenCandle stores the still-forming last candle. Stored candles
	// never change, so by default it is dropped until it closes.
	KeepOpenCandle bool
}

// Pipeline runs the catalog, candle, detect and notify stages.
type Pipeline struct {
	cfg        PipelineConfig
	repo       Repository
	source     Source
	locker     lock.Locker
	dispatcher notifier.Dispatcher
	metrics    Metrics
	now        func() time.Time
	log        zerolog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(cfg PipelineConfig, repo Repository, source Source, locker lock.Locker,
	dispatcher notifier.Dispatcher, metrics Metrics, logger zerolog.Logger) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.CandleLimit <= 0 {
		cfg.CandleLimit = model.SwingWindow
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Pipeline{
		cfg:        cfg,
		repo:       repo,
		source:     source,
		locker:     locker,
		dispatcher: dispatcher,
		metrics:    metrics,
		now:        time.Now,
		log:        logger.With().Str("component", "pipeline").Str("timeframe", cfg.Timeframe.Name).Logger(),
	}
}

// CycleReport summarises one RunCycle.
type CycleReport struct {
	ID          string
	Instruments int
	Updated     []string
	Inserted    int
	Swings      []model.Swing
	NotifyErr   error
	Duration    time.Duration
}

// RunCycle runs candle, detect and notify stages over all tracked
// instruments. It fails only when the store is unreachable or the tracked
// set cannot be read; per-instrument failures are logged and skipped.
func (p *Pipeline) RunCycle(ctx context.Context) (CycleReport, error) {
	start := p.now()
	report := CycleReport{ID: uuid.NewString()}
	log := p.log.With().Str("cycle_id", report.ID).Logger()

	if err := p.repo.Ping(ctx); err != nil {
		log.Error().Err(err).Msg("store unreachable, skipping cycle")
		return report, fmt.Errorf("ping store: %w", err)
	}
	instruments, err := p.repo.TrackedInstruments(ctx)
	if err != nil {
		log.Error().Err(err).Msg("list tracked instruments")
		return report, fmt.Errorf("list tracked instruments: %w", err)
	}
	report.Instruments = len(instruments)
	p.metrics.TrackedInstruments(len(instruments))
	log.Info().Int("instruments", len(instruments)).Msg("cycle started")

	report.Updated, report.Inserted = p.runCandleStage(ctx, log, instruments)
	report.Swings = p.runDetectStage(ctx, log, instruments)
	report.NotifyErr = p.runNotifyStage(ctx, log, report.Swings)

	report.Duration = p.now().Sub(start)
	log.Info().Int("updated", len(report.Updated)).Int("swings", len(report.Swings)).
		Dur("took", report.Duration).Msg("cycle finished")
	return report, nil
}

// RunCatalogStage fetches the instrument universe and reconciles the store.
func (p *Pipeline) RunCatalogStage(ctx context.Context) (store.ReconcileResult, error) {
	defer p.observe("catalog", p.now())

	symbols, err := p.source.FetchCatalog(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("catalog fetch failed")
		return store.ReconcileResult{}, err
	}
	if len(symbols) == 0 {
		p.log.Warn().Msg("catalog returned no symbols, skipping reconcile")
		return store.ReconcileResult{}, ErrEmptyCatalog
	}

	res, err := p.repo.Reconcile(context.WithoutCancel(ctx), symbols)
	if err != nil {
		p.log.Error().Err(err).Msg("catalog reconcile failed")
		return store.ReconcileResult{}, err
	}
	p.log.Info().Int("symbols", len(symbols)).Int("added", len(res.Added)).
		Int("delisted", len(res.Delisted)).Int("relisted", len(res.Relisted)).Msg("catalog reconciled")
	for _, in := range res.Delisted {
		p.log.Warn().Str("instrument", in.Name).Bool("tracking", in.Tracking).Msg("instrument delisted")
	}
	return res, nil
}

// RunCandleStage fetches and stores candles for the given instruments. It
// returns the names whose fetch and upsert succeeded, in input order, and
// the number of candles newly stored.
func (p *Pipeline) RunCandleStage(ctx context.Context, instruments []model.Instrument) ([]string, int) {
	return p.runCandleStage(ctx, p.log, instruments)
}

// RunDetectStage detects and persists swings for the given instruments and
// returns the newly created ones, grouped by instrument in input order.
func (p *Pipeline) RunDetectStage(ctx context.Context, instruments []model.Instrument) []model.Swing {
	return p.runDetectStage(ctx, p.log, instruments)
}

// RunNotifyStage dispatches new swings. A failure is logged and returned
// for reporting; persisted swings are unaffected.
func (p *Pipeline) RunNotifyStage(ctx context.Context, swings []model.Swing) error {
	return p.runNotifyStage(ctx, p.log, swings)
}

func (p *Pipeline) runCandleStage(ctx context.Context, log zerolog.Logger, instruments []model.Instrument) ([]string, int) {
	defer p.observe("candles", p.now())

	ok := make([]bool, len(instruments))
	counts := make([]int, len(instruments))
	p.forEach(ctx, instruments, func(i int, in model.Instrument) {
		ilog := log.With().Str("instrument", in.Name).Logger()
		candles, err := p.source.FetchCandles(ctx, in.Name, p.cfg.Timeframe, p.cfg.CandleLimit)
		if err != nil {
			ilog.Error().Err(err).Msg("fetch candles failed, skipping instrument")
			return
		}
		candles = p.closedOnly(candles)

		// Throttle waits are unbounded and may outlive a lock lease, so the
		// lock covers only the write.
		unlock, err := p.locker.Lock(ctx, in.Name)
		if err != nil {
			ilog.Error().Err(err).Msg("lock instrument")
			return
		}
		defer unlock()

		// Let the transaction finish even if shutdown has begun.
		inserted, err := p.repo.UpsertCandles(context.WithoutCancel(ctx), candles)
		if err != nil {
			ilog.Error().Err(err).Msg("store candles failed")
			return
		}
		p.metrics.CandlesInserted(in.Name, len(inserted))
		ilog.Debug().Int("fetched", len(candles)).Int("inserted", len(inserted)).Msg("candles stored")
		ok[i] = true
		counts[i] = len(inserted)
	})

	var updated []string
	total := 0
	for i, in := range instruments {
		if ok[i] {
			updated = append(updated, in.Name)
			total += counts[i]
		}
	}
	return updated, total
}

func (p *Pipeline) runDetectStage(ctx context.Context, log zerolog.Logger, instruments []model.Instrument) []model.Swing {
	defer p.observe("detect", p.now())

	found := make([][]model.Swing, len(instruments))
	p.forEach(ctx, instruments, func(i int, in model.Instrument) {
		ilog := log.With().Str("instrument", in.Name).Logger()
		unlock, err := p.locker.Lock(ctx, in.Name)
		if err != nil {
			ilog.Error().Err(err).Msg("lock instrument")
			return
		}
		defer unlock()
		found[i] = p.detectInstrument(context.WithoutCancel(ctx), ilog, in.Name)
	})

	var out []model.Swing
	for _, sw := range found {
		out = append(out, sw...)
	}
	return out
}

func (p *Pipeline) detectInstrument(ctx context.Context, log zerolog.Logger, instrument string) []model.Swing {
	tf := p.cfg.Timeframe.Name
	history, err := p.repo.SelectOrdered(ctx, instrument, tf)
	if err != nil {
		log.Error().Err(err).Msg("load candle history")
		return nil
	}

	var created []model.Swing
	for _, c := range calculator.DetectSwings(history) {
		sw, err := p.repo.AddSwingIfNew(ctx, instrument, tf, c.Members, c.Orientation)
		var refErr *store.ReferenceError
		switch {
		case errors.As(err, &refErr):
			log.Error().Err(err).Int("center", c.Center).Msg("swing references missing candles; store is inconsistent")
			continue
		case err != nil:
			log.Error().Err(err).Int("center", c.Center).Msg("persist swing")
			continue
		case sw == nil:
			continue
		}
		p.metrics.SwingCreated(tf, string(sw.Orientation))
		log.Info().Str("orientation", string(sw.Orientation)).Time("center", sw.Center().OpenTime).Msg("swing created")
		created = append(created, *sw)
	}
	return created
}

func (p *Pipeline) runNotifyStage(ctx context.Context, log zerolog.Logger, swings []model.Swing) error {
	if len(swings) == 0 {
		return nil
	}
	defer p.observe("notify", p.now())

	if err := p.dispatcher.Dispatch(ctx, notifier.FromSwings(swings)); err != nil {
		p.metrics.NotifyFailed(p.dispatcher.Name())
		log.Error().Err(err).Str("dispatcher", p.dispatcher.Name()).Int("swings", len(swings)).Msg("notification failed")
		return err
	}
	log.Info().Str("dispatcher", p.dispatcher.Name()).Int("swings", len(swings)).Msg("notification sent")
	return nil
}

// forEach runs fn for every instrument on a bounded pool of workers. Once
// ctx is done no new instrument is started.
func (p *Pipeline) forEach(ctx context.Context, instruments []model.Instrument, fn func(i int, in model.Instrument)) {
	jobs := make(chan int)
	var wg sync.WaitGroup
	workers := min(p.cfg.Workers, len(instruments))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				fn(i, instruments[i])
			}
		}()
	}

	for i := range instruments {
		if ctx.Err() != nil {
			p.log.Warn().Int("remaining", len(instruments)-i).Msg("shutting down, not starting remaining instruments")
			break
		}
		jobs <- i
	}
	close(jobs)
	wg.Wait()
}

func (p *Pipeline) closedOnly(candles []model.Candle) []model.Candle {
	if p.cfg.KeepOpenCandle {
		return candles
	}
	now := p.now()
	out := candles[:0]
	for _, c := range candles {
		if c.CloseTime.Before(now) {
			out = append(out, c)
		}
	}
	return out
}

func (p *Pipeline) observe(stage string, start time.Time) {
	p.metrics.ObserveStage(stage, p.now().Sub(start).Seconds())
}

type noopMetrics struct{}

func (noopMetrics) CandlesInserted(string, int)  {}
func (noopMetrics) SwingCreated(string, string)  {}
func (noopMetrics) NotifyFailed(string)          {}
func (noopMetrics) TrackedInstruments(int)       {}
func (noopMetrics) ObserveStage(string, float64) {}
