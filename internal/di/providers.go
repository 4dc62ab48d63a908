package di

import (
	"context"
	"fmt"

	"SwingSentinel/internal/api"
	"SwingSentinel/internal/app"
	"SwingSentinel/internal/collector"
	"SwingSentinel/internal/config"
	"SwingSentinel/internal/lock"
	"SwingSentinel/internal/logger"
	"SwingSentinel/internal/metrics"
	"SwingSentinel/internal/model"
	"SwingSentinel/internal/notifier"
	"SwingSentinel/internal/scheduler"
	"SwingSentinel/internal/store"

	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

// ProviderSet holds every provider InitializeApp is built from.
var ProviderSet = wire.NewSet(
	ProvideLogger,
	ProvideRegistry,
	ProvideMetrics,
	ProvideStore,
	ProvideFetcher,
	ProvideCollector,
	ProvideLocker,
	ProvideDispatcher,
	ProvidePipeline,
	ProvideScheduler,
	ProvideServer,
	ProvideApp,
)

// ProvideLogger builds the process logger from the log section.
func ProvideLogger(cfg *config.Config) (zerolog.Logger, func(), error) {
	log, closer, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("logger: %w", err)
	}
	return log, func() { _ = closer.Close() }, nil
}

// ProvideRegistry creates the Prometheus registry served on /metrics.
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// ProvideMetrics registers the pipeline metrics.
func ProvideMetrics(reg *prometheus.Registry) *metrics.Recorder {
	return metrics.New(reg)
}

// ProvideStore opens the database and runs migrations.
func ProvideStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*store.Store, func(), error) {
	st, err := store.Open(ctx, store.Config{
		Driver:         cfg.Database.Driver,
		DSN:            cfg.Database.DSN,
		ConnectTimeout: cfg.Database.ConnectTimeout,
	}, log)
	if err != nil {
		return nil, nil, fmt.Errorf("store: %w", err)
	}
	return st, func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("store close error")
		}
	}, nil
}

// ProvideFetcher creates the Binance market data client.
func ProvideFetcher(cfg *config.Config, rec *metrics.Recorder, log zerolog.Logger) collector.Fetcher {
	f := collector.NewBinanceFetcher(collector.BinanceConfig{
		BaseURL:           cfg.Exchange.BaseURL,
		QuoteAsset:        cfg.Exchange.QuoteAsset,
		Proxy:             cfg.Proxy,
		Timeout:           cfg.Exchange.Timeout,
		DefaultRetryAfter: cfg.Exchange.DefaultRetryAfter,
		RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
		Burst:             cfg.Exchange.Burst,
	}, log)
	f.Metrics = rec
	return f
}

// ProvideCollector wraps the fetcher with throttle handling.
func ProvideCollector(f collector.Fetcher, rec *metrics.Recorder, log zerolog.Logger) *collector.Collector {
	c := collector.NewCollector(f, log)
	c.Metrics = rec
	return c
}

// ProvideLocker picks the per-instrument lock backend.
func ProvideLocker(ctx context.Context, cfg *config.Config, log zerolog.Logger) (lock.Locker, func(), error) {
	if cfg.Lock.Type != "redis" {
		return lock.NewKeyedMutex(), func() {}, nil
	}
	l, err := lock.NewRedisLocker(ctx, lock.RedisConfig{
		Addr:     cfg.Lock.Redis.Addr,
		Password: cfg.Lock.Redis.Password,
		DB:       cfg.Lock.Redis.DB,
		Prefix:   cfg.Lock.Redis.Prefix,
		TTL:      cfg.Lock.Redis.TTL,
	}, log)
	if err != nil {
		return nil, nil, fmt.Errorf("redis locker: %w", err)
	}
	return l, func() { _ = l.Close() }, nil
}

// ProvideDispatcher picks where swing updates are delivered.
func ProvideDispatcher(cfg *config.Config, log zerolog.Logger) (notifier.Dispatcher, func(), error) {
	n := cfg.Notifier
	switch n.Type {
	case "webhook":
		return notifier.NewWebhookDispatcher(n.WebhookURL, n.Timeout), func() {}, nil
	case "telegram":
		return notifier.NewTelegramDispatcher(n.Telegram.BotToken, n.Telegram.ChatID, cfg.Proxy), func() {}, nil
	case "kafka":
		k, err := notifier.NewKafkaDispatcher(notifier.KafkaConfig{
			Brokers:      n.Kafka.Brokers,
			Topic:        n.Kafka.Topic,
			WriteTimeout: n.Timeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("kafka dispatcher: %w", err)
		}
		return k, func() {
			if err := k.Close(); err != nil {
				log.Warn().Err(err).Msg("kafka writer close error")
			}
		}, nil
	default:
		return notifier.NewLogDispatcher(log), func() {}, nil
	}
}

func timeframe(cfg *config.Config) model.Timeframe {
	return model.Timeframe{Name: cfg.Timeframe.Name, Interval: cfg.Timeframe.Interval}
}

// ProvidePipeline assembles the swing pipeline.
func ProvidePipeline(cfg *config.Config, st *store.Store, col *collector.Collector, locker lock.Locker,
	d notifier.Dispatcher, rec *metrics.Recorder, log zerolog.Logger) *scheduler.Pipeline {
	return scheduler.NewPipeline(scheduler.PipelineConfig{
		Timeframe:      timeframe(cfg),
		CandleLimit:    cfg.Exchange.CandleLimit,
		Workers:        cfg.Schedule.Workers,
		KeepOpenCandle: cfg.Exchange.KeepOpenCandle,
	}, st, col, locker, d, rec, log)
}

// ProvideScheduler creates the cron scheduler in the configured time zone.
func ProvideScheduler(ctx context.Context, cfg *config.Config, p *scheduler.Pipeline, log zerolog.Logger) (*scheduler.Scheduler, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("schedule timezone: %w", err)
	}
	return scheduler.NewScheduler(ctx, p, loc, log), nil
}

// ProvideServer creates the admin API, or nil when it is disabled.
func ProvideServer(cfg *config.Config, st *store.Store, p *scheduler.Pipeline, reg *prometheus.Registry, log zerolog.Logger) *api.Server {
	if !cfg.Server.Enabled {
		return nil
	}
	return api.NewServer(api.NewHandler(st, p, log), log,
		api.WithAddress(cfg.Server.Host, cfg.Server.Port),
		api.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		api.WithGatherer(reg),
	)
}

// ProvideApp creates the application.
func ProvideApp(cfg *config.Config, st *store.Store, sched *scheduler.Scheduler, srv *api.Server, log zerolog.Logger) *app.App {
	return app.New(app.Options{
		Timeframe:       timeframe(cfg),
		CycleCron:       cfg.Schedule.CycleCron,
		CatalogCron:     cfg.Schedule.CatalogCron,
		RunOnStart:      cfg.Schedule.RunOnStart,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, st, sched, srv, log)
}
