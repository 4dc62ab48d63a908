package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Exchange struct {
		BaseURL           string        `yaml:"base_url" default:"https://data-api.binance.vision/api/v3" validate:"required,url"`
		QuoteAsset        string        `yaml:"quote_asset" default:"USDT" validate:"required,alphanum"`
		RequestsPerSecond float64       `yaml:"requests_per_second" default:"10" validate:"gte=0"`
		Burst             int           `yaml:"burst" default:"1" validate:"gte=1"`
		Timeout           time.Duration `yaml:"timeout" default:"30s" validate:"gt=0"`
		DefaultRetryAfter time.Duration `yaml:"default_retry_after" default:"60s" validate:"gt=0"`
		CandleLimit       int           `yaml:"candle_limit" default:"5" validate:"gte=5,lte=1000"`
		KeepOpenCandle    bool          `yaml:"keep_open_candle"`
	} `yaml:"exchange"`
	Timeframe struct {
		Name     string        `yaml:"name" default:"1w" validate:"required"`
		Interval time.Duration `yaml:"interval" default:"168h" validate:"gt=0"`
	} `yaml:"timeframe"`
	Schedule struct {
		CycleCron   string `yaml:"cycle_cron" default:"0 0 5 * * 1" validate:"required"`
		CatalogCron string `yaml:"catalog_cron" default:"0 0 4 * * 1"`
		Timezone    string `yaml:"timezone" default:"Europe/London" validate:"required"`
		RunOnStart  bool   `yaml:"run_on_start"`
		Workers     int    `yaml:"workers" default:"4" validate:"gte=1,lte=64"`
	} `yaml:"schedule"`
	Database struct {
		Driver         string        `yaml:"driver" default:"sqlite" validate:"oneof=sqlite postgres"`
		DSN            string        `yaml:"dsn" default:"data/swing_sentinel.db" validate:"required"`
		ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	} `yaml:"database"`
	Notifier struct {
		Type       string        `yaml:"type" default:"log" validate:"oneof=webhook telegram kafka log"`
		WebhookURL string        `yaml:"webhook_url" validate:"required_if=Type webhook,omitempty,url"`
		Timeout    time.Duration `yaml:"timeout" default:"10s"`
		Telegram   struct {
			BotToken string `yaml:"bot_token"`
			ChatID   string `yaml:"chat_id"`
		} `yaml:"telegram"`
		Kafka struct {
			Brokers []string `yaml:"brokers"`
			Topic   string   `yaml:"topic" default:"swing-updates"`
		} `yaml:"kafka"`
	} `yaml:"notifier"`
	Lock struct {
		Type  string `yaml:"type" default:"memory" validate:"oneof=memory redis"`
		Redis struct {
			Addr     string        `yaml:"addr" default:"localhost:6379"`
			Password string        `yaml:"password"`
			DB       int           `yaml:"db"`
			Prefix   string        `yaml:"prefix" default:"swingsentinel:lock"`
			TTL      time.Duration `yaml:"ttl" default:"10m"`
		} `yaml:"redis"`
	} `yaml:"lock"`
	Server struct {
		Enabled         bool          `yaml:"enabled" default:"true"`
		Host            string        `yaml:"host" default:"0.0.0.0"`
		Port            int           `yaml:"port" default:"8080" validate:"gte=1,lte=65535"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s" validate:"gt=0"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"2h" validate:"gt=0"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
	} `yaml:"server"`
	Log struct {
		Level      string `yaml:"level" default:"info" validate:"oneof=trace debug info warn error"`
		Format     string `yaml:"format" default:"console" validate:"oneof=console json"`
		Output     string `yaml:"output" default:"stdout" validate:"required"`
		MaxSizeMB  int    `yaml:"max_size_mb" default:"100"`
		MaxBackups int    `yaml:"max_backups" default:"3"`
		MaxAgeDays int    `yaml:"max_age_days" default:"28"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"log"`
	Proxy string `yaml:"proxy"`
}

// Load reads config from a YAML file, then applies environment variable
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("set defaults: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BINANCE_BASE_URL"); v != "" {
		c.Exchange.BaseURL = v
	}
	if v := os.Getenv("QUOTE_ASSET"); v != "" {
		c.Exchange.QuoteAsset = v
	}
	if v := os.Getenv("HTTPS_PROXY"); v != "" {
		c.Proxy = v
	}
	if v := os.Getenv("DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("NOTIFIER_TYPE"); v != "" {
		c.Notifier.Type = v
	}
	if v := os.Getenv("BOT_SERVER_URL"); v != "" {
		c.Notifier.WebhookURL = botEndpoint(v)
		if os.Getenv("NOTIFIER_TYPE") == "" {
			c.Notifier.Type = "webhook"
		}
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Notifier.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Notifier.Telegram.ChatID = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Notifier.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		c.Notifier.Kafka.Topic = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Lock.Redis.Addr = v
		c.Lock.Type = "redis"
	}
	if v := os.Getenv("CRON_CYCLE"); v != "" {
		c.Schedule.CycleCron = v
	}
	if v := os.Getenv("CRON_CATALOG"); v != "" {
		c.Schedule.CatalogCron = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("RUN_ON_START"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Schedule.RunOnStart = b
		}
	}
}

// botEndpoint turns BOT_SERVER_URL into the bot's swing update URL. A bare
// host[:port] gets http://, and the /swing-updates path is appended unless
// already present.
func botEndpoint(v string) string {
	if !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") {
		v = "http://" + v
	}
	v = strings.TrimRight(v, "/")
	if strings.HasSuffix(v, swingUpdatesPath) {
		return v
	}
	return v + swingUpdatesPath
}

const swingUpdatesPath = "/swing-updates"

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.Schedule.CycleCron); err != nil {
		return fmt.Errorf("schedule.cycle_cron: %w", err)
	}
	if c.Schedule.CatalogCron != "" {
		if _, err := parser.Parse(c.Schedule.CatalogCron); err != nil {
			return fmt.Errorf("schedule.catalog_cron: %w", err)
		}
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("schedule.timezone: %w", err)
	}

	switch c.Notifier.Type {
	case "telegram":
		if c.Notifier.Telegram.BotToken == "" || c.Notifier.Telegram.ChatID == "" {
			return fmt.Errorf("notifier.telegram.bot_token and chat_id are required for telegram")
		}
	case "kafka":
		if len(c.Notifier.Kafka.Brokers) == 0 || c.Notifier.Kafka.Topic == "" {
			return fmt.Errorf("notifier.kafka.brokers and topic are required for kafka")
		}
	}
	return nil
}

// Location returns the time zone cron specs are evaluated in.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Schedule.Timezone)
}
