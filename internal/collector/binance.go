package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"SwingSentinel/internal/model"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// BinanceConfig configures the Binance market data client.
type BinanceConfig struct {
	BaseURL           string
	QuoteAsset        string
	Proxy             string
	Timeout           time.Duration
	DefaultRetryAfter time.Duration
	RequestsPerSecond float64
	Burst             int
}

// BinanceFetcher implements Fetcher using the Binance spot REST API.
type BinanceFetcher struct {
	BaseURL           string
	QuoteAsset        string
	DefaultRetryAfter time.Duration
	Client            *http.Client
	Limiter           *rate.Limiter
	Metrics           Metrics
	log               zerolog.Logger
}

// NewBinanceFetcher creates a new fetcher with optional proxy support.
func NewBinanceFetcher(cfg BinanceConfig, logger zerolog.Logger) *BinanceFetcher {
	transport := &http.Transport{}
	if cfg.Proxy != "" {
		if u, err := url.Parse(cfg.Proxy); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &BinanceFetcher{
		BaseURL:           strings.TrimRight(cfg.BaseURL, "/"),
		QuoteAsset:        cfg.QuoteAsset,
		DefaultRetryAfter: cfg.DefaultRetryAfter,
		Client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		Limiter: rate.NewLimiter(limit, burst),
		Metrics: noopMetrics{},
		log:     logger.With().Str("component", "binance").Logger(),
	}
}

func (f *BinanceFetcher) Name() string { return "binance" }

// FetchCandles returns up to limit most recent candles, ordered by open time.
// Records that fail to parse or validate are dropped and logged.
func (f *BinanceFetcher) FetchCandles(ctx context.Context, instrument string, tf model.Timeframe, limit int) ([]model.Candle, error) {
	q := url.Values{}
	q.Set("symbol", instrument)
	q.Set("interval", tf.Name)
	q.Set("limit", strconv.Itoa(limit))

	var raw [][]json.RawMessage
	if err := f.get(ctx, "klines", q, &raw); err != nil {
		return nil, err
	}

	candles := make([]model.Candle, 0, len(raw))
	for i, r := range raw {
		c, err := parseKline(instrument, tf.Name, r)
		if err == nil {
			err = c.Validate()
		}
		if err != nil {
			f.log.Warn().Err(err).Str("instrument", instrument).Int("index", i).Msg("rejected kline")
			f.metrics().CandleRejected(instrument)
			continue
		}
		candles = append(candles, c)
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].OpenTime.Before(candles[j].OpenTime) })
	return candles, nil
}

// FetchInstrumentCatalog lists every symbol quoted in the configured asset,
// de-duplicated and sorted.
func (f *BinanceFetcher) FetchInstrumentCatalog(ctx context.Context) ([]string, error) {
	var info struct {
		Symbols []struct {
			Symbol string `json:"symbol"`
		} `json:"symbols"`
	}
	if err := f.get(ctx, "exchangeInfo", nil, &info); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(info.Symbols))
	out := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Symbol == "" || !strings.HasSuffix(s.Symbol, f.QuoteAsset) {
			continue
		}
		if _, ok := seen[s.Symbol]; ok {
			continue
		}
		seen[s.Symbol] = struct{}{}
		out = append(out, s.Symbol)
	}
	sort.Strings(out)
	return out, nil
}

func (f *BinanceFetcher) get(ctx context.Context, path string, q url.Values, dst any) error {
	if err := f.Limiter.Wait(ctx); err != nil {
		return &FatalError{Op: path, Cause: err}
	}

	endpoint := f.BaseURL + "/" + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &FatalError{Op: path, Cause: err}
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return &FatalError{Op: path, Cause: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests, http.StatusTeapot:
		io.Copy(io.Discard, resp.Body)
		return &ThrottledError{
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), f.DefaultRetryAfter),
		}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &FatalError{Op: path, Cause: fmt.Errorf("status %d, body: %s", resp.StatusCode, string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return &FatalError{Op: path, Cause: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

func (f *BinanceFetcher) metrics() Metrics {
	if f.Metrics == nil {
		return noopMetrics{}
	}
	return f.Metrics
}

// parseRetryAfter reads a Retry-After value in seconds.
func parseRetryAfter(v string, fallback time.Duration) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

// parseKline converts one kline tuple. Layout:
//
//	[0] open time (ms)  [1] open  [2] high  [3] low  [4] close
//	[5] volume          [6] close time (ms)  [7..] unused
func parseKline(instrument, timeframe string, r []json.RawMessage) (model.Candle, error) {
	if len(r) < 7 {
		return model.Candle{}, &model.ValidationError{Field: "kline", Reason: fmt.Sprintf("has %d fields, want at least 7", len(r))}
	}
	openMs, err := parseMillis(r[0])
	if err != nil {
		return model.Candle{}, &model.ValidationError{Field: "open_time", Reason: err.Error()}
	}
	closeMs, err := parseMillis(r[6])
	if err != nil {
		return model.Candle{}, &model.ValidationError{Field: "close_time", Reason: err.Error()}
	}

	names := [...]string{"open", "high", "low", "close", "volume"}
	var prices [5]float64
	for i, name := range names {
		d, err := parseDecimal(r[i+1])
		if err != nil {
			return model.Candle{}, &model.ValidationError{Field: name, Reason: err.Error()}
		}
		prices[i] = d.InexactFloat64()
	}

	return model.Candle{
		Instrument: instrument,
		Timeframe:  timeframe,
		OpenTime:   time.UnixMilli(openMs).UTC(),
		CloseTime:  time.UnixMilli(closeMs).UTC(),
		Open:       prices[0],
		High:       prices[1],
		Low:        prices[2],
		Close:      prices[3],
	}, nil
}

func parseMillis(raw json.RawMessage) (int64, error) {
	var v int64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// parseDecimal accepts a quoted decimal string, as Binance sends prices.
func parseDecimal(raw json.RawMessage) (decimal.Decimal, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return decimal.Decimal{}, fmt.Errorf("not a string: %s", string(raw))
	}
	return decimal.NewFromString(s)
}
