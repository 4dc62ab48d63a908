package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"SwingSentinel/internal/model"
	"SwingSentinel/internal/scheduler"
	"SwingSentinel/internal/store"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Store is the persistence the admin endpoints read and change.
type Store interface {
	Ping(ctx context.Context) error
	Instruments(ctx context.Context, tracking *bool) ([]model.Instrument, error)
	TrackedInstruments(ctx context.Context) ([]model.Instrument, error)
	SetTracking(ctx context.Context, tracking bool, names []string) ([]model.Instrument, error)
	DeleteInstrument(ctx context.Context, name string) error
	SelectOrdered(ctx context.Context, instrument, timeframe string) ([]model.Candle, error)
	Swings(ctx context.Context, instrument, timeframe string, limit int) ([]model.Swing, error)
}

// Runner triggers pipeline stages on demand.
type Runner interface {
	RunCatalogStage(ctx context.Context) (store.ReconcileResult, error)
	RunCandleStage(ctx context.Context, instruments []model.Instrument) ([]string, int)
	RunCycle(ctx context.Context) (scheduler.CycleReport, error)
}

// Handler serves the admin endpoints.
type Handler struct {
	store  Store
	runner Runner
	log    zerolog.Logger
}

// NewHandler creates a Handler.
func NewHandler(st Store, runner Runner, logger zerolog.Logger) *Handler {
	return &Handler{
		store:  st,
		runner: runner,
		log:    logger.With().Str("component", "api").Logger(),
	}
}

// RegisterRoutes mounts the endpoints on e.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.health)

	e.GET("/tradepairs", h.listInstruments)
	e.PUT("/tradepairs/status", h.setTracking)
	e.POST("/tradepairs/update", h.updateCatalog)
	e.DELETE("/tradepairs/:name", h.deleteInstrument)

	e.GET("/candles", h.listCandles)
	e.POST("/candles/update", h.updateCandles)

	e.GET("/swings", h.listSwings)
	e.POST("/cycle", h.runCycle)
}

type trackingRequest struct {
	Instruments []string `json:"tradepairs" validate:"required,min=1,dive,required"`
	Tracking    *bool    `json:"tracking" validate:"required"`
}

type seriesQuery struct {
	Instrument string `query:"tradepair_name" validate:"required"`
	Timeframe  string `query:"timeframe" validate:"required"`
}

type swingsQuery struct {
	Instrument string `query:"tradepair_name" validate:"required"`
	Timeframe  string `query:"timeframe" validate:"required"`
	Amount     *int   `query:"amount" default:"5" validate:"gte=1,lte=500"`
}

type catalogResponse struct {
	Added    []model.Instrument `json:"added_tradepairs"`
	Delisted []model.Instrument `json:"delisted_tradepairs"`
	Relisted []model.Instrument `json:"relisted_tradepairs"`
}

type cycleResponse struct {
	ID          string        `json:"cycle_id"`
	Instruments int           `json:"tradepairs"`
	Updated     []string      `json:"updated_tradepairs"`
	Inserted    int           `json:"added_candles_number"`
	Swings      []model.Swing `json:"swings"`
	NotifyError string        `json:"notify_error,omitempty"`
	Took        string        `json:"took"`
}

func (h *Handler) health(c echo.Context) error {
	if err := h.store.Ping(c.Request().Context()); err != nil {
		h.log.Error().Err(err).Msg("health check failed")
		return dataResponse(c, http.StatusServiceUnavailable, "store unreachable")
	}
	return okResponse(c, "ok")
}

func (h *Handler) listInstruments(c echo.Context) error {
	var tracking *bool
	if v := c.QueryParam("tracking"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return invalidResponse(c, []FieldError{{
				Code:    "ERR_BOOLEAN",
				Field:   "tracking",
				Message: "tracking must be true or false",
			}})
		}
		tracking = &b
	}

	list, err := h.store.Instruments(c.Request().Context(), tracking)
	if err != nil {
		h.log.Error().Err(err).Msg("list instruments")
		return internalErrorResponse(c)
	}
	return okResponse(c, map[string]any{"tradepairs": orEmpty(list)})
}

func (h *Handler) setTracking(c echo.Context) error {
	var req trackingRequest
	if errs := bindAndValidate(c, &req); errs != nil {
		return invalidResponse(c, errs)
	}

	updated, err := h.store.SetTracking(c.Request().Context(), *req.Tracking, req.Instruments)
	if err != nil {
		h.log.Error().Err(err).Msg("set tracking")
		return internalErrorResponse(c)
	}
	h.log.Info().Strs("instruments", req.Instruments).Bool("tracking", *req.Tracking).Msg("tracking changed")
	return okResponse(c, map[string]any{"tradepairs": orEmpty(updated)})
}

func (h *Handler) updateCatalog(c echo.Context) error {
	res, err := h.runner.RunCatalogStage(c.Request().Context())
	if errors.Is(err, scheduler.ErrEmptyCatalog) {
		return dataResponse(c, http.StatusBadGateway, "exchange returned an empty catalog")
	}
	if err != nil {
		return dataResponse(c, http.StatusBadGateway, err.Error())
	}
	return okResponse(c, catalogResponse{
		Added:    orEmpty(res.Added),
		Delisted: orEmpty(res.Delisted),
		Relisted: orEmpty(res.Relisted),
	})
}

func (h *Handler) deleteInstrument(c echo.Context) error {
	name := c.Param("name")
	err := h.store.DeleteInstrument(c.Request().Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		return notFoundResponse(c, "tradepair "+name+" not found")
	}
	if err != nil {
		h.log.Error().Err(err).Str("instrument", name).Msg("delete instrument")
		return internalErrorResponse(c)
	}
	h.log.Warn().Str("instrument", name).Msg("instrument deleted with its history")
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) listCandles(c echo.Context) error {
	var q seriesQuery
	if errs := bindAndValidate(c, &q); errs != nil {
		return invalidResponse(c, errs)
	}

	candles, err := h.store.SelectOrdered(c.Request().Context(), q.Instrument, q.Timeframe)
	if err != nil {
		h.log.Error().Err(err).Str("instrument", q.Instrument).Msg("list candles")
		return internalErrorResponse(c)
	}
	return okResponse(c, map[string]any{"candles": orEmpty(candles)})
}

func (h *Handler) updateCandles(c echo.Context) error {
	ctx := c.Request().Context()
	tracked, err := h.store.TrackedInstruments(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("list tracked instruments")
		return internalErrorResponse(c)
	}
	updated, inserted := h.runner.RunCandleStage(ctx, tracked)
	return okResponse(c, map[string]any{
		"updated_tradepairs":   orEmpty(updated),
		"added_candles_number": inserted,
	})
}

func (h *Handler) listSwings(c echo.Context) error {
	var q swingsQuery
	if errs := bindAndValidate(c, &q); errs != nil {
		return invalidResponse(c, errs)
	}

	swings, err := h.store.Swings(c.Request().Context(), q.Instrument, q.Timeframe, *q.Amount)
	if err != nil {
		h.log.Error().Err(err).Str("instrument", q.Instrument).Msg("list swings")
		return internalErrorResponse(c)
	}
	return okResponse(c, map[string]any{"swings": orEmpty(swings)})
}

func (h *Handler) runCycle(c echo.Context) error {
	report, err := h.runner.RunCycle(c.Request().Context())
	if err != nil {
		return dataResponse(c, http.StatusServiceUnavailable, err.Error())
	}
	resp := cycleResponse{
		ID:          report.ID,
		Instruments: report.Instruments,
		Updated:     orEmpty(report.Updated),
		Inserted:    report.Inserted,
		Swings:      orEmpty(report.Swings),
		Took:        report.Duration.String(),
	}
	if report.NotifyErr != nil {
		resp.NotifyError = report.NotifyErr.Error()
	}
	return okResponse(c, resp)
}

// orEmpty keeps empty lists as [] rather than null on the wire.
func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
