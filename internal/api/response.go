package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Response is the envelope every endpoint answers with.
type Response struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// FieldError describes one rejected request field.
type FieldError struct {
	Code    string         `json:"code,omitempty"`
	Field   string         `json:"field,omitempty"`
	Message string         `json:"message,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

func dataResponse(c echo.Context, status int, data any) error {
	return c.JSON(status, Response{
		Status:  status,
		Message: http.StatusText(status),
		Data:    data,
	})
}

func okResponse(c echo.Context, data any) error {
	return dataResponse(c, http.StatusOK, data)
}

func invalidResponse(c echo.Context, errs []FieldError) error {
	return dataResponse(c, http.StatusUnprocessableEntity, errs)
}

func notFoundResponse(c echo.Context, msg string) error {
	return dataResponse(c, http.StatusNotFound, msg)
}

func internalErrorResponse(c echo.Context) error {
	return dataResponse(c, http.StatusInternalServerError, "Something went wrong")
}
