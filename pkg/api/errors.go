package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/mosaiclabs/mosaic/pkg/models"
	"github.com/mosaiclabs/mosaic/pkg/services"
	"github.com/mosaiclabs/mosaic/pkg/store"
)

// mapServiceError translates service-layer errors into HTTP errors.
// Validation problems surface with their message; everything else maps
// by error kind so internals never leak to clients.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}

	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}

	switch models.KindOf(err) {
	case models.ErrKindInvalidInput:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case models.ErrKindUpstreamUnavailable, models.ErrKindUpstreamRateLimited, models.ErrKindTimeout:
		return echo.NewHTTPError(http.StatusBadGateway, "upstream source unavailable")
	}

	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
