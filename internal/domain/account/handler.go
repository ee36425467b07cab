package account

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/vitaltags/vitaltags/internal/platform/auth"
)

type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes mounts the routes on a group that already authenticates
// the caller.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.DELETE("/me/account", h.DeleteAccount)
}

// DeleteAccount erases the caller's account and all data it owns.
func (h *Handler) DeleteAccount(c echo.Context) error {
	id, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid subject")
	}
	if _, err := h.svc.Erase(c.Request().Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "account not found")
		}
		h.logger.Error().Err(err).Msg("account erasure failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
	return c.NoContent(http.StatusNoContent)
}
