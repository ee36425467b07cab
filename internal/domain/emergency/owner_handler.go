package emergency

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/vitaltags/vitaltags/internal/platform/auth"
	"github.com/vitaltags/vitaltags/internal/platform/middleware"
	"github.com/vitaltags/vitaltags/internal/platform/ratelimit"
	"github.com/vitaltags/vitaltags/pkg/pagination"
)

// OwnerHandler serves the authenticated tag management routes.
type OwnerHandler struct {
	svc     *TagService
	limiter *ratelimit.Limiter
	logger  zerolog.Logger
}

func NewOwnerHandler(svc *TagService, limiter *ratelimit.Limiter, logger zerolog.Logger) *OwnerHandler {
	return &OwnerHandler{svc: svc, limiter: limiter, logger: logger}
}

// RegisterRoutes mounts the routes on a group that already authenticates
// the caller.
func (h *OwnerHandler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/me/tags")
	g.GET("", h.ListTags)
	g.GET("/stats", h.GetStats)
	g.GET("/:id", h.GetTag)

	write := middleware.RateLimit(h.limiter, ratelimit.ClassTagWrite, h.logger)
	g.POST("", h.CreateTag, write)
	g.PUT("/:id/revoke", h.RevokeTag, write)
	g.PUT("/:id/reactivate", h.ReactivateTag, write)
	g.DELETE("/:id", h.DeleteTag, write)
}

func (h *OwnerHandler) profileID(c echo.Context) (uuid.UUID, error) {
	accountID, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid subject")
	}
	pid, err := h.svc.ProfileIDForAccount(c.Request().Context(), accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return uuid.Nil, echo.NewHTTPError(http.StatusNotFound, "profile not found")
		}
		return uuid.Nil, h.internal(err)
	}
	return pid, nil
}

func (h *OwnerHandler) internal(err error) error {
	h.logger.Error().Err(err).Msg("tag request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

func (h *OwnerHandler) tagError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "tag not found")
	case errors.Is(err, ErrTagLimit):
		return echo.NewHTTPError(http.StatusForbidden, "Tag limit reached. Revoke unused tags or upgrade your plan.")
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return h.internal(err)
}

func tagID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *OwnerHandler) ListTags(c echo.Context) error {
	pid, err := h.profileID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	filter := TagFilter{
		Status:  TagStatus(c.QueryParam("status")),
		TagType: TagType(c.QueryParam("tag_type")),
	}
	items, total, err := h.svc.List(c.Request().Context(), pid, filter, pg.Limit, pg.Offset)
	if err != nil {
		return h.tagError(err)
	}
	views := make([]*TagView, 0, len(items))
	for _, t := range items {
		views = append(views, h.svc.View(t))
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views, total, pg))
}

func (h *OwnerHandler) GetTag(c echo.Context) error {
	pid, err := h.profileID(c)
	if err != nil {
		return err
	}
	id, err := tagID(c)
	if err != nil {
		return err
	}
	t, err := h.svc.Get(c.Request().Context(), pid, id)
	if err != nil {
		return h.tagError(err)
	}
	return c.JSON(http.StatusOK, h.svc.View(t))
}

func (h *OwnerHandler) CreateTag(c echo.Context) error {
	pid, err := h.profileID(c)
	if err != nil {
		return err
	}
	var req MintRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	t, err := h.svc.Mint(c.Request().Context(), pid, req)
	if err != nil {
		return h.tagError(err)
	}
	return c.JSON(http.StatusCreated, h.svc.View(t))
}

func (h *OwnerHandler) RevokeTag(c echo.Context) error {
	pid, err := h.profileID(c)
	if err != nil {
		return err
	}
	id, err := tagID(c)
	if err != nil {
		return err
	}
	t, err := h.svc.Revoke(c.Request().Context(), pid, id)
	if err != nil {
		return h.tagError(err)
	}
	return c.JSON(http.StatusOK, h.svc.View(t))
}

func (h *OwnerHandler) ReactivateTag(c echo.Context) error {
	pid, err := h.profileID(c)
	if err != nil {
		return err
	}
	id, err := tagID(c)
	if err != nil {
		return err
	}
	t, err := h.svc.Reactivate(c.Request().Context(), pid, id)
	if err != nil {
		return h.tagError(err)
	}
	return c.JSON(http.StatusOK, h.svc.View(t))
}

func (h *OwnerHandler) DeleteTag(c echo.Context) error {
	pid, err := h.profileID(c)
	if err != nil {
		return err
	}
	id, err := tagID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), pid, id); err != nil {
		return h.tagError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *OwnerHandler) GetStats(c echo.Context) error {
	pid, err := h.profileID(c)
	if err != nil {
		return err
	}
	st, err := h.svc.Stats(c.Request().Context(), pid)
	if err != nil {
		return h.internal(err)
	}
	return c.JSON(http.StatusOK, st)
}
