package emergency

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/vitaltags/vitaltags/internal/platform/middleware"
	"github.com/vitaltags/vitaltags/internal/platform/ratelimit"
	"github.com/vitaltags/vitaltags/internal/platform/telemetry"
)

// Public error messages. The not-found text is the same for every reason a
// tag does not resolve.
const (
	msgTagNotFound        = "Emergency tag not found or has been disabled"
	msgProfileUnavailable = "Profile information unavailable"
	msgUnavailable        = "Emergency information temporarily unavailable"
)

var langPattern = regexp.MustCompile(`^[a-z]{2}$`)

// DefaultCountryHeader is the Cloudflare country header.
const DefaultCountryHeader = "CF-IPCountry"

type HandlerConfig struct {
	// CountryHeader is the edge-proxy header carrying the caller's country.
	CountryHeader string
	// Metrics is optional.
	Metrics *telemetry.Metrics
}

// Handler serves the unauthenticated emergency routes.
type Handler struct {
	resolver *Resolver
	tags     *TagService
	limiter  *ratelimit.Limiter
	cfg      HandlerConfig
	logger   zerolog.Logger
}

func NewHandler(resolver *Resolver, tags *TagService, limiter *ratelimit.Limiter, cfg HandlerConfig, logger zerolog.Logger) *Handler {
	if cfg.CountryHeader == "" {
		cfg.CountryHeader = DefaultCountryHeader
	}
	return &Handler{resolver: resolver, tags: tags, limiter: limiter, cfg: cfg, logger: logger}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/e/:short_id", h.Resolve,
		middleware.RateLimit(h.limiter, ratelimit.ClassEmergencyAccess, h.logger))
	g.GET("/e/:short_id/qr", h.QRCode,
		middleware.RateLimit(h.limiter, ratelimit.ClassQRAccess, h.logger))
	g.GET("/e/:short_id/pdf", h.PDF,
		middleware.RateLimit(h.limiter, ratelimit.ClassPDFAccess, h.logger))
	g.GET("/stats", h.Stats)
}

// Resolve handles GET /e/:short_id?lang&format&no_log.
func (h *Handler) Resolve(c echo.Context) error {
	noLog, _ := strconv.ParseBool(c.QueryParam("no_log"))
	req := ResolveRequest{
		ShortID: c.Param("short_id"),
		Format:  ParseFormat(c.QueryParam("format")),
		NoLog:   noLog,
		Meta:    h.requestMeta(c),
	}

	res, err := h.resolver.Resolve(c.Request().Context(), req)
	h.cfg.Metrics.ObserveResolution(string(req.Format), outcome(err))
	if err != nil {
		return h.resolveError(err)
	}

	if lang := c.QueryParam("lang"); langPattern.MatchString(lang) {
		c.Response().Header().Set("Content-Language", lang)
	}
	return c.JSON(http.StatusOK, res.Body())
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDataIntegrity):
		return "data_integrity"
	}
	return "unavailable"
}

func (h *Handler) resolveError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, msgTagNotFound)
	case errors.Is(err, ErrDataIntegrity):
		return echo.NewHTTPError(http.StatusInternalServerError, msgProfileUnavailable)
	default:
		h.logger.Error().Err(err).Msg("emergency resolution failed")
		return echo.NewHTTPError(http.StatusServiceUnavailable, msgUnavailable)
	}
}

func (h *Handler) requestMeta(c echo.Context) RequestMeta {
	r := c.Request()
	return RequestMeta{
		ClientIP:  c.RealIP(),
		UserAgent: r.UserAgent(),
		Referer:   r.Referer(),
		Country:   r.Header.Get(h.cfg.CountryHeader),
		Method:    ScanWeb,
	}
}

// QRCode redirects to the stored QR image of an active tag.
func (h *Handler) QRCode(c echo.Context) error {
	kind := AssetQRPNG
	switch c.QueryParam("format") {
	case "", "png":
	case "svg":
		kind = AssetQRSVG
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "format must be png or svg")
	}
	return h.redirectAsset(c, kind, "QR code not found")
}

// PDF redirects to the stored printable card of an active tag.
func (h *Handler) PDF(c echo.Context) error {
	return h.redirectAsset(c, AssetPDF, "PDF not found")
}

func (h *Handler) redirectAsset(c echo.Context, kind AssetKind, notFoundMsg string) error {
	url, err := h.tags.AssetURL(c.Request().Context(), c.Param("short_id"), kind)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, notFoundMsg)
		}
		h.logger.Error().Err(err).Str("asset", string(kind)).Msg("asset lookup failed")
		return echo.NewHTTPError(http.StatusServiceUnavailable, msgUnavailable)
	}
	return c.Redirect(http.StatusFound, url)
}

// Stats handles GET /stats.
func (h *Handler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.tags.PublicStats(c.Request().Context()))
}
