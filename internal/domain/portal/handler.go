package portal

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medcare/medcare/internal/platform/auth"
	"github.com/medcare/medcare/internal/platform/hospital"
)

// Source provides the upstream reads the page view models are composed from.
// *hospital.Client satisfies it.
type Source interface {
	DashboardOverview(ctx context.Context, token string) (map[string]any, error)
	StudentHospitalInfo(ctx context.Context, token string) (map[string]any, error)
	PrincipalDashboard(ctx context.Context, token string) (map[string]any, error)
	HODDashboard(ctx context.Context, token string) (map[string]any, error)
	LowStock(ctx context.Context, token string) (map[string]any, error)
	BedAvailability(ctx context.Context, token string) (map[string]any, error)
	PendingApprovals(ctx context.Context, token string) (map[string]any, error)
}

// Sessions is what the page layer needs from the session service.
type Sessions interface {
	Ready() bool
	Resolve(sessionID string) (auth.Identity, bool)
	Touch(sessionID string)
	Invalidate(ctx context.Context, sessionID string)
}

// Handler serves the role-gated pages of the portal.
type Handler struct {
	sessions Sessions
	codec    *auth.CookieCodec
	source   Source
	log      zerolog.Logger
}

func NewHandler(sessions Sessions, codec *auth.CookieCodec, source Source, log zerolog.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		codec:    codec,
		source:   source,
		log:      log.With().Str("component", "portal").Logger(),
	}
}

// RegisterRoutes mounts the page routes. gate builds the guard middleware
// restricting a page to the given roles.
func (h *Handler) RegisterRoutes(e *echo.Echo, gate func(roles ...string) echo.MiddlewareFunc) {
	e.GET("/", h.Home)
	e.GET(auth.LoginPath, h.LoginPage)

	e.GET("/dashboard", h.page("dashboard", h.source.DashboardOverview),
		gate(hospital.RoleDoctor, hospital.RoleNurse, hospital.RoleAdmin))
	e.GET("/pharmacist", h.page("pharmacist", h.source.LowStock),
		gate(hospital.RolePharmacist, hospital.RoleAdmin))
	e.GET("/principal", h.page("principal", h.source.PrincipalDashboard),
		gate(hospital.RolePrincipal, hospital.RoleAdmin))
	e.GET("/hod", h.page("hod", h.source.HODDashboard),
		gate(hospital.RoleHOD, hospital.RoleAdmin))
	e.GET("/patient", h.page("patient", h.source.StudentHospitalInfo),
		gate(hospital.RoleStudent, hospital.RoleEmployee))
	e.GET("/admin", h.page("admin", h.source.PendingApprovals),
		gate(hospital.RoleAdmin))
	e.GET("/beds", h.page("beds", h.source.BedAvailability),
		gate(hospital.RoleDoctor, hospital.RoleNurse, hospital.RoleAdmin))
}

// Home routes the browser to wherever this user belongs.
func (h *Handler) Home(c echo.Context) error {
	if !h.sessions.Ready() {
		return restoring(c)
	}
	if ident, ok := h.sessions.Resolve(h.codec.SessionID(c)); ok {
		return c.Redirect(http.StatusSeeOther, auth.RouteForRole(ident.User.UserType))
	}
	return c.Redirect(http.StatusSeeOther, auth.LoginPath)
}

// LoginPage renders the login view model. A browser already holding a live
// session is sent straight to its landing page instead.
func (h *Handler) LoginPage(c echo.Context) error {
	if !h.sessions.Ready() {
		return restoring(c)
	}
	if ident, ok := h.sessions.Resolve(h.codec.SessionID(c)); ok {
		return c.Redirect(http.StatusSeeOther, auth.RouteForRole(ident.User.UserType))
	}
	return c.JSON(http.StatusOK, Page{Page: "login"})
}

// page builds the handler for one gated view. The guard has already resolved
// the identity and checked the role; what remains is composing the view model
// from upstream. An upstream 401 means the token behind this session is dead,
// so the session is torn down before the browser is bounced to login.
func (h *Handler) page(name string, fetch func(ctx context.Context, token string) (map[string]any, error)) echo.HandlerFunc {
	return func(c echo.Context) error {
		ident, _ := auth.IdentityFrom(c)

		data, err := fetch(c.Request().Context(), ident.Token)
		if err != nil {
			if hospital.IsUnauthorized(err) {
				h.sessions.Invalidate(c.Request().Context(), ident.SessionID)
				h.codec.Clear(c)
				return c.Redirect(http.StatusSeeOther, auth.LoginPath)
			}
			h.log.Warn().Err(err).Str("page", name).Msg("upstream data fetch failed")
			return c.JSON(http.StatusOK, Page{Page: name, User: &ident.User, Error: pageError(err)})
		}
		return c.JSON(http.StatusOK, Page{Page: name, User: &ident.User, Data: data})
	}
}

func pageError(err error) string {
	var apiErr *hospital.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return hospital.UnreachableMessage
}

func restoring(c echo.Context) error {
	c.Response().Header().Set("Retry-After", "1")
	return c.JSON(http.StatusServiceUnavailable, map[string]string{
		"status": "restoring",
		"error":  "session restore in progress",
	})
}
