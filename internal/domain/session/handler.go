package session

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medcare/medcare/internal/platform/auth"
	"github.com/medcare/medcare/internal/platform/hospital"
)

// Forwarder relays raw request bodies to the upstream API. Used for the OTP
// password-reset flow, whose payloads the gateway surfaces verbatim.
type Forwarder interface {
	Forward(ctx context.Context, method, path, token string, body io.Reader) (int, []byte, error)
}

// Handler exposes the session lifecycle over HTTP.
type Handler struct {
	svc   *Service
	codec *auth.CookieCodec
	fw    Forwarder
}

func NewHandler(svc *Service, codec *auth.CookieCodec, fw Forwarder) *Handler {
	return &Handler{svc: svc, codec: codec, fw: fw}
}

// RegisterRoutes mounts the auth surface. gate builds the guard middleware
// for routes that demand a live session.
func (h *Handler) RegisterRoutes(e *echo.Echo, gate func(roles ...string) echo.MiddlewareFunc) {
	e.POST("/login", h.Login)
	e.POST("/register", h.Register)
	e.POST("/patient-register", h.PatientRegister)
	e.POST("/logout", h.Logout)
	e.GET("/session", h.Status)
	e.POST("/session/extend", h.Extend)
	e.POST("/forgot-password", h.ForgotPassword)
	e.POST("/verify-otp", h.VerifyOTP)
	e.POST("/reset-password", h.ResetPassword)

	authed := gate()
	e.GET("/profile", h.Profile, authed)
	e.PATCH("/profile", h.UpdateProfile, authed)
	e.POST("/change-password", h.ChangePassword, authed)
}

func (h *Handler) Login(c echo.Context) error {
	var creds hospital.Credentials
	if err := c.Bind(&creds); err != nil {
		return c.JSON(http.StatusBadRequest, failure("invalid request body"))
	}

	res, err := h.svc.Login(c.Request().Context(), creds)
	if err != nil {
		return h.writeAuthError(c, err)
	}
	if err := h.codec.Issue(c, res.SessionID); err != nil {
		h.svc.Logout(c.Request().Context(), res.SessionID)
		return c.JSON(http.StatusInternalServerError, failure("failed to establish session"))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"user":    res.User,
		"message": res.Message,
	})
}

func (h *Handler) Register(c echo.Context) error {
	var data hospital.RegisterData
	if err := c.Bind(&data); err != nil {
		return c.JSON(http.StatusBadRequest, failure("invalid request body"))
	}

	resp, err := h.svc.Register(c.Request().Context(), data)
	if err != nil {
		return h.writeAuthError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"success": true,
		"user":    resp.User,
		"message": resp.Message,
	})
}

func (h *Handler) PatientRegister(c echo.Context) error {
	var data hospital.RegisterData
	if err := c.Bind(&data); err != nil {
		return c.JSON(http.StatusBadRequest, failure("invalid request body"))
	}

	res, err := h.svc.PatientRegister(c.Request().Context(), data)
	if err != nil {
		return h.writeAuthError(c, err)
	}
	if err := h.codec.Issue(c, res.SessionID); err != nil {
		h.svc.Logout(c.Request().Context(), res.SessionID)
		return c.JSON(http.StatusInternalServerError, failure("failed to establish session"))
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"success": true,
		"user":    res.User,
		"message": res.Message,
	})
}

// Logout tears the session down before redirecting, so the browser lands on
// the login page with every trace already gone. Idempotent: logging out
// twice, or with no session at all, still redirects.
func (h *Handler) Logout(c echo.Context) error {
	h.svc.Logout(c.Request().Context(), h.codec.SessionID(c))
	h.codec.Clear(c)
	return c.Redirect(http.StatusSeeOther, auth.LoginPath)
}

// Status reports the session's place on the idle clock. This is the poll
// the warning banner drives on, so it deliberately does not touch activity:
// watching the countdown must not reset it.
func (h *Handler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Status(h.codec.SessionID(c)))
}

func (h *Handler) Extend(c echo.Context) error {
	sid := h.codec.SessionID(c)
	if sid == "" || !h.svc.IsAuthenticated(sid) {
		return c.JSON(http.StatusUnauthorized, failure("no active session"))
	}
	return c.JSON(http.StatusOK, h.svc.Extend(sid))
}

func (h *Handler) Profile(c echo.Context) error {
	ident, _ := auth.IdentityFrom(c)
	user, err := h.svc.Profile(c.Request().Context(), ident.SessionID)
	if err != nil {
		return h.writeGatedError(c, err)
	}
	return c.JSON(http.StatusOK, user)
}

func (h *Handler) UpdateProfile(c echo.Context) error {
	var patch map[string]any
	if err := c.Bind(&patch); err != nil {
		return c.JSON(http.StatusBadRequest, failure("invalid request body"))
	}

	ident, _ := auth.IdentityFrom(c)
	user, err := h.svc.UpdateUser(c.Request().Context(), ident.SessionID, patch)
	if err != nil {
		return h.writeGatedError(c, err)
	}
	return c.JSON(http.StatusOK, user)
}

func (h *Handler) ChangePassword(c echo.Context) error {
	var req hospital.ChangePasswordRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, failure("invalid request body"))
	}

	ident, _ := auth.IdentityFrom(c)
	msg, err := h.svc.ChangePassword(c.Request().Context(), ident.SessionID, req)
	if err != nil {
		return h.writeGatedError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": msg})
}

// The OTP reset flow has no session side effects; upstream status and body
// pass through untouched.

func (h *Handler) ForgotPassword(c echo.Context) error {
	return h.forward(c, "/api/users/forgot_password/")
}

func (h *Handler) VerifyOTP(c echo.Context) error {
	return h.forward(c, "/api/users/verify_otp/")
}

func (h *Handler) ResetPassword(c echo.Context) error {
	return h.forward(c, "/api/users/reset_password/")
}

func (h *Handler) forward(c echo.Context, path string) error {
	status, payload, err := h.fw.Forward(c.Request().Context(), http.MethodPost, path, "", c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadGateway, failure(hospital.UnreachableMessage))
	}
	if len(payload) == 0 {
		return c.NoContent(status)
	}
	return c.JSONBlob(status, payload)
}

// writeAuthError renders upstream and lockout failures for the public auth
// endpoints, passing the upstream status through.
func (h *Handler) writeAuthError(c echo.Context, err error) error {
	var apiErr *hospital.APIError
	if errors.As(err, &apiErr) {
		body := failure(apiErr.Message)
		if apiErr.LockoutRemaining > 0 {
			body["lockout_remaining"] = apiErr.LockoutRemaining
		}
		return c.JSON(apiErr.StatusCode, body)
	}
	if errors.Is(err, hospital.ErrUnreachable) {
		return c.JSON(http.StatusBadGateway, failure(hospital.UnreachableMessage))
	}
	return c.JSON(http.StatusInternalServerError, failure("internal error"))
}

// writeGatedError is writeAuthError for endpoints behind the guard: an
// upstream 401 means the session was just invalidated, so the cookie dies
// with it.
func (h *Handler) writeGatedError(c echo.Context, err error) error {
	if hospital.IsUnauthorized(err) {
		h.codec.Clear(c)
	}
	if errors.Is(err, ErrNotFound) {
		h.codec.Clear(c)
		return c.JSON(http.StatusUnauthorized, failure("no active session"))
	}
	return h.writeAuthError(c, err)
}

func failure(msg string) map[string]any {
	return map[string]any{"success": false, "error": msg}
}
