package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medcare/medcare/internal/platform/auth"
)

// AuditEntry records one security-relevant request: who did what, when, from
// where, and how it ended.
type AuditEntry struct {
	Username   string
	Role       string
	Action     string // login, logout, register, password_change, password_reset, profile_read, profile_update, api_read, api_write
	Path       string
	Method     string
	IPAddress  string
	UserAgent  string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries. Decoupled from any concrete sink so
// tests can capture entries directly.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit returns middleware that records the authentication lifecycle and all
// proxied hospital-API access. The identity, when one was resolved for the
// request, names the actor; a login attempt has none yet and is correlated
// through the request ID instead.
//
// Entries always go to the structured log; an optional AuditRecorder receives
// them as well.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			action := actionFor(req.Method, req.URL.Path)
			if action == "" {
				return next(c)
			}

			// Run the handler first so the entry captures the outcome and
			// any identity resolved along the way.
			err := next(c)

			entry := AuditEntry{
				Action:     action,
				Path:       req.URL.Path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				Timestamp:  time.Now().UTC(),
				StatusCode: c.Response().Status,
			}
			if ident, ok := auth.IdentityFrom(c); ok {
				entry.Username = ident.User.Username
				entry.Role = ident.User.UserType
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			if len(recorders) > 0 && recorders[0] != nil {
				if recErr := recorders[0].RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "auth_audit").
				Str("request_id", entry.RequestID).
				Str("username", entry.Username).
				Str("role", entry.Role).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("audit")

			return err
		}
	}
}

// actionFor classifies a request for the audit trail; "" means not audited.
func actionFor(method, path string) string {
	switch path {
	case "/login":
		return "login"
	case "/logout":
		return "logout"
	case "/register", "/patient-register":
		return "register"
	case "/change-password":
		return "password_change"
	case "/forgot-password", "/verify-otp", "/reset-password":
		return "password_reset"
	case "/profile":
		if method == http.MethodGet {
			return "profile_read"
		}
		return "profile_update"
	}
	if strings.HasPrefix(path, "/api/") {
		if method == http.MethodGet || method == http.MethodHead {
			return "api_read"
		}
		return "api_write"
	}
	return ""
}
