package middleware

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// headerValueLimit caps any single header value. Beyond this is either abuse
// or a broken client.
const headerValueLimit = 8 << 10

var (
	// Warn-only: the gateway never builds SQL from request input, but a hit
	// here is worth a log entry.
	sqlPattern = regexp.MustCompile(`(?i)('+\s*;\s*DROP\b|UNION\s+SELECT\b|'\s+OR\s+1\s*=\s*1|1\s*=\s*1)`)
	// Blocked outright: script payloads have no place in a query string.
	scriptPattern = regexp.MustCompile(`(?i)(<script|javascript\s*:|on\w+\s*=)`)
)

// Sanitize rejects requests carrying well-known injection shapes before any
// handler sees them.
func Sanitize() echo.MiddlewareFunc {
	return SanitizeWithLogger(zerolog.Nop())
}

// SanitizeWithLogger is Sanitize with a logger for the warn-only checks.
func SanitizeWithLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			if reason := vetPath(req.URL); reason != "" {
				return reject(c, reason)
			}
			if reason := vetHeaders(req.Header); reason != "" {
				return reject(c, reason)
			}

			reason, sqlParam := vetQuery(req.URL.Query())
			if sqlParam != "" {
				logger.Warn().
					Str("param", sqlParam).
					Str("path", req.URL.Path).
					Str("remote_ip", c.RealIP()).
					Msg("potential SQL injection pattern detected in query parameter")
			}
			if reason != "" {
				return reject(c, reason)
			}

			return next(c)
		}
	}
}

// vetPath judges the decoded and the raw (still percent-encoded) path, so an
// encoded dot-dot cannot slip past as literal text.
func vetPath(u *url.URL) string {
	raw := u.RawPath
	if raw == "" {
		raw = u.Path
	}
	if hasTraversal(u.Path) || hasTraversal(raw) {
		return "path traversal detected"
	}
	if hasNullByte(u.Path) || hasNullByte(raw) {
		return "null byte detected in request path"
	}
	return ""
}

func vetHeaders(h http.Header) string {
	for name, values := range h {
		for _, v := range values {
			if len(v) > headerValueLimit {
				return "header value exceeds maximum size: " + name
			}
			if strings.ContainsAny(v, "\r\n") {
				return "header injection detected: " + name
			}
		}
	}
	return ""
}

// vetQuery returns a rejection reason (or "") plus the name of the first
// parameter that tripped the SQL warning, which is logged either way.
func vetQuery(q url.Values) (reason, sqlParam string) {
	for key, values := range q {
		for _, v := range values {
			if hasNullByte(v) || hasNullByte(key) {
				reason = "null byte detected in query parameter"
				continue
			}
			if sqlParam == "" && sqlPattern.MatchString(v) {
				sqlParam = key
			}
			if scriptPattern.MatchString(v) || scriptPattern.MatchString(key) {
				reason = "script injection detected in query parameter"
			}
		}
	}
	return reason, sqlParam
}

// hasTraversal reports dot-dot sequences in literal, percent-encoded, and
// double-encoded form.
func hasTraversal(s string) bool {
	if strings.Contains(s, "..") {
		return true
	}
	lower := strings.ToLower(s)
	return strings.Contains(lower, "%2e%2e") || strings.Contains(lower, "%252e")
}

func hasNullByte(s string) bool {
	return strings.ContainsRune(s, '\x00') || strings.Contains(strings.ToLower(s), "%00")
}

func reject(c echo.Context, reason string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": reason})
}
