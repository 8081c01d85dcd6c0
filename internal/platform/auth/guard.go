package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medcare/medcare/internal/platform/hospital"
)

// identityKey is the echo context key the guard stores the resolved identity
// under.
const identityKey = "auth.identity"

// Identity is a resolved session: who is making the request and the upstream
// token their session holds.
type Identity struct {
	SessionID string
	Token     string
	User      hospital.User
}

// SessionResolver is what the guard needs from the session layer.
type SessionResolver interface {
	// Ready reports whether startup restore has finished. Until then no
	// request may be judged unauthenticated.
	Ready() bool
	Resolve(sessionID string) (Identity, bool)
	Touch(sessionID string)
}

// Outcome is the guard's verdict for a request.
type Outcome int

const (
	// Render lets the request through to the page handler.
	Render Outcome = iota
	// Loading means startup restore is still running and the client must
	// retry; the guard never redirects in this state.
	Loading
	// Redirect sends the browser elsewhere, replacing the attempted page.
	Redirect
)

// Decision is the outcome plus the redirect target when there is one.
type Decision struct {
	Outcome Outcome
	Path    string
}

// Decide applies the access rules for a gated page, strictly in order:
// restore-in-progress wins over everything, then authentication, then role.
// An authenticated user with the wrong role is sent to their own landing
// page, never to login.
func Decide(restoring, authenticated bool, role string, allowed []string) Decision {
	if restoring {
		return Decision{Outcome: Loading}
	}
	if !authenticated {
		return Decision{Outcome: Redirect, Path: LoginPath}
	}
	if len(allowed) > 0 && !roleAllowed(role, allowed) {
		return Decision{Outcome: Redirect, Path: RouteForRole(role)}
	}
	return Decision{Outcome: Render}
}

func roleAllowed(role string, allowed []string) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

// Guard gates page routes on session state and role.
type Guard struct {
	codec    *CookieCodec
	sessions SessionResolver
	log      zerolog.Logger
}

func NewGuard(codec *CookieCodec, sessions SessionResolver, log zerolog.Logger) *Guard {
	return &Guard{
		codec:    codec,
		sessions: sessions,
		log:      log.With().Str("component", "guard").Logger(),
	}
}

// Require returns middleware restricting a route to the given roles. With no
// roles, any authenticated user passes. Requests that render count as
// activity and refresh the session's idle clock.
func (g *Guard) Require(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			var (
				ident Identity
				ok    bool
			)
			sid := g.codec.SessionID(c)
			if sid != "" {
				ident, ok = g.sessions.Resolve(sid)
			}

			d := Decide(!g.sessions.Ready(), ok, ident.User.UserType, roles)
			switch d.Outcome {
			case Loading:
				c.Response().Header().Set("Retry-After", "1")
				return c.JSON(http.StatusServiceUnavailable, map[string]string{
					"status": "restoring",
					"error":  "session restore in progress",
				})
			case Redirect:
				if sid != "" && !ok {
					// Cookie points at a session that no longer exists.
					g.codec.Clear(c)
				}
				if ok {
					g.log.Debug().
						Str("role", ident.User.UserType).
						Str("path", c.Request().URL.Path).
						Str("redirect", d.Path).
						Msg("role not permitted for route")
				}
				return c.Redirect(http.StatusSeeOther, d.Path)
			}

			g.sessions.Touch(sid)
			c.Set(identityKey, ident)
			return next(c)
		}
	}
}

// IdentityFrom returns the identity the guard resolved for this request.
func IdentityFrom(c echo.Context) (Identity, bool) {
	ident, ok := c.Get(identityKey).(Identity)
	return ident, ok
}

// SetIdentity stores a resolved identity on the request context for handlers
// that resolve sessions themselves rather than through the guard.
func SetIdentity(c echo.Context, ident Identity) {
	c.Set(identityKey, ident)
}
