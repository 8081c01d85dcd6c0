package auth

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Issuer identifies session cookies minted by this gateway.
const Issuer = "medcare-gateway"

// CookieCodec mints and reads the browser session cookie. The cookie value
// is a signed HS256 token whose subject is the opaque session ID; the
// upstream API token and the user record never leave the server.
type CookieCodec struct {
	name   string
	key    []byte
	secure bool
}

func NewCookieCodec(name string, key []byte, secure bool) *CookieCodec {
	return &CookieCodec{name: name, key: key, secure: secure}
}

// Issue signs sessionID into a fresh cookie on the response. The cookie is a
// session cookie (no Max-Age): closing the browser discards it, which is what
// puts the grace window in play on the next visit.
func (cc *CookieCodec) Issue(c echo.Context, sessionID string) error {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  sessionID,
		Issuer:   Issuer,
		IssuedAt: jwt.NewNumericDate(now),
		ID:       uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cc.key)
	if err != nil {
		return fmt.Errorf("sign session cookie: %w", err)
	}
	c.SetCookie(&http.Cookie{
		Name:     cc.name,
		Value:    signed,
		Path:     "/",
		HttpOnly: true,
		Secure:   cc.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// SessionID extracts and verifies the session ID from the request cookie.
// Any failure (missing cookie, bad signature, wrong issuer) yields "", which
// callers treat as an anonymous request.
func (cc *CookieCodec) SessionID(c echo.Context) string {
	cookie, err := c.Cookie(cc.name)
	if err != nil || cookie.Value == "" {
		return ""
	}
	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(cookie.Value, claims,
		func(t *jwt.Token) (interface{}, error) { return cc.key, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(Issuer),
	)
	if err != nil {
		return ""
	}
	return claims.Subject
}

// Clear overwrites the session cookie with an expired one.
func (cc *CookieCodec) Clear(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     cc.name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   cc.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
