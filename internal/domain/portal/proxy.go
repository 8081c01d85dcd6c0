package portal

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medcare/medcare/internal/platform/auth"
	"github.com/medcare/medcare/internal/platform/hospital"
)

// Proxy relays /api/* to the hospital service for an authenticated browser,
// swapping the session cookie for the session's upstream token. The client's
// data calls flow through unchanged; the browser never sees the token.
type Proxy struct {
	sessions Sessions
	codec    *auth.CookieCodec
	target   *url.URL
	httpc    *http.Client
	log      zerolog.Logger
}

func NewProxy(sessions Sessions, codec *auth.CookieCodec, upstreamURL string, timeout time.Duration, log zerolog.Logger) (*Proxy, error) {
	target, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url %q: %w", upstreamURL, err)
	}
	return &Proxy{
		sessions: sessions,
		codec:    codec,
		target:   target,
		httpc:    &http.Client{Timeout: timeout},
		log:      log.With().Str("component", "proxy").Logger(),
	}, nil
}

func (p *Proxy) Register(e *echo.Echo) {
	e.Any("/api/*", p.Relay)
}

// Relay forwards one request. Proxied calls count as activity. An upstream
// 401 means the token is revoked; the session is cleared before the response
// reaches the client so the very next request lands on login.
func (p *Proxy) Relay(c echo.Context) error {
	if !p.sessions.Ready() {
		return restoring(c)
	}

	sid := p.codec.SessionID(c)
	ident, ok := p.sessions.Resolve(sid)
	if !ok {
		if sid != "" {
			p.codec.Clear(c)
		}
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "authentication required"})
	}
	p.sessions.Touch(sid)
	auth.SetIdentity(c, ident)

	req := c.Request()
	out, err := http.NewRequestWithContext(req.Context(), req.Method, p.rewrite(req.URL), req.Body)
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": hospital.UnreachableMessage})
	}
	copyProxyHeaders(out.Header, req.Header)
	out.Header.Set("Authorization", "Token "+ident.Token)

	resp, err := p.httpc.Do(out)
	if err != nil {
		p.log.Warn().Err(err).Str("method", req.Method).Str("path", req.URL.Path).Msg("proxy request failed")
		return c.JSON(http.StatusBadGateway, map[string]string{"error": hospital.UnreachableMessage})
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		p.sessions.Invalidate(req.Context(), sid)
		p.codec.Clear(c)
	}

	header := c.Response().Header()
	for k, vv := range resp.Header {
		// The gateway owns the cookie space.
		if hopByHop(k) || strings.EqualFold(k, "Set-Cookie") {
			continue
		}
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)
	_, err = io.Copy(c.Response(), resp.Body)
	return err
}

// rewrite points the request path at the upstream host. The /api prefix is
// shared between the gateway and the hospital service, so the path itself
// carries over as-is.
func (p *Proxy) rewrite(u *url.URL) string {
	out := *p.target
	out.Path = strings.TrimSuffix(p.target.Path, "/") + u.Path
	out.RawQuery = u.RawQuery
	return out.String()
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func hopByHop(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

// copyProxyHeaders forwards request headers, dropping hop-by-hop fields plus
// the gateway's own cookie and any client-supplied Authorization: upstream
// credentials come from the session, never from the browser.
func copyProxyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if hopByHop(k) || strings.EqualFold(k, "Cookie") || strings.EqualFold(k, "Authorization") {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
