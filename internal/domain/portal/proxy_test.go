package portal

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medcare/medcare/internal/platform/auth"
	"github.com/medcare/medcare/internal/platform/hospital"
)

type upstreamCapture struct {
	method string
	path   string
	query  string
	auth   string
	cookie string
	body   string
}

func newProxyApp(t *testing.T, upstream http.HandlerFunc, idents ...auth.Identity) (*portalApp, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	sessions := &fakeSessions{ready: true, idents: map[string]auth.Identity{}}
	for _, ident := range idents {
		sessions.idents[ident.SessionID] = ident
	}
	codec := testCodec()

	p, err := NewProxy(sessions, codec, srv.URL, 5*time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("new proxy: %v", err)
	}
	e := echo.New()
	p.Register(e)
	return &portalApp{e: e, sessions: sessions, codec: codec}, srv
}

func TestProxy_InjectsTokenAndStripsBrowserCredentials(t *testing.T) {
	var got upstreamCapture
	ident := identFor("drsmith", hospital.RoleDoctor)
	app, _ := newProxyApp(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = upstreamCapture{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			auth:   r.Header.Get("Authorization"),
			cookie: r.Header.Get("Cookie"),
			body:   string(body),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"results":[]}`))
	}, ident)
	ck := mintCookie(t, app.codec, ident.SessionID)

	req := httptest.NewRequest(http.MethodPost, "/api/doctor-availability/?available=true", strings.NewReader(`{"is_available":false}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer stolen")
	req.AddCookie(ck)
	rec := httptest.NewRecorder()
	app.e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got.path != "/api/doctor-availability/" {
		t.Errorf("upstream path = %s", got.path)
	}
	if got.query != "available=true" {
		t.Errorf("query = %s", got.query)
	}
	if got.auth != "Token tok-drsmith" {
		t.Errorf("Authorization = %q, want session token", got.auth)
	}
	if got.cookie != "" {
		t.Errorf("gateway cookie leaked upstream: %q", got.cookie)
	}
	if got.body != `{"is_available":false}` {
		t.Errorf("body = %s", got.body)
	}
	if rec.Body.String() != `{"results":[]}` {
		t.Errorf("response not relayed verbatim: %s", rec.Body.String())
	}
	if len(app.sessions.touched) != 1 {
		t.Errorf("proxied call must count as activity, touched = %v", app.sessions.touched)
	}
}

func TestProxy_AnonymousGets401(t *testing.T) {
	app, _ := newProxyApp(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be reached")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/low-stock/", nil)
	rec := httptest.NewRecorder()
	app.e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != "authentication required" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestProxy_Upstream401ClearsSession(t *testing.T) {
	ident := identFor("drsmith", hospital.RoleDoctor)
	app, _ := newProxyApp(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":"Invalid token."}`))
	}, ident)
	ck := mintCookie(t, app.codec, ident.SessionID)

	req := httptest.NewRequest(http.MethodGet, "/api/dashboard-overview/", nil)
	req.AddCookie(ck)
	rec := httptest.NewRecorder()
	app.e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected upstream 401 relayed, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Invalid token.") {
		t.Errorf("upstream body not relayed: %s", rec.Body.String())
	}
	if len(app.sessions.invalidated) != 1 {
		t.Error("expected the session invalidated on upstream 401")
	}
	var cleared bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == "medcare_session" && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Error("expected cookie cleared on upstream 401")
	}
}

func TestProxy_UpstreamDown(t *testing.T) {
	ident := identFor("drsmith", hospital.RoleDoctor)
	sessions := &fakeSessions{ready: true, idents: map[string]auth.Identity{ident.SessionID: ident}}
	codec := testCodec()
	p, err := NewProxy(sessions, codec, "http://127.0.0.1:1", time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("new proxy: %v", err)
	}
	e := echo.New()
	p.Register(e)
	ck := mintCookie(t, codec, ident.SessionID)

	req := httptest.NewRequest(http.MethodGet, "/api/low-stock/", nil)
	req.AddCookie(ck)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), hospital.UnreachableMessage) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestProxy_RestoringHoldsTheDoor(t *testing.T) {
	app, _ := newProxyApp(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be reached while restoring")
	})
	app.sessions.ready = false

	req := httptest.NewRequest(http.MethodGet, "/api/low-stock/", nil)
	rec := httptest.NewRecorder()
	app.e.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestProxy_DropsUpstreamSetCookie(t *testing.T) {
	ident := identFor("drsmith", hospital.RoleDoctor)
	app, _ := newProxyApp(t, func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "csrftoken", Value: "x"})
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}, ident)
	ck := mintCookie(t, app.codec, ident.SessionID)

	req := httptest.NewRequest(http.MethodGet, "/api/bed-availability/", nil)
	req.AddCookie(ck)
	rec := httptest.NewRecorder()
	app.e.ServeHTTP(rec, req)

	for _, c := range rec.Result().Cookies() {
		if c.Name == "csrftoken" {
			t.Error("upstream cookie must not pass through the gateway")
		}
	}
}
