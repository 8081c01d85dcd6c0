package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medcare/medcare/internal/domain/portal"
	"github.com/medcare/medcare/internal/domain/session"
	"github.com/medcare/medcare/internal/platform/auth"
	"github.com/medcare/medcare/internal/platform/hospital"
)

// signingKey is shared by every gateway instance in a test so cookies minted
// by one instance verify on another, the way replicas share a key in
// deployment.
var signingKey = []byte("integration-test-key-0123456789ab")

const cookieName = "medcare_session"

// testPassword is the only password the fake hospital accepts.
const testPassword = "right-horse-battery"

// fakeHospital imitates the hospital API surface the gateway drives: token
// auth endpoints plus a couple of dashboard reads.
type fakeHospital struct {
	srv *httptest.Server

	mu    sync.Mutex
	users map[string]hospital.User // username → user; token is "tok-"+username
	seen  []seenRequest            // one entry per authenticated data request
}

// seenRequest records the credential headers a data request arrived with.
type seenRequest struct {
	Auth   string
	Cookie string
}

func newFakeHospital(t *testing.T) *fakeHospital {
	t.Helper()
	f := &fakeHospital{
		users: map[string]hospital.User{
			"drsmith": {ID: 1, Username: "drsmith", UserType: hospital.RoleDoctor, Email: "drsmith@medcare.example"},
			"stu1":    {ID: 2, Username: "stu1", UserType: hospital.RoleStudent},
			"admin1":  {ID: 3, Username: "admin1", UserType: hospital.RoleAdmin},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login/", f.login)
	mux.HandleFunc("/api/auth/me/", f.me)
	mux.HandleFunc("/api/dashboard-overview/", f.data(map[string]any{"appointments_today": 7}))
	mux.HandleFunc("/api/student-hospital-info/", f.data(map[string]any{"ward": "B2"}))
	mux.HandleFunc("/api/doctor-availability/", f.data(map[string]any{"available": true}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeHospital) URL() string { return f.srv.URL }

// requestCount is how many authenticated data requests have arrived.
func (f *fakeHospital) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

func (f *fakeHospital) login(w http.ResponseWriter, r *http.Request) {
	var creds hospital.Credentials
	body, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(body, &creds); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "malformed body"})
		return
	}

	f.mu.Lock()
	user, known := f.users[creds.Username]
	f.mu.Unlock()

	if !known || creds.Password != testPassword {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"non_field_errors": []string{"Invalid credentials"},
		})
		return
	}
	writeJSON(w, http.StatusOK, hospital.AuthResponse{
		Token:   "tok-" + creds.Username,
		User:    user,
		Message: "Login successful",
	})
}

func (f *fakeHospital) me(w http.ResponseWriter, r *http.Request) {
	user, ok := f.authorized(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid token."})
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// data returns a handler serving a fixed payload behind token auth.
func (f *fakeHospital) data(payload map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := f.authorized(r); !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid token."})
			return
		}
		writeJSON(w, http.StatusOK, payload)
	}
}

func (f *fakeHospital) authorized(r *http.Request) (hospital.User, bool) {
	header := r.Header.Get("Authorization")

	f.mu.Lock()
	f.seen = append(f.seen, seenRequest{Auth: header, Cookie: r.Header.Get("Cookie")})
	f.mu.Unlock()

	username, ok := strings.CutPrefix(header, "Token tok-")
	if !ok {
		return hospital.User{}, false
	}

	f.mu.Lock()
	user, known := f.users[username]
	f.mu.Unlock()
	return user, known
}

// lastSeen returns the credential headers of the most recent data request.
func (f *fakeHospital) lastSeen(t *testing.T) seenRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.seen) == 0 {
		t.Fatal("no request reached the hospital API")
	}
	return f.seen[len(f.seen)-1]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// shortPolicy keeps the whole idle lifecycle inside a few wall-clock seconds.
func shortPolicy() session.Policy {
	return session.Policy{
		GraceWindow:   5 * time.Minute,
		IdleTimeout:   2 * time.Second,
		WarningWindow: 1200 * time.Millisecond,
	}
}

// longPolicy takes the clock out of the picture for tests exercising routing
// and restore semantics rather than idle expiry.
func longPolicy() session.Policy {
	return session.Policy{
		GraceWindow:   5 * time.Minute,
		IdleTimeout:   30 * time.Minute,
		WarningWindow: 5 * time.Minute,
	}
}

// gatewayHarness is one assembled gateway instance: the full route surface
// over a fake hospital, with its own stores.
type gatewayHarness struct {
	e       *echo.Echo
	svc     *session.Service
	monitor *session.Monitor
	hosp    *fakeHospital
}

// newGateway wires the gateway the way the serve command does, minus the
// ambient middleware that plays no part in lifecycle semantics. When boot is
// false the caller owns Bootstrap, to observe the restoring state.
func newGateway(t *testing.T, hosp *fakeHospital, pol session.Policy, grace session.GraceStore, boot bool) *gatewayHarness {
	t.Helper()

	logger := zerolog.Nop()
	client := hospital.NewClient(hosp.URL(), 2*time.Second, logger)
	svc := session.NewService(session.NewStore(), grace, client, session.NewLockout(5, 15*time.Minute), pol, logger)
	codec := auth.NewCookieCodec(cookieName, signingKey, false)
	guard := auth.NewGuard(codec, svc, logger)

	e := echo.New()
	session.NewHandler(svc, codec, client).RegisterRoutes(e, guard.Require)
	portal.NewHandler(svc, codec, client, logger).RegisterRoutes(e, guard.Require)

	proxy, err := portal.NewProxy(svc, codec, hosp.URL(), 2*time.Second, logger)
	if err != nil {
		t.Fatalf("build proxy: %v", err)
	}
	proxy.Register(e)

	monitor := session.NewMonitor(svc, 50*time.Millisecond, session.Hooks{}, logger)
	t.Cleanup(monitor.Close)

	if boot {
		if err := svc.Bootstrap(context.Background()); err != nil {
			t.Fatalf("bootstrap: %v", err)
		}
		monitor.Start()
	}

	return &gatewayHarness{e: e, svc: svc, monitor: monitor, hosp: hosp}
}

func (h *gatewayHarness) do(method, path, body string, cookie *http.Cookie) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	h.e.ServeHTTP(rec, req)
	return rec
}

// login authenticates username against the fake hospital and returns the
// session cookie.
func (h *gatewayHarness) login(t *testing.T, username string) *http.Cookie {
	t.Helper()
	body := fmt.Sprintf(`{"username": %q, "password": %q}`, username, testPassword)
	rec := h.do(http.MethodPost, "/login", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	ck := liveSessionCookie(rec)
	if ck == nil {
		t.Fatal("login did not set a session cookie")
	}
	return ck
}

// liveSessionCookie returns the session cookie from a response, or nil if the
// response only cleared it.
func liveSessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == cookieName && ck.MaxAge >= 0 && ck.Value != "" {
			return ck
		}
	}
	return nil
}

// clearedSessionCookie reports whether the response expired the session cookie.
func clearedSessionCookie(rec *httptest.ResponseRecorder) bool {
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == cookieName && ck.MaxAge < 0 {
			return true
		}
	}
	return false
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) session.Status {
	t.Helper()
	var st session.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return st
}
