package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/medcare/medcare/internal/domain/portal"
	"github.com/medcare/medcare/internal/domain/session"
	"github.com/medcare/medcare/internal/platform/hospital"
)

func decodePage(t *testing.T, rec *httptest.ResponseRecorder) portal.Page {
	t.Helper()
	var page portal.Page
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode page: %v: %s", err, rec.Body.String())
	}
	return page
}

// TestGateway_IdleLifecycle walks one session through the whole idle clock:
// login, activity, the warning window, an explicit extension, and finally
// expiry by the background monitor.
func TestGateway_IdleLifecycle(t *testing.T) {
	hosp := newFakeHospital(t)
	gw := newGateway(t, hosp, shortPolicy(), session.NewMemoryGraceStore(), true)

	ck := gw.login(t, "drsmith")

	rec := gw.do(http.MethodGet, "/dashboard", "", ck)
	if rec.Code != http.StatusOK {
		t.Fatalf("dashboard: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	page := decodePage(t, rec)
	if page.Page != "dashboard" || page.User == nil || page.User.Username != "drsmith" {
		t.Fatalf("unexpected dashboard view: %+v", page)
	}
	if got := page.Data["appointments_today"]; got != float64(7) {
		t.Fatalf("expected upstream dashboard data, got %v", got)
	}

	if st := decodeStatus(t, gw.do(http.MethodGet, "/session", "", ck)); st.State != session.StateActive {
		t.Fatalf("expected active right after activity, got %q", st.State)
	}

	// Run the clock into the warning window: 1s idle out of a 2s timeout with
	// a 1.2s warning window.
	time.Sleep(time.Second)
	st := decodeStatus(t, gw.do(http.MethodGet, "/session", "", ck))
	if st.State != session.StateWarning {
		t.Fatalf("expected warning after 1s idle, got %q", st.State)
	}
	if st.MinutesRemaining != 1 {
		t.Fatalf("expected 1 minute remaining (rounded up), got %d", st.MinutesRemaining)
	}

	// The poll itself is not activity: a second look must not reset the clock.
	if st := decodeStatus(t, gw.do(http.MethodGet, "/session", "", ck)); st.State != session.StateWarning {
		t.Fatalf("status poll reset the idle clock: got %q", st.State)
	}

	// Extending from the warning state restarts the clock.
	rec = gw.do(http.MethodPost, "/session/extend", "", ck)
	if rec.Code != http.StatusOK {
		t.Fatalf("extend: expected 200, got %d", rec.Code)
	}
	if st := decodeStatus(t, rec); st.State != session.StateActive {
		t.Fatalf("expected active after extend, got %q", st.State)
	}

	// Let the session idle out completely; the monitor sweeps every 50ms.
	time.Sleep(2500 * time.Millisecond)

	if st := decodeStatus(t, gw.do(http.MethodGet, "/session", "", ck)); st.State != session.StateAnonymous {
		t.Fatalf("expected anonymous after expiry sweep, got %q", st.State)
	}
	rec = gw.do(http.MethodGet, "/dashboard", "", ck)
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/login" {
		t.Fatalf("expected redirect to /login after expiry, got %d -> %q", rec.Code, rec.Header().Get("Location"))
	}
	if !clearedSessionCookie(rec) {
		t.Fatal("expected the stale cookie to be cleared on redirect")
	}
	if gw.svc.Active() != 0 {
		t.Fatalf("expected no live sessions after expiry, got %d", gw.svc.Active())
	}
}

// TestGateway_RestoreGateHoldsEarlyRequests drives requests at a gateway that
// has not finished restoring: everything session-judged answers 503, never a
// login redirect, until Bootstrap flips it ready.
func TestGateway_RestoreGateHoldsEarlyRequests(t *testing.T) {
	hosp := newFakeHospital(t)
	gw := newGateway(t, hosp, longPolicy(), session.NewMemoryGraceStore(), false)

	for _, path := range []string{"/dashboard", "/", "/api/doctor-availability/"} {
		rec := gw.do(http.MethodGet, path, "", nil)
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s before bootstrap: expected 503, got %d", path, rec.Code)
		}
		if rec.Header().Get("Retry-After") != "1" {
			t.Fatalf("%s before bootstrap: missing Retry-After header", path)
		}
		if !strings.Contains(rec.Body.String(), "restoring") {
			t.Fatalf("%s before bootstrap: expected restoring body, got %s", path, rec.Body.String())
		}
	}

	if err := gw.svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	rec := gw.do(http.MethodGet, "/dashboard", "", nil)
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/login" {
		t.Fatalf("after bootstrap: expected redirect to /login, got %d -> %q", rec.Code, rec.Header().Get("Location"))
	}
}

// TestGateway_GraceRestoreAcrossRestart logs in on one gateway instance and
// boots a second one over the same grace store: the browser's cookie keeps
// working. A third boot gets nothing, because snapshots are consumed on
// restore.
func TestGateway_GraceRestoreAcrossRestart(t *testing.T) {
	hosp := newFakeHospital(t)
	grace := session.NewMemoryGraceStore()

	gw1 := newGateway(t, hosp, longPolicy(), grace, true)
	ck := gw1.login(t, "drsmith")

	gw2 := newGateway(t, hosp, longPolicy(), grace, true)
	if gw2.svc.Active() != 1 {
		t.Fatalf("expected 1 restored session, got %d", gw2.svc.Active())
	}

	rec := gw2.do(http.MethodGet, "/dashboard", "", ck)
	if rec.Code != http.StatusOK {
		t.Fatalf("restored session rejected: %d: %s", rec.Code, rec.Body.String())
	}
	if page := decodePage(t, rec); page.User == nil || page.User.Username != "drsmith" {
		t.Fatalf("restored session lost its user: %+v", page)
	}

	gw3 := newGateway(t, hosp, longPolicy(), grace, true)
	if gw3.svc.Active() != 0 {
		t.Fatalf("snapshots must be one-shot, got %d sessions on third boot", gw3.svc.Active())
	}
	rec = gw3.do(http.MethodGet, "/dashboard", "", ck)
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/login" {
		t.Fatalf("expected login redirect on consumed snapshot, got %d", rec.Code)
	}
}

// TestGateway_ExpiredSnapshotsAreDropped seeds the grace store with one stale
// and one fresh snapshot: only the fresh one comes back, and both are removed
// from the store.
func TestGateway_ExpiredSnapshotsAreDropped(t *testing.T) {
	hosp := newFakeHospital(t)
	grace := session.NewMemoryGraceStore()
	ctx := context.Background()

	user := hospital.User{ID: 1, Username: "drsmith", UserType: hospital.RoleDoctor}
	if err := grace.Save(ctx, "stale-sid", session.NewSnapshot("tok-drsmith", user, time.Now().Add(-10*time.Minute))); err != nil {
		t.Fatalf("seed stale snapshot: %v", err)
	}
	if err := grace.Save(ctx, "fresh-sid", session.NewSnapshot("tok-drsmith", user, time.Now())); err != nil {
		t.Fatalf("seed fresh snapshot: %v", err)
	}

	gw := newGateway(t, hosp, longPolicy(), grace, true)

	if !gw.svc.IsAuthenticated("fresh-sid") {
		t.Fatal("fresh snapshot was not restored")
	}
	if gw.svc.IsAuthenticated("stale-sid") {
		t.Fatal("snapshot past the grace window was restored")
	}
	snaps, err := grace.All(ctx)
	if err != nil {
		t.Fatalf("grace.All: %v", err)
	}
	if len(snaps) != 0 {
		t.Fatalf("expected consumed grace store, found %d snapshots", len(snaps))
	}
}

// TestGateway_RedisGraceRestore runs the restart flow against a real redis
// protocol surface instead of the in-memory store.
func TestGateway_RedisGraceRestore(t *testing.T) {
	hosp := newFakeHospital(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	grace := session.NewRedisGraceStore(rdb, 5*time.Minute)

	gw1 := newGateway(t, hosp, longPolicy(), grace, true)
	ck := gw1.login(t, "stu1")

	gw2 := newGateway(t, hosp, longPolicy(), grace, true)
	if gw2.svc.Active() != 1 {
		t.Fatalf("expected 1 session restored from redis, got %d", gw2.svc.Active())
	}

	rec := gw2.do(http.MethodGet, "/patient", "", ck)
	if rec.Code != http.StatusOK {
		t.Fatalf("restored session rejected: %d: %s", rec.Code, rec.Body.String())
	}
	if page := decodePage(t, rec); page.User == nil || page.User.UserType != hospital.RoleStudent {
		t.Fatalf("restored session lost its role: %+v", page)
	}
}

// TestGateway_ProxyRelaysWithSessionToken sends an /api/* call through the
// gateway and checks what the hospital actually received: the session's
// token, and none of the browser's own credentials.
func TestGateway_ProxyRelaysWithSessionToken(t *testing.T) {
	hosp := newFakeHospital(t)
	gw := newGateway(t, hosp, longPolicy(), session.NewMemoryGraceStore(), true)

	ck := gw.login(t, "drsmith")

	req := httptest.NewRequest(http.MethodGet, "/api/doctor-availability/?ward=b2", nil)
	req.AddCookie(ck)
	req.Header.Set("Authorization", "Bearer browser-junk")
	rec := httptest.NewRecorder()
	gw.e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("proxy: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"available":true`) {
		t.Fatalf("upstream payload did not come through: %s", rec.Body.String())
	}

	seen := hosp.lastSeen(t)
	if seen.Auth != "Token tok-drsmith" {
		t.Fatalf("expected the session token upstream, got %q", seen.Auth)
	}
	if seen.Cookie != "" {
		t.Fatalf("gateway cookie leaked upstream: %q", seen.Cookie)
	}
}

func TestGateway_ProxyRejectsAnonymous(t *testing.T) {
	hosp := newFakeHospital(t)
	gw := newGateway(t, hosp, longPolicy(), session.NewMemoryGraceStore(), true)

	rec := gw.do(http.MethodGet, "/api/doctor-availability/", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous proxy call, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "authentication required") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
	if hosp.requestCount() != 0 {
		t.Fatal("anonymous request must never reach the hospital API")
	}
}

// TestGateway_LogoutEndsSessionEverywhere checks that logout kills the live
// record, the cookie, and the grace snapshot, and stays idempotent.
func TestGateway_LogoutEndsSessionEverywhere(t *testing.T) {
	hosp := newFakeHospital(t)
	grace := session.NewMemoryGraceStore()
	gw := newGateway(t, hosp, longPolicy(), grace, true)

	ck := gw.login(t, "stu1")
	if rec := gw.do(http.MethodGet, "/patient", "", ck); rec.Code != http.StatusOK {
		t.Fatalf("patient page: expected 200, got %d", rec.Code)
	}

	rec := gw.do(http.MethodPost, "/logout", "", ck)
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/login" {
		t.Fatalf("logout: expected redirect to /login, got %d -> %q", rec.Code, rec.Header().Get("Location"))
	}
	if !clearedSessionCookie(rec) {
		t.Fatal("logout did not clear the session cookie")
	}

	if rec := gw.do(http.MethodGet, "/patient", "", ck); rec.Code != http.StatusSeeOther {
		t.Fatalf("old cookie still works after logout: %d", rec.Code)
	}
	if st := decodeStatus(t, gw.do(http.MethodGet, "/session", "", ck)); st.State != session.StateAnonymous {
		t.Fatalf("expected anonymous after logout, got %q", st.State)
	}

	// Logging out again, with no session at all, still redirects.
	if rec := gw.do(http.MethodPost, "/logout", "", nil); rec.Code != http.StatusSeeOther {
		t.Fatalf("repeat logout: expected redirect, got %d", rec.Code)
	}

	// The grace snapshot died with the session: a restart restores nothing.
	gw2 := newGateway(t, hosp, longPolicy(), grace, true)
	if gw2.svc.Active() != 0 {
		t.Fatalf("logout left a restorable snapshot behind: %d sessions", gw2.svc.Active())
	}
}

// TestGateway_RoleRouting verifies that authenticated users land on their own
// pages: wrong-role access bounces to the user's landing route, never to
// login, and a live session skips the login page entirely.
func TestGateway_RoleRouting(t *testing.T) {
	hosp := newFakeHospital(t)
	gw := newGateway(t, hosp, longPolicy(), session.NewMemoryGraceStore(), true)

	student := gw.login(t, "stu1")
	for _, path := range []string{"/dashboard", "/", "/login"} {
		rec := gw.do(http.MethodGet, path, "", student)
		if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/patient" {
			t.Fatalf("GET %s as student: expected redirect to /patient, got %d -> %q",
				path, rec.Code, rec.Header().Get("Location"))
		}
	}

	doctor := gw.login(t, "drsmith")
	if rec := gw.do(http.MethodGet, "/beds", "", doctor); rec.Code != http.StatusOK {
		t.Fatalf("GET /beds as doctor: expected 200, got %d", rec.Code)
	}
	rec := gw.do(http.MethodGet, "/patient", "", doctor)
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/dashboard" {
		t.Fatalf("GET /patient as doctor: expected redirect to /dashboard, got %d -> %q",
			rec.Code, rec.Header().Get("Location"))
	}
}

// TestGateway_LockoutAfterRepeatedFailures fails login five times and checks
// the sixth attempt is refused before the hospital is consulted, while other
// accounts stay unaffected.
func TestGateway_LockoutAfterRepeatedFailures(t *testing.T) {
	hosp := newFakeHospital(t)
	gw := newGateway(t, hosp, longPolicy(), session.NewMemoryGraceStore(), true)

	bad := `{"username": "admin1", "password": "wrong"}`
	for i := 0; i < 5; i++ {
		rec := gw.do(http.MethodPost, "/login", bad, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("attempt %d: expected 400, got %d", i+1, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "Invalid credentials") {
			t.Fatalf("attempt %d: unexpected body: %s", i+1, rec.Body.String())
		}
	}

	// Even the right password is refused while locked.
	good := `{"username": "admin1", "password": "` + testPassword + `"}`
	rec := gw.do(http.MethodPost, "/login", good, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("locked login: expected 429, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "lockout_remaining") {
		t.Fatalf("locked response missing countdown: %s", rec.Body.String())
	}

	// The lockout is per-username.
	gw.login(t, "drsmith")
}
