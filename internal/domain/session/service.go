package session

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medcare/medcare/internal/platform/auth"
	"github.com/medcare/medcare/internal/platform/hospital"
)

// Upstream is the slice of the hospital API the session service drives.
// *hospital.Client satisfies it.
type Upstream interface {
	Login(ctx context.Context, creds hospital.Credentials) (*hospital.AuthResponse, error)
	Register(ctx context.Context, data hospital.RegisterData) (*hospital.AuthResponse, error)
	PatientRegister(ctx context.Context, data hospital.RegisterData) (*hospital.AuthResponse, error)
	Me(ctx context.Context, token string) (*hospital.User, error)
	UpdateMe(ctx context.Context, token string, patch map[string]any) (*hospital.User, error)
	ChangePassword(ctx context.Context, token string, req hospital.ChangePasswordRequest) (string, error)
}

// Policy carries the session lifecycle timings.
type Policy struct {
	// GraceWindow is how long after login a grace snapshot may still be
	// promoted back into a live session.
	GraceWindow time.Duration
	// IdleTimeout ends a session after this much inactivity.
	IdleTimeout time.Duration
	// WarningWindow is how long before expiry the warning state begins.
	WarningWindow time.Duration
}

// Service owns the session lifecycle: restore at startup, establishment on
// login, activity tracking, and the three teardown paths (logout, idle
// expiry, upstream token rejection), which all converge on the same
// clear-everything sequence.
type Service struct {
	store    *Store
	grace    GraceStore
	upstream Upstream
	lockout  *Lockout
	policy   Policy
	log      zerolog.Logger

	ready atomic.Bool
	now   func() time.Time
}

// LoginResult is a freshly established session.
type LoginResult struct {
	SessionID string
	User      hospital.User
	Message   string
}

func NewService(store *Store, grace GraceStore, upstream Upstream, lockout *Lockout, policy Policy, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		grace:    grace,
		upstream: upstream,
		lockout:  lockout,
		policy:   policy,
		log:      log.With().Str("component", "session").Logger(),
		now:      time.Now,
	}
}

// Bootstrap restores sessions from grace snapshots, then flips the service
// ready. It runs once at startup; whatever happens, the service ends up
// ready so the guard stops answering 503. Snapshots are one-shot: promoted
// or expired, they are deleted either way.
func (s *Service) Bootstrap(ctx context.Context) error {
	defer s.ready.Store(true)

	snaps, err := s.grace.All(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("grace restore failed, starting with no sessions")
		return fmt.Errorf("load grace snapshots: %w", err)
	}

	var restored, expired int
	for id, snap := range snaps {
		if s.now().Sub(snap.Time()) <= s.policy.GraceWindow {
			rec := Record{ID: id, Token: snap.Token, User: snap.User, LastActivity: s.now()}
			if err := s.store.Put(rec); err != nil {
				s.log.Warn().Err(err).Str("session_id", id).Msg("skipping malformed grace snapshot")
			} else {
				restored++
			}
		} else {
			expired++
		}
		if err := s.grace.Delete(ctx, id); err != nil {
			s.log.Warn().Err(err).Str("session_id", id).Msg("failed to drop consumed grace snapshot")
		}
	}

	s.log.Info().Int("restored", restored).Int("expired", expired).Msg("session restore complete")
	return nil
}

// Ready reports whether Bootstrap has finished.
func (s *Service) Ready() bool {
	return s.ready.Load()
}

// Login authenticates against the hospital API and establishes a session.
// A locked-out username is refused without touching the upstream. On
// failure nothing already stored changes; only the lockout counter moves,
// and only for credential rejections.
func (s *Service) Login(ctx context.Context, creds hospital.Credentials) (*LoginResult, error) {
	if locked, remaining := s.lockout.Locked(creds.Username); locked {
		secs := int(remaining / time.Second)
		return nil, &hospital.APIError{
			StatusCode: http.StatusTooManyRequests,
			Message: fmt.Sprintf(
				"Account temporarily locked due to multiple failed login attempts. Please try again in %dm %ds.",
				secs/60, secs%60),
			LockoutRemaining: secs,
		}
	}

	resp, err := s.upstream.Login(ctx, creds)
	if err != nil {
		switch hospital.StatusOf(err) {
		case http.StatusBadRequest, http.StatusUnauthorized:
			s.lockout.Fail(creds.Username)
		}
		return nil, err
	}
	s.lockout.Reset(creds.Username)

	res, err := s.establish(ctx, resp)
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("session_id", res.SessionID).
		Str("username", res.User.Username).
		Str("role", res.User.UserType).
		Msg("session established")
	return res, nil
}

// Register creates an account but never a session: staff accounts sit
// unapproved until an admin acts, and even roles the API tokens immediately
// must still log in.
func (s *Service) Register(ctx context.Context, data hospital.RegisterData) (*hospital.AuthResponse, error) {
	resp, err := s.upstream.Register(ctx, data)
	if err != nil {
		return nil, err
	}
	resp.Token = ""
	return resp, nil
}

// PatientRegister creates a student/employee account. The API issues a
// token right away, so this establishes a session exactly like Login.
func (s *Service) PatientRegister(ctx context.Context, data hospital.RegisterData) (*LoginResult, error) {
	resp, err := s.upstream.PatientRegister(ctx, data)
	if err != nil {
		return nil, err
	}
	res, err := s.establish(ctx, resp)
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("session_id", res.SessionID).
		Str("username", res.User.Username).
		Str("role", res.User.UserType).
		Msg("session established via patient registration")
	return res, nil
}

func (s *Service) establish(ctx context.Context, resp *hospital.AuthResponse) (*LoginResult, error) {
	id := uuid.NewString()
	now := s.now()
	if err := s.store.Put(Record{ID: id, Token: resp.Token, User: resp.User, LastActivity: now}); err != nil {
		return nil, err
	}
	// Snapshot failure costs restart survival, not the session itself.
	if err := s.grace.Save(ctx, id, NewSnapshot(resp.Token, resp.User, now)); err != nil {
		s.log.Warn().Err(err).Str("session_id", id).Msg("grace snapshot write failed")
	}
	return &LoginResult{SessionID: id, User: resp.User, Message: resp.Message}, nil
}

// Logout ends a session at the user's request. Teardown order is fixed:
// primary record (which carries the activity clock) first, grace snapshot
// second, so no failure mode leaves a restorable copy of a session the
// user ended.
func (s *Service) Logout(ctx context.Context, sessionID string) {
	if rec, ok := s.teardown(ctx, sessionID); ok {
		s.log.Info().Str("session_id", sessionID).Str("username", rec.User.Username).Msg("session ended")
	}
}

// Invalidate ends a session whose token the upstream stopped honoring.
func (s *Service) Invalidate(ctx context.Context, sessionID string) {
	if rec, ok := s.teardown(ctx, sessionID); ok {
		s.log.Warn().Str("session_id", sessionID).Str("username", rec.User.Username).Msg("session invalidated, token rejected upstream")
	}
}

// expireIdle ends a session that ran out its inactivity clock. Returns the
// record and true only for the caller that actually removed it, so the
// expiry hook fires at most once however many sweeps race.
func (s *Service) expireIdle(ctx context.Context, sessionID string) (Record, bool) {
	rec, ok := s.teardown(ctx, sessionID)
	if ok {
		s.log.Info().Str("session_id", sessionID).Str("username", rec.User.Username).Msg("session expired from inactivity")
	}
	return rec, ok
}

func (s *Service) teardown(ctx context.Context, sessionID string) (Record, bool) {
	if sessionID == "" {
		return Record{}, false
	}
	rec, ok := s.store.Take(sessionID)
	if err := s.grace.Delete(ctx, sessionID); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to delete grace snapshot")
	}
	return rec, ok
}

// Profile fetches the caller's user record from the upstream and refreshes
// the copy held in the session.
func (s *Service) Profile(ctx context.Context, sessionID string) (*hospital.User, error) {
	rec, ok := s.store.Get(sessionID)
	if !ok {
		return nil, ErrNotFound
	}
	user, err := s.upstream.Me(ctx, rec.Token)
	if err != nil {
		if hospital.IsUnauthorized(err) {
			s.Invalidate(ctx, sessionID)
		}
		return nil, err
	}
	s.store.SetUser(sessionID, *user)
	return user, nil
}

// UpdateUser applies a partial profile update upstream and merges the
// returned user into the session record. The token and activity clock are
// untouched.
func (s *Service) UpdateUser(ctx context.Context, sessionID string, patch map[string]any) (*hospital.User, error) {
	rec, ok := s.store.Get(sessionID)
	if !ok {
		return nil, ErrNotFound
	}
	user, err := s.upstream.UpdateMe(ctx, rec.Token, patch)
	if err != nil {
		if hospital.IsUnauthorized(err) {
			s.Invalidate(ctx, sessionID)
		}
		return nil, err
	}
	s.store.SetUser(sessionID, *user)
	return user, nil
}

// ChangePassword relays a password change for the session's user.
func (s *Service) ChangePassword(ctx context.Context, sessionID string, req hospital.ChangePasswordRequest) (string, error) {
	rec, ok := s.store.Get(sessionID)
	if !ok {
		return "", ErrNotFound
	}
	msg, err := s.upstream.ChangePassword(ctx, rec.Token, req)
	if err != nil {
		if hospital.IsUnauthorized(err) {
			s.Invalidate(ctx, sessionID)
		}
		return "", err
	}
	return msg, nil
}

// Touch records activity on a session, restarting its idle clock.
func (s *Service) Touch(sessionID string) {
	s.store.Touch(sessionID, s.now())
}

// Extend is an explicit keep-alive, valid from the warning state, and
// returns the refreshed status.
func (s *Service) Extend(sessionID string) Status {
	s.store.Touch(sessionID, s.now())
	return s.Status(sessionID)
}

// Status reports where sessionID sits on the idle clock. Unknown sessions
// are anonymous. The status poll itself never counts as activity.
func (s *Service) Status(sessionID string) Status {
	rec, ok := s.store.Get(sessionID)
	if !ok {
		return Status{State: StateAnonymous}
	}
	return s.statusOf(rec)
}

func (s *Service) statusOf(rec Record) Status {
	last := rec.LastActivity
	if last.IsZero() {
		// not yet initialized by the monitor; treat as fresh
		last = s.now()
	}
	remaining := s.policy.IdleTimeout - s.now().Sub(last)
	switch {
	case remaining <= 0:
		return Status{State: StateExpired}
	case remaining <= s.policy.WarningWindow:
		return Status{
			State:            StateWarning,
			MinutesRemaining: minutesCeil(remaining),
			ExpiresInSeconds: int(remaining / time.Second),
		}
	default:
		return Status{State: StateActive, ExpiresInSeconds: int(remaining / time.Second)}
	}
}

// Resolve returns the identity behind a session ID, for the route guard.
func (s *Service) Resolve(sessionID string) (auth.Identity, bool) {
	rec, ok := s.store.Get(sessionID)
	if !ok {
		return auth.Identity{}, false
	}
	return auth.Identity{SessionID: rec.ID, Token: rec.Token, User: rec.User}, true
}

// IsAuthenticated reports whether sessionID maps to a live session.
func (s *Service) IsAuthenticated(sessionID string) bool {
	_, ok := s.store.Get(sessionID)
	return ok
}

// HasRole reports whether the session's user holds any of the given roles.
func (s *Service) HasRole(sessionID string, roles ...string) bool {
	rec, ok := s.store.Get(sessionID)
	if !ok {
		return false
	}
	for _, r := range roles {
		if rec.User.UserType == r {
			return true
		}
	}
	return false
}

// IsMedicalStaff reports whether the session belongs to clinical staff.
func (s *Service) IsMedicalStaff(sessionID string) bool {
	return s.HasRole(sessionID, hospital.RoleDoctor, hospital.RoleNurse, hospital.RolePharmacist)
}

// IsAdmin reports whether the session belongs to an administrator.
func (s *Service) IsAdmin(sessionID string) bool {
	return s.HasRole(sessionID, hospital.RoleAdmin)
}

// Active reports how many sessions are live.
func (s *Service) Active() int {
	return s.store.Len()
}

func minutesCeil(d time.Duration) int {
	return int((d + time.Minute - time.Nanosecond) / time.Minute)
}
