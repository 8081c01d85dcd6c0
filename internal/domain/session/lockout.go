package session

import (
	"sync"
	"time"
)

// Lockout counts failed login attempts per username and locks the account
// out after too many inside one window. It mirrors the hospital API's own
// policy (5 attempts, 15 minutes from the first failure) so the gateway
// refuses doomed attempts without forwarding them.
type Lockout struct {
	mu       sync.Mutex
	max      int
	window   time.Duration
	attempts map[string]*attemptWindow
	now      func() time.Time
}

type attemptWindow struct {
	count     int
	expiresAt time.Time
}

func NewLockout(max int, window time.Duration) *Lockout {
	return &Lockout{
		max:      max,
		window:   window,
		attempts: make(map[string]*attemptWindow),
		now:      time.Now,
	}
}

// Locked reports whether username is locked out and, if so, for how much
// longer.
func (l *Lockout) Locked(username string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.live(username)
	if w == nil || w.count < l.max {
		return false, 0
	}
	return true, w.expiresAt.Sub(l.now())
}

// Fail records a failed attempt. The window is anchored at the first failure:
// later failures raise the count but never push the expiry out.
func (l *Lockout) Fail(username string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w := l.live(username); w != nil {
		w.count++
		return
	}
	l.attempts[username] = &attemptWindow{count: 1, expiresAt: l.now().Add(l.window)}
}

// Reset clears the counter after a successful login.
func (l *Lockout) Reset(username string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, username)
}

// live returns the current window for username, dropping it if expired.
// Callers must hold mu.
func (l *Lockout) live(username string) *attemptWindow {
	w, ok := l.attempts[username]
	if !ok {
		return nil
	}
	if !l.now().Before(w.expiresAt) {
		delete(l.attempts, username)
		return nil
	}
	return w
}
