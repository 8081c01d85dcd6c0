package session

import (
	"errors"
	"time"

	"github.com/medcare/medcare/internal/platform/hospital"
)

var (
	// ErrNotFound means the session ID does not map to a live session.
	ErrNotFound = errors.New("session not found")
	// ErrSnapshotNotFound means no grace snapshot exists for the session.
	ErrSnapshotNotFound = errors.New("grace snapshot not found")
	// ErrIncompleteRecord means a record arrived with only one half of the
	// token/user pair. The two are written together or not at all.
	ErrIncompleteRecord = errors.New("session record requires both token and user")
)

// State is where a session sits on the inactivity clock.
type State string

const (
	StateActive    State = "active"
	StateWarning   State = "warning"
	StateExpired   State = "expired"
	StateAnonymous State = "anonymous"
)

// Record is a live session. It exists only in gateway memory; the browser
// holds nothing but an opaque cookie pointing at it.
type Record struct {
	ID           string
	Token        string
	User         hospital.User
	LastActivity time.Time
	// Warned marks that the warning callback already fired for the current
	// idle stretch. Any activity clears it.
	Warned bool
}

// Snapshot is the durable copy of a session written at login. It exists so a
// gateway restart within the grace window does not log everyone out; it is
// read once at startup and then discarded. Timestamp is epoch milliseconds.
type Snapshot struct {
	Token     string        `json:"token"`
	User      hospital.User `json:"user"`
	Timestamp int64         `json:"timestamp"`
}

func NewSnapshot(token string, user hospital.User, at time.Time) Snapshot {
	return Snapshot{Token: token, User: user, Timestamp: at.UnixMilli()}
}

// Time returns the snapshot's creation time.
func (s Snapshot) Time() time.Time {
	return time.UnixMilli(s.Timestamp)
}

// Status is the session state as reported to the browser poll.
type Status struct {
	State            State `json:"state"`
	MinutesRemaining int   `json:"minutes_remaining,omitempty"`
	ExpiresInSeconds int   `json:"expires_in_seconds,omitempty"`
}
