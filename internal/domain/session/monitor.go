package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Hooks are the monitor's transition callbacks. OnWarning fires once per
// Active→Warning transition with the whole minutes left (rounded up);
// OnExpired fires exactly once per session teardown. Both may be nil.
type Hooks struct {
	OnWarning func(rec Record, minutesLeft int)
	OnExpired func(rec Record)
}

// Monitor enforces the inactivity policy. A single goroutine wakes on a
// short wall-clock interval and judges every session by elapsed time, not
// tick count, so a machine that slept through several intervals still
// expires sessions on schedule.
type Monitor struct {
	svc      *Service
	interval time.Duration
	hooks    Hooks
	log      zerolog.Logger

	sweepMu sync.Mutex
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	now     func() time.Time
}

func NewMonitor(svc *Service, interval time.Duration, hooks Hooks, log zerolog.Logger) *Monitor {
	return &Monitor{
		svc:      svc,
		interval: interval,
		hooks:    hooks,
		log:      log.With().Str("component", "monitor").Logger(),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the sweep loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
	m.log.Info().
		Dur("interval", m.interval).
		Dur("idle_timeout", m.svc.policy.IdleTimeout).
		Dur("warning_window", m.svc.policy.WarningWindow).
		Msg("inactivity monitor started")
}

// Close stops the loop and waits for any in-flight sweep to finish. After
// Close returns no further hook can fire. Safe to call more than once.
func (m *Monitor) Close() {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep(context.Background())
		case <-m.done:
			return
		}
	}
}

// Sweep evaluates every live session once. Expiry is judged before warning
// so a session past its deadline ends even if its warning never fired.
// Sweeps serialize; racing a sweep with the ticker cannot double-fire a
// transition because expiry takes the record atomically and the warning
// flag flips exactly once per idle stretch.
func (m *Monitor) Sweep(ctx context.Context) {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	now := m.now()
	for _, rec := range m.svc.store.List() {
		if rec.LastActivity.IsZero() {
			// First sighting: arm the clock instead of judging a session
			// that never got a timestamp.
			m.svc.store.Touch(rec.ID, now)
			continue
		}

		idle := now.Sub(rec.LastActivity)
		switch {
		case idle >= m.svc.policy.IdleTimeout:
			if expired, ok := m.svc.expireIdle(ctx, rec.ID); ok && m.hooks.OnExpired != nil {
				m.hooks.OnExpired(expired)
			}
		case idle >= m.svc.policy.IdleTimeout-m.svc.policy.WarningWindow:
			if m.svc.store.MarkWarned(rec.ID) {
				remaining := m.svc.policy.IdleTimeout - idle
				minutes := minutesCeil(remaining)
				m.log.Debug().
					Str("session_id", rec.ID).
					Int("minutes_left", minutes).
					Msg("session entering warning")
				if m.hooks.OnWarning != nil {
					m.hooks.OnWarning(rec, minutes)
				}
			}
		}
	}
}
