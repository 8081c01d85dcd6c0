// Package telemetry records gateway metrics and serves them in Prometheus
// text exposition format using only standard library constructs, so a scrape
// target exists without pulling in a metrics SDK.
package telemetry

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// Config holds the telemetry provider's settings.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Enabled        *bool // nil = enabled
}

func (c *Config) enabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "medcare-gateway"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// BoolPtr is a helper to create a *bool for Config fields.
func BoolPtr(b bool) *bool {
	return &b
}

// ---------------------------------------------------------------------------
// Stores
// ---------------------------------------------------------------------------

type counterStore struct {
	mu    sync.Mutex
	items map[string]int64
}

func newCounterStore() *counterStore {
	return &counterStore{items: make(map[string]int64)}
}

func (s *counterStore) add(key string, n int64) {
	s.mu.Lock()
	s.items[key] += n
	s.mu.Unlock()
}

func (s *counterStore) get(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[key]
}

// withPrefix returns label value -> count for every key under prefix.
func (s *counterStore) withPrefix(prefix string) map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64)
	for k, v := range s.items {
		if strings.HasPrefix(k, prefix) {
			out[strings.TrimPrefix(k, prefix)] = v
		}
	}
	return out
}

type gaugeStore struct {
	mu    sync.Mutex
	items map[string]int64
}

func newGaugeStore() *gaugeStore {
	return &gaugeStore{items: make(map[string]int64)}
}

func (s *gaugeStore) add(key string, delta int64) {
	s.mu.Lock()
	s.items[key] += delta
	s.mu.Unlock()
}

func (s *gaugeStore) get(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[key]
}

// histogram is a Prometheus-style histogram. Bucket counts are stored
// non-cumulative; cumulative counts are computed at export.
type histogram struct {
	mu           sync.Mutex
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          float64
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
	// Beyond every boundary: lands only in +Inf at export.
}

func (h *histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		cum[i] = running
	}
	return cum
}

type labeledHistogramStore struct {
	mu    sync.RWMutex
	items map[string]*histogram
}

func newLabeledHistogramStore() *labeledHistogramStore {
	return &labeledHistogramStore{items: make(map[string]*histogram)}
}

func (s *labeledHistogramStore) getOrCreate(key string, boundaries []float64) *histogram {
	s.mu.RLock()
	h, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return h
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.items[key]; !ok {
		h = newHistogram(boundaries)
		s.items[key] = h
	}
	return h
}

func (s *labeledHistogramStore) snapshot() map[string]*histogram {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]*histogram, len(s.items))
	for k, v := range s.items {
		cp[k] = v
	}
	return cp
}

// LabelsKey builds the map key for a labeled histogram. Exported so tests can
// construct the same key.
func LabelsKey(method, route, statusCode string) string {
	return method + "|" + route + "|" + statusCode
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// defaultDurationBuckets are histogram boundaries in seconds for HTTP request
// duration.
var defaultDurationBuckets = []float64{
	0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0,
}

// Provider owns the gateway's metric state.
type Provider struct {
	cfg Config

	counters  *counterStore
	gauges    *gaugeStore
	durations *labeledHistogramStore

	mu             sync.RWMutex
	activeSessions func() int64
}

func NewProvider(cfg Config) *Provider {
	cfg.applyDefaults()
	return &Provider{
		cfg:       cfg,
		counters:  newCounterStore(),
		gauges:    newGaugeStore(),
		durations: newLabeledHistogramStore(),
	}
}

// Resource returns the service identity attributes, surfaced on /health.
func (p *Provider) Resource() map[string]string {
	return map[string]string{
		"service.name":           p.cfg.ServiceName,
		"service.version":        p.cfg.ServiceVersion,
		"deployment.environment": p.cfg.Environment,
	}
}

// SetActiveSessionsFunc registers the callback the sessions-active gauge is
// read through at scrape time.
func (p *Provider) SetActiveSessionsFunc(fn func() int64) {
	p.mu.Lock()
	p.activeSessions = fn
	p.mu.Unlock()
}

// ActiveSessions returns the current live-session count, or 0 when no
// callback is registered.
func (p *Provider) ActiveSessions() int64 {
	p.mu.RLock()
	fn := p.activeSessions
	p.mu.RUnlock()
	if fn == nil {
		return 0
	}
	return fn()
}

// LoginResult counts one login attempt: success, failure, locked, or error.
func (p *Provider) LoginResult(result string) {
	p.counters.add("logins|"+result, 1)
}

// Logout counts one ended session: user, inactivity.
func (p *Provider) Logout(reason string) {
	p.counters.add("logouts|"+reason, 1)
}

// SessionsRestored counts sessions promoted from the grace store at startup.
func (p *Provider) SessionsRestored(n int) {
	p.counters.add("sessions_restored", int64(n))
}

// SessionWarning counts one Active->Warning transition.
func (p *Provider) SessionWarning() {
	p.counters.add("session_warnings", 1)
}

// GetCounter returns a labeled counter's value; label may be empty for plain
// counters. Exposed for tests.
func (p *Provider) GetCounter(name, label string) int64 {
	if label == "" {
		return p.counters.get(name)
	}
	return p.counters.get(name + "|" + label)
}

// GetGauge returns the named gauge's value. Exposed for tests.
func (p *Provider) GetGauge(name string) int64 {
	return p.gauges.get(name)
}

// DurationCount returns the number of observations recorded under a labeled
// duration key. Exposed for tests.
func (p *Provider) DurationCount(key string) int64 {
	p.durations.mu.RLock()
	h := p.durations.items[key]
	p.durations.mu.RUnlock()
	if h == nil {
		return 0
	}
	return h.Count()
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// Middleware records request duration by method/route/status, tracks
// in-flight requests, and derives the auth-event counters from the login and
// logout responses.
func (p *Provider) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.enabled() {
				return next(c)
			}

			p.gauges.add("http.server.active_requests", 1)
			start := time.Now()

			err := next(c)

			elapsed := time.Since(start).Seconds()
			p.gauges.add("http.server.active_requests", -1)

			status := c.Response().Status
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}

			key := LabelsKey(c.Request().Method, route, strconv.Itoa(status))
			p.durations.getOrCreate(key, defaultDurationBuckets).Observe(elapsed)

			if c.Request().Method == http.MethodPost {
				switch route {
				case "/login":
					p.LoginResult(loginResult(status))
				case "/logout":
					p.Logout("user")
				}
			}
			return err
		}
	}
}

func loginResult(status int) string {
	switch {
	case status == http.StatusOK:
		return "success"
	case status == http.StatusTooManyRequests:
		return "locked"
	case status >= 500:
		return "error"
	default:
		return "failure"
	}
}

// ---------------------------------------------------------------------------
// Prometheus exposition
// ---------------------------------------------------------------------------

// PrometheusHandler serves the metric state in Prometheus text format.
// Label sets are emitted in sorted order so scrapes are stable.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		writeLabeledCounters(&b, "gateway_logins_total",
			"Login attempts by result.", "result", p.counters.withPrefix("logins|"))
		writeLabeledCounters(&b, "gateway_logouts_total",
			"Sessions ended by reason.", "reason", p.counters.withPrefix("logouts|"))
		writePlainCounter(&b, "gateway_sessions_restored_total",
			"Sessions promoted from the grace store at startup.", p.counters.get("sessions_restored"))
		writePlainCounter(&b, "gateway_session_warnings_total",
			"Idle-warning transitions.", p.counters.get("session_warnings"))

		writeGauge(&b, "gateway_sessions_active",
			"Live sessions in the primary store.", p.ActiveSessions())
		writeGauge(&b, "http_server_active_requests",
			"Number of in-flight HTTP requests.", p.gauges.get("http.server.active_requests"))

		writeDurationHistograms(&b, "http_server_request_duration_seconds",
			"Duration of HTTP requests in seconds.", p.durations.snapshot(), defaultDurationBuckets)

		return c.String(http.StatusOK, b.String())
	}
}

func writeLabeledCounters(b *strings.Builder, name, help, label string, values map[string]int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s{%s=%q} %d\n", name, label, k, values[k])
	}
	b.WriteByte('\n')
}

func writePlainCounter(b *strings.Builder, name, help string, value int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	fmt.Fprintf(b, "%s %d\n\n", name, value)
}

func writeGauge(b *strings.Builder, name, help string, value int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s gauge\n", name)
	fmt.Fprintf(b, "%s %d\n\n", name, value)
}

func writeDurationHistograms(b *strings.Builder, name, help string,
	snap map[string]*histogram, boundaries []float64) {

	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s histogram\n", name)

	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		parts := strings.SplitN(key, "|", 3)
		if len(parts) != 3 {
			continue
		}
		labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
		writeSingleHistogram(b, name, labels, snap[key], boundaries)
	}
	b.WriteByte('\n')
}

func writeSingleHistogram(b *strings.Builder, name, labels string,
	h *histogram, boundaries []float64) {

	cum := h.cumulativeBuckets()
	total := h.Count()

	for i, boundary := range boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}
