package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// durationBuckets are upper bounds in seconds for request latency.
var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.15, 0.25, 0.5, 1, 2.5, 5, 10}

// histogram stores non-cumulative bucket counts; export makes them
// cumulative.
type histogram struct {
	mu      sync.Mutex
	buckets []int64
	count   int64
	sum     uint64 // math.Float64bits
}

func newHistogram() *histogram {
	return &histogram{buckets: make([]int64, len(durationBuckets))}
}

func (h *histogram) observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		if atomic.CompareAndSwapUint64(&h.sum, old, math.Float64bits(math.Float64frombits(old)+v)) {
			break
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range durationBuckets {
		if v <= b {
			h.buckets[i]++
			return
		}
	}
}

func (h *histogram) cumulative() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int64, len(h.buckets))
	var running int64
	for i, c := range h.buckets {
		running += c
		out[i] = running
	}
	return out
}

// Metrics collects request and resolution counters and renders them in the
// Prometheus text format. A nil *Metrics is valid and records nothing.
type Metrics struct {
	mu          sync.RWMutex
	requests    map[string]*histogram // method|route|status
	resolutions map[string]*int64     // format|outcome
	gauges      map[string]gaugeFunc
	inflight    int64
}

type gaugeFunc struct {
	help string
	fn   func() float64
}

func NewMetrics() *Metrics {
	return &Metrics{
		requests:    make(map[string]*histogram),
		resolutions: make(map[string]*int64),
		gauges:      make(map[string]gaugeFunc),
	}
}

// RegisterGauge adds a gauge sampled at scrape time.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = gaugeFunc{help: help, fn: fn}
}

// ObserveResolution counts one emergency lookup by response format and
// outcome (ok, not_found, data_integrity, unavailable).
func (m *Metrics) ObserveResolution(format, outcome string) {
	if m == nil {
		return
	}
	key := format + "|" + outcome
	m.mu.RLock()
	c, ok := m.resolutions[key]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if c, ok = m.resolutions[key]; !ok {
			c = new(int64)
			m.resolutions[key] = c
		}
		m.mu.Unlock()
	}
	atomic.AddInt64(c, 1)
}

func (m *Metrics) observeRequest(method, route string, status int, d time.Duration) {
	key := method + "|" + route + "|" + strconv.Itoa(status)
	m.mu.RLock()
	h, ok := m.requests[key]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if h, ok = m.requests[key]; !ok {
			h = newHistogram()
			m.requests[key] = h
		}
		m.mu.Unlock()
	}
	h.observe(d.Seconds())
}

// Middleware records latency per route pattern. Raw paths are never used as
// labels, so short ids do not end up in the metrics.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			atomic.AddInt64(&m.inflight, 1)
			defer atomic.AddInt64(&m.inflight, -1)

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if !c.Response().Committed {
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.observeRequest(c.Request().Method, route, status, time.Since(start))
			return err
		}
	}
}

// Handler serves the metrics in Prometheus text exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.String(http.StatusOK, m.render())
	}
}

func (m *Metrics) render() string {
	var b strings.Builder
	if m == nil {
		return ""
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	const hname = "http_server_request_duration_seconds"
	fmt.Fprintf(&b, "# HELP %s Duration of HTTP requests in seconds.\n# TYPE %s histogram\n", hname, hname)
	for _, key := range sortedKeys(m.requests) {
		parts := strings.SplitN(key, "|", 3)
		labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
		h := m.requests[key]
		for i, bound := range h.cumulative() {
			fmt.Fprintf(&b, "%s_bucket{%s,le=\"%g\"} %d\n", hname, labels, durationBuckets[i], bound)
		}
		count := atomic.LoadInt64(&h.count)
		fmt.Fprintf(&b, "%s_bucket{%s,le=\"+Inf\"} %d\n", hname, labels, count)
		fmt.Fprintf(&b, "%s_sum{%s} %g\n", hname, labels, math.Float64frombits(atomic.LoadUint64(&h.sum)))
		fmt.Fprintf(&b, "%s_count{%s} %d\n", hname, labels, count)
	}
	b.WriteByte('\n')

	b.WriteString("# HELP http_server_active_requests Number of in-flight HTTP requests.\n# TYPE http_server_active_requests gauge\n")
	fmt.Fprintf(&b, "http_server_active_requests %d\n\n", atomic.LoadInt64(&m.inflight))

	b.WriteString("# HELP emergency_resolutions_total Emergency lookups by format and outcome.\n# TYPE emergency_resolutions_total counter\n")
	for _, key := range sortedKeys(m.resolutions) {
		parts := strings.SplitN(key, "|", 2)
		fmt.Fprintf(&b, "emergency_resolutions_total{format=%q,outcome=%q} %d\n", parts[0], parts[1], atomic.LoadInt64(m.resolutions[key]))
	}
	b.WriteByte('\n')

	for _, name := range sortedKeys(m.gauges) {
		g := m.gauges[name]
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n%s %g\n\n", name, g.help, name, name, g.fn())
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
