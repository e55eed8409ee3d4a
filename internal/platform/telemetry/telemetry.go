// Package telemetry keeps in-process HTTP and domain metrics and exposes them
// in the Prometheus text format.
package telemetry

import (
	"context"
	"errors"
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

	"github.com/lbpcare/lbp/internal/platform/apperr"
	"github.com/lbpcare/lbp/internal/platform/events"
)

// durationBuckets are the request duration bucket boundaries in seconds.
var durationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// uploadBuckets are the request body size bucket boundaries in bytes.
var uploadBuckets = []float64{
	1_000, 100_000, 1_000_000, 10_000_000, 50_000_000,
}

// histogram counts observations into fixed buckets. Bucket counts are stored
// non-cumulative and summed at export.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
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

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}

// counterStore holds monotonically increasing counters keyed by label values.
type counterStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newCounterStore() *counterStore {
	return &counterStore{items: make(map[string]*int64)}
}

func (s *counterStore) inc(key string) {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if p, ok = s.items[key]; !ok {
			p = new(int64)
			s.items[key] = p
		}
		s.mu.Unlock()
	}
	atomic.AddInt64(p, 1)
}

func (s *counterStore) get(key string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.items[key]; ok {
		return atomic.LoadInt64(p)
	}
	return 0
}

// sortedKeys keeps the exposition output stable between scrapes.
func (s *counterStore) sortedKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LabelsKey joins label values into a store key.
func LabelsKey(values ...string) string {
	return strings.Join(values, "|")
}

// PoolStats reports database pool usage at scrape time.
type PoolStats func() (acquired, idle, total int32)

// Provider collects the service metrics.
type Provider struct {
	histMu    sync.RWMutex
	durations map[string]*histogram // keyed by method|route|status
	uploads   *histogram

	requests *counterStore
	events   *counterStore
	failures *counterStore

	activeRequests int64
	poolStats      PoolStats
}

func NewProvider() *Provider {
	return &Provider{
		durations: make(map[string]*histogram),
		uploads:   newHistogram(uploadBuckets),
		requests:  newCounterStore(),
		events:    newCounterStore(),
		failures:  newCounterStore(),
	}
}

// SetPoolStats registers the source of the database pool gauges.
func (p *Provider) SetPoolStats(fn PoolStats) {
	p.poolStats = fn
}

func (p *Provider) duration(key string) *histogram {
	p.histMu.RLock()
	h, ok := p.durations[key]
	p.histMu.RUnlock()
	if ok {
		return h
	}
	p.histMu.Lock()
	defer p.histMu.Unlock()
	if h, ok = p.durations[key]; !ok {
		h = newHistogram(durationBuckets)
		p.durations[key] = h
	}
	return h
}

// Duration returns the request duration histogram for a route, or nil.
func (p *Provider) Duration(method, route string, status int) *histogram {
	p.histMu.RLock()
	defer p.histMu.RUnlock()
	return p.durations[LabelsKey(method, route, strconv.Itoa(status))]
}

// RequestCount returns how many requests hit the route with the status.
func (p *Provider) RequestCount(method, route string, status int) int64 {
	return p.requests.get(LabelsKey(method, route, strconv.Itoa(status)))
}

// EventCount returns how many events of the type were published.
func (p *Provider) EventCount(eventType string) int64 {
	return p.events.get(eventType)
}

// EventFailed counts an event whose delivery failed after Publish returned.
func (p *Provider) EventFailed(eventType string) {
	p.failures.inc(eventType)
}

// EventFailures returns how many events of the type failed to publish.
func (p *Provider) EventFailures(eventType string) int64 {
	return p.failures.get(eventType)
}

// Middleware records request counts and durations by route pattern, and the
// body size of image uploads.
func (p *Provider) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&p.activeRequests, 1)
			defer atomic.AddInt64(&p.activeRequests, -1)

			start := time.Now()
			err := next(c)
			elapsed := time.Since(start).Seconds()

			req := c.Request()
			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}
			status := c.Response().Status
			if err != nil && !c.Response().Committed {
				status = errorStatus(err)
			}
			key := LabelsKey(req.Method, route, strconv.Itoa(status))

			p.requests.inc(key)
			p.duration(key).Observe(elapsed)
			if req.Method == http.MethodPost && strings.HasSuffix(route, "/images") && req.ContentLength > 0 {
				p.uploads.Observe(float64(req.ContentLength))
			}
			return err
		}
	}
}

// errorStatus is the status the error handler will answer with.
func errorStatus(err error) int {
	if appErr, ok := apperr.As(err); ok {
		return appErr.Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

// Publisher wraps next so that every published event is counted by type.
func (p *Provider) Publisher(next events.Publisher) events.Publisher {
	return &countingPublisher{next: next, p: p}
}

type countingPublisher struct {
	next events.Publisher
	p    *Provider
}

func (cp *countingPublisher) Publish(ctx context.Context, evt events.Event) error {
	if err := cp.next.Publish(ctx, evt); err != nil {
		cp.p.failures.inc(evt.Type)
		return err
	}
	cp.p.events.inc(evt.Type)
	return nil
}

func (cp *countingPublisher) Close() error {
	return cp.next.Close()
}

// Handler serves the metrics in Prometheus text exposition format.
func (p *Provider) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		writeHeader(&b, "lbp_http_requests_total", "Total HTTP requests by route and status.", "counter")
		for _, key := range p.requests.sortedKeys() {
			fmt.Fprintf(&b, "lbp_http_requests_total{%s} %d\n", requestLabels(key), p.requests.get(key))
		}
		b.WriteByte('\n')

		writeHeader(&b, "lbp_http_request_duration_seconds", "Duration of HTTP requests in seconds.", "histogram")
		p.histMu.RLock()
		keys := make([]string, 0, len(p.durations))
		for k := range p.durations {
			keys = append(keys, k)
		}
		p.histMu.RUnlock()
		sort.Strings(keys)
		for _, key := range keys {
			writeHistogram(&b, "lbp_http_request_duration_seconds", requestLabels(key), p.duration(key))
		}
		b.WriteByte('\n')

		writeHeader(&b, "lbp_http_active_requests", "Number of in-flight HTTP requests.", "gauge")
		fmt.Fprintf(&b, "lbp_http_active_requests %d\n\n", atomic.LoadInt64(&p.activeRequests))

		writeHeader(&b, "lbp_image_upload_size_bytes", "Size of image upload request bodies in bytes.", "histogram")
		writeHistogram(&b, "lbp_image_upload_size_bytes", "", p.uploads)
		b.WriteByte('\n')

		writeHeader(&b, "lbp_events_published_total", "Domain events published by type.", "counter")
		for _, key := range p.events.sortedKeys() {
			fmt.Fprintf(&b, "lbp_events_published_total{type=%q} %d\n", key, p.events.get(key))
		}
		b.WriteByte('\n')

		writeHeader(&b, "lbp_events_failed_total", "Domain events that failed to publish by type.", "counter")
		for _, key := range p.failures.sortedKeys() {
			fmt.Fprintf(&b, "lbp_events_failed_total{type=%q} %d\n", key, p.failures.get(key))
		}
		b.WriteByte('\n')

		if p.poolStats != nil {
			acquired, idle, total := p.poolStats()
			for _, g := range []struct {
				name, help string
				val        int32
			}{
				{"lbp_db_pool_acquired_connections", "Database connections in use.", acquired},
				{"lbp_db_pool_idle_connections", "Idle database connections.", idle},
				{"lbp_db_pool_total_connections", "Open database connections.", total},
			} {
				writeHeader(&b, g.name, g.help, "gauge")
				fmt.Fprintf(&b, "%s %d\n\n", g.name, g.val)
			}
		}

		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
	}
}

func writeHeader(b *strings.Builder, name, help, typ string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
}

func requestLabels(key string) string {
	parts := strings.SplitN(key, "|", 3)
	if len(parts) != 3 {
		return ""
	}
	return fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()

	prefix, suffix := "", ""
	if labels != "" {
		prefix = labels + ","
		suffix = "{" + labels + "}"
	}
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, total)
	fmt.Fprintf(b, "%s_sum%s %g\n", name, suffix, h.Sum())
	fmt.Fprintf(b, "%s_count%s %d\n", name, suffix, total)
}
