package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/lbpcare/lbp/internal/platform/apperr"
	"github.com/lbpcare/lbp/internal/platform/events"
)

func newTestEcho(p *Provider) *echo.Echo {
	e := echo.New()
	e.Use(p.Middleware())
	e.GET("/api/v1/patients/:id", func(c echo.Context) error {
		if c.Param("id") == "missing" {
			return apperr.ErrPatientNotFound
		}
		return c.String(http.StatusOK, "ok")
	})
	e.POST("/api/v1/patients/:id/images", func(c echo.Context) error {
		return c.NoContent(http.StatusCreated)
	})
	e.GET("/metrics", p.Handler())
	return e
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHistogram_Buckets(t *testing.T) {
	h := newHistogram([]float64{1, 5, 10})
	for _, v := range []float64{0.5, 1, 3, 7, 20} {
		h.Observe(v)
	}
	if h.Count() != 5 {
		t.Fatalf("expected 5 observations, got %d", h.Count())
	}
	if h.Sum() != 31.5 {
		t.Errorf("expected sum 31.5, got %g", h.Sum())
	}
	cum := h.cumulativeBuckets()
	want := []int64{2, 3, 4}
	for i := range want {
		if cum[i] != want[i] {
			t.Errorf("bucket %d: expected %d, got %d", i, want[i], cum[i])
		}
	}
}

func TestHistogram_ConcurrentObserve(t *testing.T) {
	h := newHistogram(durationBuckets)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h.Observe(0.001)
			}
		}()
	}
	wg.Wait()
	if h.Count() != 5000 {
		t.Errorf("expected 5000 observations, got %d", h.Count())
	}
}

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	p := NewProvider()
	e := newTestEcho(p)

	do(e, http.MethodGet, "/api/v1/patients/a", "")
	do(e, http.MethodGet, "/api/v1/patients/b", "")

	if got := p.RequestCount(http.MethodGet, "/api/v1/patients/:id", http.StatusOK); got != 2 {
		t.Errorf("expected 2 requests on the route pattern, got %d", got)
	}
	h := p.Duration(http.MethodGet, "/api/v1/patients/:id", http.StatusOK)
	if h == nil || h.Count() != 2 {
		t.Fatalf("expected duration histogram with 2 observations, got %v", h)
	}
}

func TestMiddleware_ErrorStatus(t *testing.T) {
	p := NewProvider()
	e := newTestEcho(p)

	rec := do(e, http.MethodGet, "/api/v1/patients/missing", "")
	if rec.Code != http.StatusNotFound && rec.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if got := p.RequestCount(http.MethodGet, "/api/v1/patients/:id", http.StatusNotFound); got != 1 {
		t.Errorf("expected the error to be recorded as 404, got %d", got)
	}
}

func TestMiddleware_UploadSize(t *testing.T) {
	p := NewProvider()
	e := newTestEcho(p)

	do(e, http.MethodPost, "/api/v1/patients/p1/images", strings.Repeat("x", 2048))
	if p.uploads.Count() != 1 || p.uploads.Sum() != 2048 {
		t.Errorf("expected one 2048-byte upload, got count=%d sum=%g", p.uploads.Count(), p.uploads.Sum())
	}
}

func TestPublisher_CountsByType(t *testing.T) {
	p := NewProvider()
	rec := &events.Recorder{}
	pub := p.Publisher(rec)

	evt, err := events.New(events.PatientCreated, "p1", "p1", nil)
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	if err := pub.Publish(context.Background(), evt); err != nil {
		t.Fatalf("publish: %v", err)
	}
	rec.Err = errors.New("broker down")
	if err := pub.Publish(context.Background(), evt); err == nil {
		t.Fatal("expected publish error to pass through")
	}

	if got := p.EventCount(events.PatientCreated); got != 1 {
		t.Errorf("expected 1 published event, got %d", got)
	}
	if got := p.EventFailures(events.PatientCreated); got != 1 {
		t.Errorf("expected 1 failed event, got %d", got)
	}
	p.EventFailed(events.PatientCreated)
	if got := p.EventFailures(events.PatientCreated); got != 2 {
		t.Errorf("expected asynchronous failure to be counted, got %d", got)
	}
	if len(rec.Events()) != 2 {
		t.Errorf("expected both events forwarded, got %d", len(rec.Events()))
	}
}

func TestHandler_Exposition(t *testing.T) {
	p := NewProvider()
	p.SetPoolStats(func() (int32, int32, int32) { return 3, 2, 5 })
	e := newTestEcho(p)

	do(e, http.MethodGet, "/api/v1/patients/a", "")
	evt, _ := events.New(events.ImageUploaded, "i1", "p1", nil)
	p.Publisher(events.Nop{}).Publish(context.Background(), evt)

	rec := do(e, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("expected text/plain, got %s", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`# TYPE lbp_http_requests_total counter`,
		`lbp_http_requests_total{method="GET",route="/api/v1/patients/:id",status_code="200"} 1`,
		`lbp_http_request_duration_seconds_bucket{method="GET",route="/api/v1/patients/:id",status_code="200",le="+Inf"} 1`,
		`lbp_http_request_duration_seconds_count{method="GET",route="/api/v1/patients/:id",status_code="200"} 1`,
		`lbp_events_published_total{type="image.uploaded"} 1`,
		`lbp_db_pool_acquired_connections 3`,
		`lbp_db_pool_total_connections 5`,
		`lbp_image_upload_size_bytes_count 0`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected exposition to contain %q\n%s", want, body)
		}
	}
}
