package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lbpcare/lbp/internal/config"
	"github.com/lbpcare/lbp/internal/domain/imaging"
	"github.com/lbpcare/lbp/internal/domain/patient"
	"github.com/lbpcare/lbp/internal/platform/auth"
	"github.com/lbpcare/lbp/internal/platform/blobstore"
	"github.com/lbpcare/lbp/internal/platform/db"
	"github.com/lbpcare/lbp/internal/platform/events"
	"github.com/lbpcare/lbp/internal/platform/telemetry"
)

func testConfig(env string) *config.Config {
	return &config.Config{
		Env:               env,
		LogLevel:          "debug",
		CORSOrigins:       []string{"http://localhost:3000"},
		AuthSigningKey:    "test-secret",
		MaxUploadSize:     50 << 20,
		AllowedExtensions: config.DefaultAllowedExtensions,
		StorageBackend:    config.StorageLocal,
		BodyLimit:         "2M",
	}
}

func testServer(cfg *config.Config) *echo.Echo {
	return newServer(cfg, zerolog.Nop(), deps{
		patientRepo: patient.NewRepo(nil),
		imageRepo:   imaging.NewRepo(nil),
		tx:          db.NewTxManager(nil),
		store:       blobstore.NewMemoryStore(),
		publisher:   events.Nop{},
	})
}

func signToken(t *testing.T, roles ...string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestNewServer_Routes(t *testing.T) {
	e := testServer(testConfig("production"))

	registered := make(map[string]bool)
	for _, r := range e.Routes() {
		registered[r.Method+" "+r.Path] = true
	}
	for _, want := range []string{
		"GET /health",
		"GET /health/ready",
		"GET /metrics",
		"POST /api/v1/patients",
		"GET /api/v1/patients",
		"GET /api/v1/patients/:id",
		"GET /api/v1/patients/exists",
		"GET /api/v1/patients/by-study-id/:studyId",
		"PUT /api/v1/patients/:id",
		"PATCH /api/v1/patients/:id",
		"DELETE /api/v1/patients/:id",
		"GET /api/v1/workspaces/:workspaceId/patients",
		"POST /api/v1/patients/:id/images",
		"GET /api/v1/patients/:id/images",
		"GET /api/v1/images/:id",
		"GET /api/v1/images/:id/download",
		"PATCH /api/v1/images/:id",
		"DELETE /api/v1/images/:id",
	} {
		if !registered[want] {
			t.Errorf("route %s is not registered", want)
		}
	}
}

func TestNewServer_Health(t *testing.T) {
	e := testServer(testConfig("production"))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected ready with a memory store, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `route="/health"`) {
		t.Errorf("expected /health in metrics, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestNewServer_RequiresToken(t *testing.T) {
	e := testServer(testConfig("production"))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/patients", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["code"] != "UNAUTHORIZED" {
		t.Errorf("expected UNAUTHORIZED code, got %v", body)
	}
}

func TestNewServer_ResearcherCannotWrite(t *testing.T) {
	e := testServer(testConfig("production"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/patients", strings.NewReader(`{"studyId":"S001"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+signToken(t, auth.RoleResearcher))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestNewServer_InvalidIDBeforeStorage(t *testing.T) {
	e := testServer(testConfig("development"))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/patients/nope", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a malformed id, got %d", rec.Code)
	}
}

func TestNewLogger_Level(t *testing.T) {
	cfg := testConfig("production")
	cfg.LogLevel = "warn"
	var buf bytes.Buffer
	logger := newLogger(cfg, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("unexpected log output: %s", buf.String())
	}

	cfg.LogLevel = "nonsense"
	if got := newLogger(cfg, &buf).GetLevel(); got != zerolog.InfoLevel {
		t.Errorf("expected info fallback, got %s", got)
	}
}

func TestNewStore_Local(t *testing.T) {
	cfg := testConfig("development")
	cfg.UploadRoot = t.TempDir()

	store, err := newStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("newStore: %v", err)
	}
	if _, ok := store.(*blobstore.DiskStore); !ok {
		t.Errorf("expected *blobstore.DiskStore, got %T", store)
	}
}

func TestNewPublisher(t *testing.T) {
	cfg := testConfig("development")
	metrics := telemetry.NewProvider()
	if _, ok := newPublisher(cfg, zerolog.Nop(), metrics).(events.Nop); !ok {
		t.Error("expected Nop publisher without brokers")
	}

	cfg.KafkaBrokers = []string{"localhost:9092"}
	cfg.KafkaTopic = "patient-events"
	p := newPublisher(cfg, zerolog.Nop(), metrics)
	defer p.Close()
	if _, ok := p.(*events.KafkaPublisher); !ok {
		t.Errorf("expected *events.KafkaPublisher, got %T", p)
	}
}

func TestPrintStatus(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printStatus(&buf, []db.MigrationStatus{
		{Version: 1, Name: "001_patient.sql", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "002_patient_image.sql"},
	})

	out := buf.String()
	if !strings.Contains(out, "applied    2024-03-01 10:00:00") {
		t.Errorf("expected applied row, got:\n%s", out)
	}
	if !strings.Contains(out, "002_patient_image.sql") || !strings.Contains(out, "pending") {
		t.Errorf("expected pending row, got:\n%s", out)
	}
}
