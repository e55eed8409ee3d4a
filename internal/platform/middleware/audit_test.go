package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lbpcare/lbp/internal/platform/apperr"
	"github.com/lbpcare/lbp/internal/platform/auth"
)

const testPatientID = "3f1c8e52-6a43-4d7e-9b7a-1f2e3d4c5b6a"
const testImageID = "9a8b7c6d-5e4f-4a3b-8c2d-1e0f9a8b7c6d"

func auditRun(t *testing.T, method, path string, handler echo.HandlerFunc) (map[string]interface{}, bool) {
	t.Helper()
	var buf bytes.Buffer
	e := echo.New()
	req := httptest.NewRequest(method, path, nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), "doc-1", []string{auth.RoleDoctor}, ""))
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set("request_id", "req-123")

	Audit(zerolog.New(&buf))(handler)(c)

	if buf.Len() == 0 {
		return nil, false
	}
	var line map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("failed to parse audit line %q: %v", buf.String(), err)
	}
	return line, true
}

func TestAudit_PatientRead(t *testing.T) {
	line, ok := auditRun(t, http.MethodGet, "/api/v1/patients/"+testPatientID, okHandler)
	if !ok {
		t.Fatal("expected an audit line")
	}
	checks := map[string]interface{}{
		"type":       "patient_data_access",
		"user_id":    "doc-1",
		"resource":   "patients",
		"patient_id": testPatientID,
		"action":     "read",
		"request_id": "req-123",
		"status":     float64(http.StatusOK),
	}
	for k, want := range checks {
		if line[k] != want {
			t.Errorf("%s: got %v, want %v", k, line[k], want)
		}
	}
}

func TestAudit_ImageUpload(t *testing.T) {
	line, _ := auditRun(t, http.MethodPost, "/api/v1/patients/"+testPatientID+"/images", func(c echo.Context) error {
		return c.NoContent(http.StatusCreated)
	})
	if line["resource"] != "images" || line["patient_id"] != testPatientID || line["action"] != "create" {
		t.Errorf("unexpected entry: %v", line)
	}
}

func TestAudit_ImageDownload(t *testing.T) {
	line, _ := auditRun(t, http.MethodGet, "/api/v1/images/"+testImageID+"/download", okHandler)
	if line["resource"] != "images" || line["resource_id"] != testImageID || line["action"] != "download" {
		t.Errorf("unexpected entry: %v", line)
	}
}

func TestAudit_ErrorStatus(t *testing.T) {
	line, _ := auditRun(t, http.MethodDelete, "/api/v1/patients/"+testPatientID, func(c echo.Context) error {
		return apperr.ErrPatientNotFound
	})
	if line["status"] != float64(http.StatusNotFound) || line["action"] != "delete" {
		t.Errorf("unexpected entry: %v", line)
	}
}

func TestAudit_SkipsNonAPIPaths(t *testing.T) {
	if _, ok := auditRun(t, http.MethodGet, "/health", okHandler); ok {
		t.Error("expected no audit line for /health")
	}
}
