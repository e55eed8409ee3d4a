package middleware

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lbpcare/lbp/internal/platform/auth"
)

const apiPrefix = "/api/v1/"

// AuditEntry records who touched which patient data and how.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	Resource   string
	ResourceID string
	PatientID  string
	Action     string
	Method     string
	Path       string
	IPAddress  string
	RequestID  string
	StatusCode int
	Timestamp  time.Time
}

// Audit logs every API call that reads or changes patient data as a
// "patient_data_access" event.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if !strings.HasPrefix(path, apiPrefix) {
				return next(c)
			}

			err := next(c)

			entry := buildAuditEntry(c)
			if err != nil && entry.StatusCode < 400 {
				// The error handler has not run yet.
				entry.StatusCode = errorStatus(err)
			}

			logger.Info().
				Str("type", "patient_data_access").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Time("at", entry.Timestamp).
				Msg("audit")

			return err
		}
	}
}

func buildAuditEntry(c echo.Context) AuditEntry {
	req := c.Request()
	ctx := req.Context()
	entry := AuditEntry{
		UserID:     auth.UserIDFromContext(ctx),
		UserRoles:  auth.RolesFromContext(ctx),
		Method:     req.Method,
		Path:       req.URL.Path,
		IPAddress:  c.RealIP(),
		StatusCode: c.Response().Status,
		Timestamp:  time.Now().UTC(),
		Action:     methodToAction(req.Method, req.URL.Path),
	}
	entry.RequestID, _ = c.Get("request_id").(string)

	segments := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, apiPrefix), "/"), "/")
	entry.Resource = segments[0]
	if len(segments) > 1 && isUUID(segments[1]) {
		entry.ResourceID = segments[1]
	}
	switch {
	case entry.Resource == "patients" && entry.ResourceID != "":
		entry.PatientID = entry.ResourceID
		if len(segments) > 2 && segments[2] == "images" {
			entry.Resource = "images"
			entry.ResourceID = ""
		}
	case entry.Resource == "workspaces" && len(segments) > 2:
		entry.Resource = "patients"
		entry.ResourceID = ""
	}
	return entry
}

func methodToAction(method, path string) string {
	switch method {
	case "POST":
		return "create"
	case "PUT", "PATCH":
		return "update"
	case "DELETE":
		return "delete"
	}
	if strings.HasSuffix(path, "/download") {
		return "download"
	}
	return "read"
}

func errorStatus(err error) int {
	status, _ := renderError(err, false)
	return status
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
