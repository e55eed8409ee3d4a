package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/lbpcare/lbp/internal/platform/auth"
)

const WorkspaceHeader = "X-Workspace-ID"

const workspaceKey = "workspace_id"

// Workspace resolves the caller's current workspace. A workspace_id token
// claim wins over the X-Workspace-ID header. Requests with neither carry no
// workspace.
func Workspace() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ws := auth.WorkspaceFromContext(c.Request().Context())
			if ws == "" {
				ws = c.Request().Header.Get(WorkspaceHeader)
			}
			if ws != "" {
				c.Set(workspaceKey, ws)
			}
			return next(c)
		}
	}
}

// WorkspaceFromContext returns the workspace resolved by Workspace, or "".
func WorkspaceFromContext(c echo.Context) string {
	ws, _ := c.Get(workspaceKey).(string)
	return ws
}
