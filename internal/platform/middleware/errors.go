package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lbpcare/lbp/internal/platform/apperr"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// ErrorHandler renders business errors with their code and status. Anything
// unexpected becomes a 500 whose detail is only exposed when dev is true.
func ErrorHandler(logger zerolog.Logger, dev bool) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := renderError(err, dev)
		if status >= 500 {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).Str("request_id", rid).Msg("unhandled error")
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(status)
		} else {
			writeErr = c.JSON(status, body)
		}
		if writeErr != nil {
			logger.Error().Err(writeErr).Msg("failed to write error response")
		}
	}
}

func renderError(err error, dev bool) (int, ErrorResponse) {
	if appErr, ok := apperr.As(err); ok {
		body := ErrorResponse{Error: appErr.Message, Code: appErr.Code}
		if dev && appErr.Err != nil {
			body.Message = appErr.Err.Error()
		}
		return appErr.Status, body
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		msg := http.StatusText(httpErr.Code)
		if httpErr.Message != nil {
			msg = fmt.Sprint(httpErr.Message)
		}
		return httpErr.Code, ErrorResponse{Error: msg, Code: statusCode(httpErr.Code)}
	}

	body := ErrorResponse{Error: "internal server error", Code: apperr.CodeInternal}
	if dev {
		body.Message = err.Error()
	}
	return http.StatusInternalServerError, body
}

// statusCode turns 404 into NOT_FOUND, 405 into METHOD_NOT_ALLOWED, etc.
func statusCode(status int) string {
	if status >= 500 {
		return apperr.CodeInternal
	}
	text := http.StatusText(status)
	if text == "" {
		return "HTTP_" + fmt.Sprint(status)
	}
	return strings.ToUpper(strings.NewReplacer(" ", "_", "-", "_", "'", "").Replace(text))
}
