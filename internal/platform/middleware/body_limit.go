package middleware

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/lbpcare/lbp/internal/platform/apperr"
)

// multipartOverhead leaves room for part headers and form fields around the
// file itself.
const multipartOverhead = 1 << 20

// BodyLimit caps request bodies. JSON requests are held to defaultLimit, a
// human-readable size such as "2M" or "512K". Multipart uploads are held to
// maxFileSize plus a fixed allowance for the multipart envelope, and
// overflowing them yields FILE_TOO_LARGE.
func BodyLimit(defaultLimit string, maxFileSize int64) echo.MiddlewareFunc {
	defaultBytes := parseLimit(defaultLimit)
	uploadBytes := maxFileSize + multipartOverhead

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := defaultBytes
			tooLarge := error(echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large"))
			if isMultipart(req) {
				limit = uploadBytes
				tooLarge = apperr.ErrFileTooLarge
			}

			// Early rejection on the declared length.
			if req.ContentLength > limit {
				return tooLarge
			}

			// Enforced again while reading, for chunked or lying clients.
			req.Body = &limitedReadCloser{
				ReadCloser: req.Body,
				remaining:  limit,
				err:        tooLarge,
			}
			return next(c)
		}
	}
}

func isMultipart(req *http.Request) bool {
	return strings.HasPrefix(strings.ToLower(req.Header.Get(echo.HeaderContentType)), echo.MIMEMultipartForm)
}

type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	exceeded  bool
	err       error
}

func (r *limitedReadCloser) Read(p []byte) (n int, err error) {
	if r.exceeded {
		return 0, r.err
	}

	// Read at most one byte past the limit to detect overflow.
	if int64(len(p)) > r.remaining+1 {
		p = p[:r.remaining+1]
	}

	n, err = r.ReadCloser.Read(p)
	r.remaining -= int64(n)
	if r.remaining < 0 {
		r.exceeded = true
		return 0, r.err
	}
	return n, err
}

// parseLimit parses a size such as "1M", "512K" or "10G" into bytes. Invalid
// or empty input yields 1 MB.
func parseLimit(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "G"):
		multiplier = 1 << 30
	case strings.HasSuffix(s, "M"):
		multiplier = 1 << 20
	case strings.HasSuffix(s, "K"):
		multiplier = 1 << 10
	}
	s = strings.TrimRight(s, "GMK")

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 1 << 20
	}
	return n * multiplier
}
