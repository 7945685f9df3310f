package api

import (
	"compress/gzip"
	"io"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"taskboard/domain"
)

const userContextKey = "taskboard.user"

// RequireUser authenticates the request and stores the acting user id on the
// context. The token query parameter is accepted when no Authorization header
// is present, since browsers cannot set headers on EventSource or WebSocket.
func RequireUser(auth Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" {
				header = c.QueryParam("token")
			}
			start := time.Now()
			userID, err := auth.UserIDFromAuthHeader(header)
			metrics := metricsFrom(c)
			if metrics != nil {
				metrics.ObserveAuth(time.Since(start))
			}
			if err != nil {
				if metrics != nil {
					metrics.SetErrorStage("auth")
				}
				return errorWithCode(c, domain.CodeUnauthorized, err.Error())
			}
			c.Set(userContextKey, userID)
			return next(c)
		}
	}
}

func actor(c echo.Context) string {
	id, _ := c.Get(userContextKey).(string)
	return id
}

// GzipRequestMiddleware decompresses gzip-encoded request bodies so handlers can
// work with plain JSON payloads. Requests with invalid gzip payloads are
// rejected with a 400 response.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !hasGzipEncoding(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}

			body := req.Body
			gr, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return errorWithCode(c, domain.CodeInvalid, "invalid gzip body")
			}

			req.Body = &gzipReadCloser{Reader: gr, body: body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)

			return next(c)
		}
	}
}

func hasGzipEncoding(header string) bool {
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type gzipReadCloser struct {
	*gzip.Reader
	body io.Closer
}

func (g *gzipReadCloser) Close() error {
	var err error
	if g.Reader != nil {
		err = g.Reader.Close()
	}
	if g.body != nil {
		if cerr := g.body.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
