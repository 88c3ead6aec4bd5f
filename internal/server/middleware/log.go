package middleware

import (
	"bytes"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const maxLoggedBody = 1024

// LogMiddleware writes one "request" entry per call. Server errors are logged at
// error level and client errors at warn level. Small text bodies are included so
// rejected dump submissions can be traced.
func LogMiddleware(logger *zap.SugaredLogger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			body := "<empty>"
			if r.Body != nil && r.ContentLength != 0 {
				raw, err := io.ReadAll(io.LimitReader(r.Body, maxLoggedBody+1))
				if err != nil {
					logger.Warnw("request body unreadable", "uri", r.RequestURI, "error", err)
				}
				r.Body = struct {
					io.Reader
					io.Closer
				}{io.MultiReader(bytes.NewReader(raw), r.Body), r.Body}
				body = loggable(raw)
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			fields := []any{
				"method", r.Method,
				"uri", r.RequestURI,
				"status", rec.status,
				"size", rec.size,
				"duration", time.Since(start),
				"body", body,
				"remote", r.RemoteAddr,
			}
			if id := chiMiddleware.GetReqID(r.Context()); id != "" {
				fields = append(fields, "request_id", id)
			}

			switch {
			case rec.status >= http.StatusInternalServerError:
				logger.Errorw("request", fields...)
			case rec.status >= http.StatusBadRequest:
				logger.Warnw("request", fields...)
			default:
				logger.Infow("request", fields...)
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	n, err := rec.ResponseWriter.Write(b)
	rec.size += n
	return n, err
}

func loggable(b []byte) string {
	switch {
	case len(b) == 0:
		return "<empty>"
	case len(b) > maxLoggedBody:
		return "<truncated>"
	case !utf8.Valid(b) || bytes.IndexByte(b, 0) >= 0:
		return "<binary>"
	}
	return string(b)
}
