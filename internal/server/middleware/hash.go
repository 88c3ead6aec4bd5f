package middleware

import (
	"bytes"
	"crypto/hmac"
	"io"
	"net/http"

	"github.com/and161185/vmstats/internal/utils"
)

// HashHeader carries the hex HMAC-SHA256 of a body.
const HashHeader = "HashSHA256"

// VerifyHashMiddleware rejects requests whose HashSHA256 header does not match the body
// and signs response bodies. An empty key disables it.
func VerifyHashMiddleware(key string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "bad body", http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			got := r.Header.Get(HashHeader)
			if got != "" && !hmac.Equal([]byte(got), []byte(utils.CalculateHash(bodyBytes, key))) {
				http.Error(w, "invalid hash", http.StatusBadRequest)
				return
			}

			capture := &responseCapture{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(capture, r)

			w.Header().Set(HashHeader, utils.CalculateHash(capture.body.Bytes(), key))
			w.WriteHeader(capture.code)
			_, _ = w.Write(capture.body.Bytes())
		})
	}
}

// responseCapture buffers the response so its hash can be sent as a header.
type responseCapture struct {
	http.ResponseWriter
	body bytes.Buffer
	code int
}

func (r *responseCapture) WriteHeader(code int) {
	r.code = code
}

func (r *responseCapture) Write(b []byte) (int, error) {
	return r.body.Write(b)
}
