// Package middleware provides HTTP middleware for the dump API.
package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
)

const maxCompressedBody = 1 << 20

var gzipWriters = sync.Pool{
	New: func() any { return gzip.NewWriter(io.Discard) },
}

// DecompressMiddleware inflates gzip request bodies up to 1 MiB.
// A body that is not valid gzip is passed through unchanged.
func DecompressMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := io.ReadAll(io.LimitReader(r.Body, maxCompressedBody+1))
		if err != nil || len(raw) > maxCompressedBody {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}

		gr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			r.Body = io.NopCloser(bytes.NewReader(raw))
			next.ServeHTTP(w, r)
			return
		}
		defer gr.Close()

		r.Header.Del("Content-Encoding")
		r.ContentLength = -1
		r.Body = io.NopCloser(io.LimitReader(gr, maxCompressedBody))
		next.ServeHTTP(w, r)
	})
}

// CompressMiddleware gzips responses for clients that accept it.
func CompressMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Add("Vary", "Accept-Encoding")

		grw := &gzipResponseWriter{ResponseWriter: w}
		defer grw.Close()

		next.ServeHTTP(grw, r)
	})
}

// gzipResponseWriter switches to gzip on the first header or body write.
type gzipResponseWriter struct {
	http.ResponseWriter
	zw *gzip.Writer
}

func (w *gzipResponseWriter) WriteHeader(code int) {
	w.begin()
	w.ResponseWriter.WriteHeader(code)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	w.begin()
	return w.zw.Write(b)
}

func (w *gzipResponseWriter) begin() {
	if w.zw != nil {
		return
	}
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Del("Content-Length")
	w.zw = gzipWriters.Get().(*gzip.Writer)
	w.zw.Reset(w.ResponseWriter)
}

// Close flushes the gzip stream and returns the writer to the pool.
func (w *gzipResponseWriter) Close() error {
	if w.zw == nil {
		return nil
	}
	err := w.zw.Close()
	gzipWriters.Put(w.zw)
	w.zw = nil
	return err
}
