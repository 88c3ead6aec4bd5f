package middleware

import (
	"fmt"
	"net"
	"net/http"
)

// TrustedCIDR only lets through requests whose X-Real-IP lies within cidr.
// An empty cidr allows everything.
func TrustedCIDR(cidr string) (func(http.Handler) http.Handler, error) {
	if cidr == "" {
		return func(next http.Handler) http.Handler { return next }, nil
	}
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid trusted subnet: %w", err)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := net.ParseIP(r.Header.Get("X-Real-IP"))
			if ip == nil || !ipnet.Contains(ip) {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}, nil
}
