package clientip

import (
	"net"
	"net/http"
	"strings"
)

// RealClientIP returns the client IP used for rate limiting and logs.
// X-Forwarded-For is honored only when the direct peer is loopback, i.e. a reverse
// proxy on the same host; otherwise the header is client-controlled and ignored.
func RealClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	host = strings.TrimSpace(host)

	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first := strings.TrimSpace(strings.Split(fwd, ",")[0])
			if net.ParseIP(first) != nil {
				return first
			}
		}
	}
	return host
}
