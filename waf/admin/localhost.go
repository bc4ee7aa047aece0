package admin

import (
	"net"
	"net/http"
)

// LocalhostOnly only allows requests from loopback addresses.
func LocalhostOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			writeError(w, http.StatusForbidden, "forbidden", "admin API is local only")
			return
		}

		// parse and normalize to handle compressed/expanded IPv6
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			writeError(w, http.StatusForbidden, "forbidden", "admin API is local only")
			return
		}
		next.ServeHTTP(w, r)
	})
}
