package api

import (
	"net/http"
	"strings"

	"github.com/okian/jamur/internal/domain/ratelimit"
)

// clientIPHeaders are consulted in order; the first non-empty one wins.
var clientIPHeaders = []string{"X-Forwarded-For", "X-Real-IP", "CF-Connecting-IP"}

// ClientIP derives the rate-limit identifier from forwarding headers.
// Only the first comma-separated entry of the winning header is used.
// Returns ratelimit.UnknownClient when nothing usable is present.
func ClientIP(r *http.Request) string {
	for _, name := range clientIPHeaders {
		v := r.Header.Get(name)
		if v == "" {
			continue
		}
		first, _, _ := strings.Cut(v, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
		return ratelimit.UnknownClient
	}
	return ratelimit.UnknownClient
}
