package httpserver

import (
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// NewCheckOrigin returns a CheckOrigin function for the subscriber WebSocket upgrader.
// Empty origins (device firmware, non-browser clients) are always allowed, as is every
// origin when the allow list contains "*". When isDevelopment is true, localhost origins
// are additionally allowed.
func NewCheckOrigin(allowOrigins []string, isDevelopment bool) func(r *http.Request) bool {
	allowAll := slices.Contains(allowOrigins, "*")
	allowed := make(map[string]struct{}, len(allowOrigins))
	for _, o := range allowOrigins {
		allowed[strings.TrimSuffix(o, "/")] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		if origin == "" || allowAll {
			return true
		}

		if _, ok := allowed[origin]; ok {
			return true
		}

		if isDevelopment && isLocalhostOrigin(origin) {
			return true
		}

		slog.Warn("WebSocket origin rejected", "origin", origin, "remote_addr", r.RemoteAddr)
		return false
	}
}

func isLocalhostOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}
