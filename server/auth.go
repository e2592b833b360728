package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/Mrlabani/mega-proxy/telemetry"
)

// publicPaths are served without a token: the banner and the operational
// endpoints that probes and scrapers hit.
var publicPaths = map[string]bool{
	"/":        true,
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// authMiddleware requires "Authorization: Bearer <token>" on the proxy
// routes. It is a no-op when no token is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}
	want := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] || validBearer(r.Header.Get("Authorization"), want) {
			next.ServeHTTP(w, r)
			return
		}

		telemetry.SetFlow(r, flowForPath(r.URL.Path))
		telemetry.SetOutcome(r, "unauthorized")
		s.logger.Debug("rejected unauthenticated request", "path", r.URL.Path, "remote", r.RemoteAddr)

		w.Header().Set("WWW-Authenticate", `Bearer realm="mega-proxy"`)
		writeJSON(w, http.StatusUnauthorized, errorBody{Status: "error", Error: "unauthorized"})
	})
}

func validBearer(header string, want []byte) bool {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), want) == 1
}
