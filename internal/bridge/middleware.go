package bridge

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authMiddleware enforces HTTP Basic credentials and the IP allowlist. An
// empty credential pair or allowlist disables the respective check.
func authMiddleware(authID, authToken string, allowedIPs []string, log *logrus.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(allowedIPs) > 0 {
				ip := remoteIP(r)
				allowed := false
				for _, a := range allowedIPs {
					if strings.TrimSpace(a) == ip {
						allowed = true
						break
					}
				}
				if !allowed {
					log.WithField("remote", ip).Warn("ip auth failed")
					http.Error(w, "IP Auth Failed", http.StatusUnauthorized)
					return
				}
			}
			if authID != "" && authToken != "" {
				user, pass, ok := r.BasicAuth()
				if !ok ||
					subtle.ConstantTimeCompare([]byte(user), []byte(authID)) != 1 ||
					subtle.ConstantTimeCompare([]byte(pass), []byte(authToken)) != 1 {
					log.WithField("remote", remoteIP(r)).Warn("http auth failed")
					w.Header().Set("WWW-Authenticate", `Basic realm="restricted"`)
					http.Error(w, "HTTP Auth Failed", http.StatusUnauthorized)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// logMiddleware logs one line per request.
func logMiddleware(log *logrus.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path, "remote": remoteIP(r)}).Info("http request")
			next.ServeHTTP(w, r)
		})
	}
}
