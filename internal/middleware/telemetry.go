package middleware

import (
	"log/slog"
	"net/http"
	"strings"
)

var (
	metricsPaths = []string{
		"/api/claude_code/metrics",
		"/claude_code/metrics",
	}

	statsigPaths = []string{
		"/v1/initialize",
		"/v1/log_event",
		"/v1/rgstr",
		"/statsig",
		"/telemetry",
		"/analytics",
	}
)

type TelemetryBlockerMiddleware struct {
	logger *slog.Logger
}

// NewTelemetryBlockerMiddleware swallows the metrics and Statsig calls the Claude CLI makes,
// answering them the way the real endpoints do so the client never retries.
func NewTelemetryBlockerMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	tbm := &TelemetryBlockerMiddleware{
		logger: logger,
	}

	return tbm.middleware
}

func (tbm *TelemetryBlockerMiddleware) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if host == "" {
			host = r.Header.Get("Host")
		}

		switch {
		case isMetricsRequest(host, r.URL.Path):
			tbm.logger.Debug("Blocked metrics request", "path", r.URL.Path)
			sendMetricsResponse(w)
			return
		case isStatsigRequest(host, r.URL.Path):
			tbm.logger.Debug("Blocked statsig request", "path", r.URL.Path)
			sendStatsigResponse(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isMetricsRequest(host, path string) bool {
	if !strings.Contains(host, "api.anthropic.com") {
		return false
	}
	return hasAnyPrefix(path, metricsPaths)
}

func isStatsigRequest(host, path string) bool {
	if strings.Contains(host, "statsig.anthropic.com") {
		return true
	}
	return hasAnyPrefix(path, statsigPaths)
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func sendMetricsResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
	w.Header().Set("Via", "1.1 google")
	w.Header().Set("Cf-Cache-Status", "DYNAMIC")
	w.Header().Set("X-Robots-Tag", "none")
	w.Header().Set("Server", "cloudflare")

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"accepted_count":0,"rejected_count":0}`))
}

func sendStatsigResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"success":true}`))
}
