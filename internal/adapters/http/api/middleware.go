package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/LemmyAI/megabrain-protocol/pkg/metrics"
)

// MetricsMiddleware records request count, latency and failures per
// endpoint. endpoint is the route label, not the raw path, so ids in paths
// cannot blow up label cardinality.
func MetricsMiddleware(next http.HandlerFunc, endpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r)

		status := rec.status()
		metrics.RecordHTTPRequest(endpoint, r.Method, strconv.Itoa(status), float64(time.Since(start).Milliseconds()))
		if kind, failed := failureKind(status); failed {
			metrics.RecordErrorByComponent("http", kind)
		}
	}
}

// failureKind classifies error statuses for the errors-by-component series.
func failureKind(status int) (string, bool) {
	switch {
	case status >= http.StatusInternalServerError:
		return "server_error", true
	case status == http.StatusMethodNotAllowed:
		return "method_not_allowed", true
	case status == http.StatusNotFound:
		return "not_found", true
	case status >= http.StatusBadRequest:
		return "client_error", true
	default:
		return "", false
	}
}

// statusRecorder remembers the first status written. A handler that only
// calls Write gets the implicit 200.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.code == 0 {
		s.code = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.code == 0 {
		s.code = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) status() int {
	if s.code == 0 {
		return http.StatusOK
	}
	return s.code
}
