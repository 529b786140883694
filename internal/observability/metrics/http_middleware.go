package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPMetricsMiddleware instruments requests with Prometheus metrics. Paths
// are normalized so entity ids do not explode the label cardinality.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)
		dur := time.Since(start)
		ObserveHTTPRequest(r.Method, normalizePath(r.URL.Path), strconv.Itoa(ww.status), dur)
	})
}

// normalizePath collapses the id segments of the API routes:
// /api/contracts/<uuid>/stages/3 becomes /api/contracts/{id}/stages/{seq}.
func normalizePath(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) < 3 || parts[1] != "api" {
		return path
	}
	switch parts[2] {
	case "requests", "interests":
		if len(parts) > 3 && parts[3] != "" {
			parts[3] = "{id}"
		}
	case "contracts":
		if len(parts) > 3 && parts[3] != "" && parts[3] != "stats" {
			parts[3] = "{id}"
		}
		if len(parts) > 5 && parts[4] == "stages" {
			parts[5] = "{seq}"
		}
		if len(parts) > 7 && parts[6] == "files" {
			parts[7] = "{name}"
		}
	case "directory":
		// role names are a fixed small set, keep them
	}
	return strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
