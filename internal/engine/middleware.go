package engine

import (
	"log/slog"
	"net/http"
	"time"
)

// responseRecorder captures the status code for logging.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps progress streaming working through the recorder.
func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// LogMiddleware logs one line per request. Successful status polls are
// logged at debug since clients poll them continuously.
func LogMiddleware(device string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		switch {
		case rec.status >= http.StatusInternalServerError:
			level = slog.LevelWarn
		case r.Method == http.MethodGet && rec.status == http.StatusOK && isStatusPath(r.URL.Path):
			level = slog.LevelDebug
		}
		slog.Log(r.Context(), level, "http",
			"device", device,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"remote", r.RemoteAddr,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}

func isStatusPath(p string) bool {
	return p == "/eSCL/ScannerStatus" || p == "/ScannerStatus"
}
