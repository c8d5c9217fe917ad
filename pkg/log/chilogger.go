package log

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RequestLogger is a chi middleware writing one structured entry per served request.
func RequestLogger(l *zap.Logger, name string) func(next http.Handler) http.Handler {
	if l == nil {
		panic("log.RequestLogger needs a logger")
	}
	logger := l.WithOptions(zap.AddCallerSkip(1)).Named(name)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				status := ww.Status()
				entry := logger.Check(requestLevel(r.Method, r.URL.Path, status), "request served")
				if entry == nil {
					return
				}
				entry.Write(
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", status),
					zap.String("status_class", statusClass(status)),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("remote", r.RemoteAddr),
					zap.String("user_agent", r.UserAgent()),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// DebugRequestLogger logs requests only when the service runs at debug level; otherwise it
// passes requests through untouched.
func DebugRequestLogger(logLevel string, l *zap.Logger, name string) func(next http.Handler) http.Handler {
	if l == nil {
		panic("log.DebugRequestLogger needs a logger")
	}

	switch strings.ToLower(logLevel) {
	case "debug", "trace":
		l.Named(name).Info("request logging on")
		return RequestLogger(l, name)
	default:
		return func(next http.Handler) http.Handler { return next }
	}
}

// requestLevel picks the entry level: server errors are errors, client errors warnings, and
// health checks or scrapes stay at debug.
func requestLevel(method, path string, status int) zapcore.Level {
	switch {
	case status >= 500:
		return zapcore.ErrorLevel
	case status >= 400:
		return zapcore.WarnLevel
	case isRoutine(method, path):
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

func isRoutine(method, path string) bool {
	return method == http.MethodGet && (path == "/health" || path == "/metrics")
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return string(rune('0'+status/100)) + "xx"
}
