package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Recovery recovers from panics in downstream handlers and answers with a
// plain 500. The panic value and stack trace are logged for debugging but
// never reach the client.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				// The connection is gone if the handler already hijacked it;
				// re-panic so the server closes it.
				if err == http.ErrAbortHandler {
					panic(err)
				}

				slog.ErrorContext(r.Context(), "panic in handler",
					"error", err,
					"request_id", GetRequestID(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)

				http.Error(w, http.StatusText(http.StatusInternalServerError),
					http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
