package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/kiranshivaraju/docbatch/internal/api/response"
)

// Recovery turns a handler panic into a 500 error envelope. http.ErrAbortHandler
// is re-raised so the server still aborts the response.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			attrs := []any{
				"error", rec,
				"stack", string(debug.Stack()),
				"method", r.Method,
				"path", r.URL.Path,
			}
			if id, ok := GetClientID(r); ok {
				attrs = append(attrs, "client_id", id)
			}
			slog.ErrorContext(r.Context(), "panic recovered", attrs...)
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "An unexpected error occurred", nil)
		}()
		next.ServeHTTP(w, r)
	})
}
