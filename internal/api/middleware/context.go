package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type contextKey string

const clientIDKey contextKey = "client_id"

// ClientIDHeader lets callers behind a shared address identify themselves for rate limiting.
const ClientIDHeader = "X-Client-ID"

func SetClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientIDKey, id)
}

func GetClientID(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(clientIDKey).(string)
	return id, ok && id != ""
}

// ClientIdentity stores the caller's identity in the request context: the
// X-Client-ID header when present, otherwise the remote host.
func ClientIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(ClientIDHeader))
		if id == "" {
			id = r.RemoteAddr
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				id = host
			}
		}
		if id != "" {
			r = r.WithContext(SetClientID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
