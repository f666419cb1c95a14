package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"opdflow/internal/models"
	"opdflow/internal/store"
)

type authContextKey struct{}

// SessionStore is the slice of the store the auth middleware needs.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (store.Session, error)
}

func AuthMiddleware(sessions SessionStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		sessionID := sessionIDFromRequest(r)
		if sessionID == "" {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
			return
		}
		session, err := sessions.GetSession(r.Context(), sessionID)
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid session")
				return
			}
			writeError(w, requestIDFromRequest(r), http.StatusInternalServerError, "internal_error", "internal server error")
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFromContext(ctx context.Context) (store.Session, bool) {
	value := ctx.Value(authContextKey{})
	if value == nil {
		return store.Session{}, false
	}
	session, ok := value.(store.Session)
	if !ok {
		return store.Session{}, false
	}
	return session, true
}

// requireRole admits the named role and admins. Reads only need a valid
// session; callers pass the role that guards the mutation.
func requireRole(w http.ResponseWriter, r *http.Request, role string) bool {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
		return false
	}
	if session.Role == models.RoleAdmin || session.Role == role {
		return true
	}
	writeError(w, requestIDFromRequest(r), http.StatusForbidden, "access_denied", "role does not allow this action")
	return false
}

func sessionIDFromRequest(r *http.Request) string {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get("X-Session-ID"))
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func isPublicEndpoint(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics", "/api/auth/login":
		return true
	case "/api/departments":
		return r.Method == http.MethodGet
	default:
		if strings.HasPrefix(r.URL.Path, "/api/queues/") {
			// display boards poll queue snapshots without a session
			return r.Method == http.MethodGet
		}
		if strings.HasPrefix(r.URL.Path, "/realtime/") {
			// the sockjs handler validates the session itself
			return true
		}
		return r.Method == http.MethodOptions
	}
}
