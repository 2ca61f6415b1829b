package middleware

import (
	"context"
	"net"
	"net/http"

	scs "github.com/alexedwards/scs/v2"
)

type contextKey string

const (
	UserIDKey   contextKey = "user_id"
	IdentityKey contextKey = "identity"
)

// SessionUserKey is the session value holding the signed-in user id.
const SessionUserKey = "user_id"

// Identity puts the caller identity used for rate limiting into the request
// context: the session user when signed in, otherwise ip:<client address>.
// It must run after sess.LoadAndSave and chi's RealIP.
func Identity(sess *scs.SessionManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if id := sess.GetString(ctx, SessionUserKey); id != "" {
				ctx = context.WithValue(ctx, UserIDKey, id)
				ctx = context.WithValue(ctx, IdentityKey, "user:"+id)
			} else {
				ctx = context.WithValue(ctx, IdentityKey, "ip:"+clientIP(r))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// UserID returns the signed-in user id, if any.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(UserIDKey).(string)
	return id, ok && id != ""
}

// IdentityFrom returns the rate limit identity set by Identity.
func IdentityFrom(ctx context.Context) string {
	id, _ := ctx.Value(IdentityKey).(string)
	return id
}

// RequireUser rejects requests without a signed-in user.
func RequireUser(unauthorized http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := UserID(r.Context()); !ok {
				unauthorized.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
