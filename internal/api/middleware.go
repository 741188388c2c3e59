package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/ephemeral-chat/internal/auth"
)

type contextKey string

const (
	identityKey contextKey = "identity"
	sessionKey  contextKey = "session"
)

func WithIdentity(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFrom(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey).(auth.Identity)
	return id, ok
}

func WithSession(ctx context.Context, sc auth.SessionClaims) context.Context {
	return context.WithValue(ctx, sessionKey, sc)
}

func SessionFrom(ctx context.Context) (auth.SessionClaims, bool) {
	sc, ok := ctx.Value(sessionKey).(auth.SessionClaims)
	return sc, ok
}

func (s *ChatApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Printf("panic: %v", panicError)
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// identityMiddleware admits requests carrying a verified identity token.
// The token is not consumed; joining a room does that.
func (s *ChatApp) identityMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		id, err := s.verifier.ParseIdentity(token)
		if err != nil {
			s.log.Printf("failed to parse identity token: %v", err)
			s.writeError(w, err)
			return
		}

		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		next(w, r.WithContext(WithIdentity(r.Context(), id)))
	}
}

// sessionMiddleware admits requests carrying a session token issued on join.
func (s *ChatApp) sessionMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		sc, err := s.verifier.ParseSessionToken(token)
		if err != nil {
			s.log.Printf("failed to parse session token: %v", err)
			s.writeError(w, err)
			return
		}

		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		next(w, r.WithContext(WithSession(r.Context(), sc)))
	}
}
