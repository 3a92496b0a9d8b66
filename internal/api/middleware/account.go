package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const (
	accountKey contextKey = "account"
	userKey    contextKey = "user"
	actorKey   contextKey = "actor"
)

// DefaultAccount is used when no X-Account-Id header is present.
const DefaultAccount = "default"

// AccountExtractor pulls the account, user, and actor identifiers from
// request headers and stores them in the request context. The account
// falls back to DefaultAccount; user and actor stay empty when absent.
func AccountExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account := r.Header.Get("X-Account-Id")
		if account == "" {
			account = DefaultAccount
		}
		ctx := context.WithValue(r.Context(), accountKey, account)

		if user := r.Header.Get("X-User-Id"); user != "" {
			ctx = context.WithValue(ctx, userKey, user)
		}

		actor := r.Header.Get("X-Actor-Id")
		if actor == "" {
			actor = account
		}
		ctx = context.WithValue(ctx, actorKey, actor)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAccountID returns the account identifier from the context.
func GetAccountID(ctx context.Context) string {
	if v, ok := ctx.Value(accountKey).(string); ok {
		return v
	}
	return DefaultAccount
}

// GetUserID returns the user identifier from the context, or "".
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(userKey).(string); ok {
		return v
	}
	return ""
}

// GetActorID returns the acting principal for audit attribution.
func GetActorID(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey).(string); ok {
		return v
	}
	return DefaultAccount
}
