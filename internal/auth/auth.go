// Package auth defines the authentication contract the server runs during
// rpc:init and rpc:login, plus helpers for bearer extraction and JWT-backed
// auth functions.
package auth

import (
	"context"
	"net/http"
	"strings"
)

// Func authenticates the payload a client supplied to rpc:init. A non-nil
// map authenticates the session and becomes its context; it must carry a
// stable user identifier (see UserID). Returning nil, nil leaves the session
// unauthenticated. Errors surface as Authentication Failed.
type Func func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Context keys recognized by UserID, in lookup order.
const (
	userIDKey = "userId"
	userKey   = "user"
)

// UserID extracts the stable user identifier from an authenticated context.
// It accepts either a top-level "userId" string or a nested "user" object
// with an "id" or "_id" field.
func UserID(authContext map[string]any) string {
	if authContext == nil {
		return ""
	}
	if id, ok := authContext[userIDKey].(string); ok && id != "" {
		return id
	}
	user, ok := authContext[userKey].(map[string]any)
	if !ok {
		return ""
	}
	for _, key := range []string{"id", "_id"} {
		if id, ok := user[key].(string); ok && id != "" {
			return id
		}
	}
	return ""
}

// BearerToken pulls the API token from an HTTP request, accepting both
// "Authorization: Bearer <token>" and the x-api-key header.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}

// Project returns the subset of an authenticated context the client is
// allowed to see. An empty allow-list hides everything but the user id.
func Project(authContext map[string]any, allowedKeys []string) map[string]any {
	projected := make(map[string]any, len(allowedKeys)+1)
	if id := UserID(authContext); id != "" {
		projected[userIDKey] = id
	}
	for _, key := range allowedKeys {
		if v, ok := authContext[key]; ok {
			projected[key] = v
		}
	}
	return projected
}
