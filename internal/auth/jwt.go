package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// JWT builds a Func that validates the "token" field of the init payload as
// an HMAC-signed JWT. The subject claim becomes the user id; remaining
// claims are copied into the session context.
func JWT(secret []byte) Func {
	return func(_ context.Context, payload map[string]any) (map[string]any, error) {
		raw, _ := payload["token"].(string)
		if raw == "" {
			return nil, nil
		}

		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			return nil, nil
		}

		subject, err := claims.GetSubject()
		if err != nil || subject == "" {
			return nil, nil
		}

		authContext := map[string]any{userIDKey: subject}
		for k, v := range claims {
			switch k {
			case "sub", "exp", "iat", "nbf", "aud", "iss", "jti":
			default:
				authContext[k] = v
			}
		}
		return authContext, nil
	}
}
