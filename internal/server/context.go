package server

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// TransportParams is what the transport can see of a connecting client before
// any message flows: headers, cookies, query string.
type TransportParams struct {
	Headers map[string]string
	Cookies map[string]string
	Query   map[string]string
}

// ContextProvider maps transport params to the request context visible inside
// authorization policies. Returning an error refuses the connection.
type ContextProvider func(p TransportParams) (map[string]any, error)

// JWTContextProvider validates a bearer token (Authorization header, or a
// "token" query param for browser websockets) and exposes its claims as the
// request context. The subject claim is additionally surfaced as "userId".
func JWTContextProvider(secret string) ContextProvider {
	return func(p TransportParams) (map[string]any, error) {
		raw := ""
		if header := p.Headers["Authorization"]; header != "" {
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				return nil, fmt.Errorf("invalid auth header format")
			}
			raw = parts[1]
		} else {
			raw = p.Query["token"]
		}
		if raw == "" {
			return nil, fmt.Errorf("missing auth token")
		}

		claims := jwt.MapClaims{}
		tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !tok.Valid {
			return nil, fmt.Errorf("invalid or expired token")
		}

		out := make(map[string]any, len(claims)+1)
		for k, v := range claims {
			out[k] = v
		}
		if sub, _ := claims.GetSubject(); sub != "" {
			out["userId"] = sub
		}
		return out, nil
	}
}
