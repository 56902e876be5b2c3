package httptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

const BearerPrefix = "Bearer "

// TokenValidator checks a bearer credential and returns the principal it
// belongs to. It is used by servers that speak the same protocol as the
// client, such as the fake API in tests and the mock-api example.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (any, error)
}

type MiddlewareConfig struct {
	TokenHeader       string
	FailureStatusCode int
}

func DefaultConfig() MiddlewareConfig {
	return MiddlewareConfig{
		TokenHeader:       HeaderAuthorization,
		FailureStatusCode: http.StatusUnauthorized,
	}
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(value string) (string, bool) {
	if len(value) < len(BearerPrefix) || !strings.EqualFold(value[:len(BearerPrefix)], BearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(value[len(BearerPrefix):])
	return token, token != ""
}

type principalKey struct{}

func PrincipalFromContext(ctx context.Context) (any, bool) {
	principal := ctx.Value(principalKey{})
	return principal, principal != nil
}

// Middleware rejects requests without a valid bearer credential with
// config.FailureStatusCode and a JSON {"error": ...} body.
func Middleware(validator TokenValidator, config MiddlewareConfig) func(http.Handler) http.Handler {
	defaults := DefaultConfig()
	if config.TokenHeader == "" {
		config.TokenHeader = defaults.TokenHeader
	}
	if config.FailureStatusCode == 0 {
		config.FailureStatusCode = defaults.FailureStatusCode
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r.Header.Get(config.TokenHeader))
			if !ok {
				writeError(w, config.FailureStatusCode, "missing bearer token")
				return
			}

			principal, err := validator.Validate(r.Context(), token)
			if err != nil {
				writeError(w, config.FailureStatusCode, err.Error())
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, principal)))
		})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set(HeaderContentType, ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
