package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	apperrors "github.com/3leaps/trainjobs/internal/errors"
)

const APITokenHeader = "X-API-Token"

// APIToken rejects requests whose X-API-Token does not equal token.
// Paths listed in exempt pass through. An empty token disables the check.
func APIToken(token string, exempt ...string) func(http.Handler) http.Handler {
	skip := make(map[string]struct{}, len(exempt))
	for _, p := range exempt {
		skip[p] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			got := strings.TrimSpace(r.Header.Get(APITokenHeader))
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				apperrors.RespondWithError(w, r, apperrors.NewUnauthorizedError("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
