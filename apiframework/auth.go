package apiframework

import (
	"net/http"
	"strings"

	"github.com/contenox/tablechat/libcipher"
)

// EnforceToken requires "Authorization: Bearer <token>" where token matches
// the bcrypt hash. An empty hash disables the check.
func EnforceToken(tokenHash string, next http.Handler) http.Handler {
	if tokenHash == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			_ = Error(w, r, Unauthorized("Missing bearer token"), AuthorizeOperation)
			return
		}
		valid, err := libcipher.CheckPassword(tokenHash, token)
		if err != nil {
			_ = Error(w, r, InternalServerError("Token check failed"), ServerOperation)
			return
		}
		if !valid {
			_ = Error(w, r, Unauthorized("Invalid token"), AuthorizeOperation)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
