package middleware

import (
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/EvolutionIT/wtw-transcoder/errors"
)

// IsAuthorized accepts the API key either as an x-api-key header or as a
// bearer token.
func IsAuthorized(apiToken string, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if key := r.Header.Get("x-api-key"); key != "" {
			if key != apiToken {
				errors.WriteHTTPUnauthorized(w, "Invalid API key", nil)
				return
			}
			next(w, r, ps)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			errors.WriteHTTPUnauthorized(w, "No authorization header", nil)
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token != apiToken {
			errors.WriteHTTPUnauthorized(w, "Invalid Token", nil)
			return
		}
		next(w, r, ps)
	}
}
