package auth

import (
	"encoding/json"
	"net/http"

	"github.com/jogardn/stylestore/pkg/models"
	"github.com/sirupsen/logrus"
)

// Middleware rejects requests without a valid bearer token. Websocket
// clients that cannot set headers may pass the token as ?token=.
func Middleware(issuer *Issuer, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				identity Identity
				err      error
			)

			if header := r.Header.Get("Authorization"); header != "" {
				identity, err = issuer.ParseHeader(header)
			} else if token := r.URL.Query().Get("token"); token != "" {
				identity, err = issuer.Parse(token)
			} else {
				err = ErrUnauthorized
			}

			if err != nil {
				logger.WithFields(logrus.Fields{
					"path":  r.URL.Path,
					"error": err.Error(),
				}).Info("Rejected unauthenticated request")
				respondWithError(w, http.StatusUnauthorized, "not authorized, token missing or invalid")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// RequireAdmin must run after Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := FromContext(r.Context())
		if !ok {
			respondWithError(w, http.StatusUnauthorized, "not authorized")
			return
		}
		if !identity.IsAdmin {
			respondWithError(w, http.StatusForbidden, ErrForbidden.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	response, _ := json.Marshal(models.ErrorResponse{Message: message})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
