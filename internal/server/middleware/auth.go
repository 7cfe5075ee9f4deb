package middleware

import (
	"log/slog"
	"net/http"
	"strings"
)

// TokenValidator resolves a bearer token to a user id.
type TokenValidator func(token string) (int64, error)

// NewAuthMiddleware guards the REST surface: it expects an
// "Authorization: Bearer <token>" header, validates it, and stamps the
// subject user id into the request metadata. Websocket endpoints do not use
// this; they authenticate in-band with the first frame.
func NewAuthMiddleware(logger *slog.Logger, validate TokenValidator) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// couldn't extract metadata from request so something went wrong with previous middlewares
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Warn("Missing bearer token", slog.String("ip", reqMeta.IP))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")

			userID, err := validate(tokenString)
			if err != nil {
				logger.Warn("Invalid token presented", slog.String("ip", reqMeta.IP), slog.Any("error", err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			reqMeta.UserID = userID
			next.ServeHTTP(w, r)
		})
	}
}
