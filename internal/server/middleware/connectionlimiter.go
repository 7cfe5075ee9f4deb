package middleware

import (
	"log/slog"
	"net/http"

	"github.com/dracxi/chatapp/pkg/config"
)

// IPConnectionCounter reports how many live connections an address holds.
type IPConnectionCounter func(ip string) int

// NewConnectionLimiter caps simultaneous websocket connections per client
// address. The limiter runs before the upgrade, when only the address is
// known; the user authenticates in-band afterwards.
func NewConnectionLimiter(
	logger *slog.Logger,
	counter IPConnectionCounter,
	cfg config.ConnectionLimitConfig,
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.MaxPerIP <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				logger.Error("Connection limiter could not find request metadata in context. Check middleware order.")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			if count := counter(reqMeta.IP); count >= cfg.MaxPerIP {
				logger.Warn("Connection limit reached", slog.String("ip", reqMeta.IP), slog.Int("count", count))
				http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
