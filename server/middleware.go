package server

import (
	"net/http"

	"golang.org/x/time/rate"

	"stablerail/rails"
)

// verifyWebhook is indirected for tests that exercise the handler stack
// without computing real signatures.
var verifyWebhook = rails.VerifySignature

// webhookRateLimit throttles webhook deliveries across both rails. Rejected
// deliveries get a 429 so well-behaved rails back off and retry.
func webhookRateLimit(perSecond float64, burst int) func(http.Handler) http.Handler {
	if perSecond <= 0 {
		perSecond = 20
	}
	if burst <= 0 {
		burst = int(perSecond) * 2
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeError(w, http.StatusTooManyRequests, "rate limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
