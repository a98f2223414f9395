package admin

import (
	"net/http"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	ulimiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// RateLimit wraps next with two independent admin-plane limiters. Spec §1
// and §7 deliberately keep rate-limiting out of the proxying core, but
// allow it on the admin plane: a tollbooth per-second burst limiter guards
// every admin request, and a separate ulule/limiter per-minute limiter is
// layered on config-mutating POSTs, since a misbehaving admin client
// hammering writes is the costlier failure mode than a read storm.
func RateLimit(next http.Handler) http.Handler {
	burst := tollbooth.NewLimiter(5, &limiter.ExpirableOptions{DefaultExpirationTTL: time.Minute})
	burst.SetMethods([]string{http.MethodGet, http.MethodPost})

	writeRate := ulimiter.Rate{Period: time.Minute, Limit: 30}
	writeLimiter := ulimiter.New(memory.NewStore(), writeRate)
	writeMiddleware := stdlib.NewMiddleware(writeLimiter)
	writeGuarded := writeMiddleware.Handler(next)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if httpErr := tollbooth.LimitByRequest(burst, w, r); httpErr != nil {
			writeJSONError(w, httpErr.StatusCode, "rate limit exceeded", "")
			return
		}

		if r.Method == http.MethodPost {
			writeGuarded.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
