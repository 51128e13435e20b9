package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/lahari-sy/finmap/pkg/httpapi"
)

const limiterPrefix = "finmap_limiter"

type RateLimitConfig struct {
	RequestsPerPeriod int
	Period            time.Duration
	Store             limiter.Store
	// KeyFunc groups requests; nil limits all requests together.
	KeyFunc func(r *http.Request) string
}

func NewMemoryStore() limiter.Store {
	return memory.NewStoreWithOptions(limiter.StoreOptions{
		Prefix:          limiterPrefix,
		CleanUpInterval: limiter.DefaultCleanUpInterval,
	})
}

func NewRedisStore(redisURL string) (limiter.Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse rate limit redis url: %w", err)
	}
	return sredis.NewStoreWithOptions(redis.NewClient(opts), limiter.StoreOptions{Prefix: limiterPrefix})
}

func RateLimit(cfg RateLimitConfig) mux.MiddlewareFunc {
	period := cfg.Period
	if period <= 0 {
		period = time.Second
	}
	keyFunc := cfg.KeyFunc
	if keyFunc == nil {
		keyFunc = func(*http.Request) string { return "global" }
	}
	instance := limiter.New(cfg.Store, limiter.Rate{Period: period, Limit: int64(cfg.RequestsPerPeriod)})
	mw := stdlib.NewMiddleware(instance,
		stdlib.WithKeyGetter(keyFunc),
		stdlib.WithLimitReachedHandler(func(w http.ResponseWriter, _ *http.Request) {
			_ = httpapi.WriteError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
		}),
		stdlib.WithErrorHandler(func(w http.ResponseWriter, _ *http.Request, err error) {
			_ = httpapi.WriteError(w, http.StatusInternalServerError, "RATE_LIMIT_ERROR", err.Error(), nil)
		}),
	)
	return mw.Handler
}
