package httpserver

import (
	"math"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	apperrors "github.com/pscheid92/liverelay/internal/platform/errors"
	"golang.org/x/time/rate"
)

const rateLimiterExpiry = 5 * time.Minute

// newRateLimiter shares one token bucket per client IP across the control routes it guards.
// Rejections carry Retry-After (one token interval) and are reported to onDeny, which may be nil.
func newRateLimiter(ratePerSecond float64, burst int, onDeny func(route string)) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(ratePerSecond),
		Burst:     burst,
		ExpiresIn: rateLimiterExpiry,
	})

	retryAfter := "1"
	if ratePerSecond > 0 {
		retryAfter = strconv.Itoa(int(math.Ceil(1 / ratePerSecond)))
	}

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, client string, _ error) error {
			if onDeny != nil {
				onDeny(c.Path())
			}
			c.Response().Header().Set(echo.HeaderRetryAfter, retryAfter)
			return HandleError(c, apperrors.RateLimitedError("rate limit exceeded").
				WithField("client", client).
				WithField("route", c.Path()))
		},
	})
}
