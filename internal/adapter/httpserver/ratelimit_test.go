package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/liverelay/internal/adapter/metrics"
	"github.com/pscheid92/liverelay/internal/platform/config"
	apperrors "github.com/pscheid92/liverelay/internal/platform/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// limitedRoute mounts a rate-limited POST /start on a bare echo instance.
func limitedRoute(ratePerSecond float64, burst int, onDeny func(string)) *echo.Echo {
	e := echo.New()
	e.POST("/start", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}, newRateLimiter(ratePerSecond, burst, onDeny))
	return e
}

func hit(e *echo.Echo, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/start", nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiter_BurstThenReject(t *testing.T) {
	var denied []string
	e := limitedRoute(0.1, 3, func(route string) { denied = append(denied, route) })

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, hit(e, "1.2.3.4:1234").Code, "request %d within burst", i+1)
	}

	rec := hit(e, "1.2.3.4:1234")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "10", rec.Header().Get(echo.HeaderRetryAfter))
	assert.Equal(t, []string{"/start"}, denied)

	var resp apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "rate limit exceeded", resp.Error)
	assert.Equal(t, apperrors.TypeRateLimited, resp.Type)
	assert.Equal(t, "1.2.3.4", resp.Context["client"])
	assert.Equal(t, "/start", resp.Context["route"])
}

func TestRateLimiter_ClientsHaveSeparateBuckets(t *testing.T) {
	e := limitedRoute(0.01, 1, nil)

	assert.Equal(t, http.StatusOK, hit(e, "1.2.3.4:1234").Code)
	assert.Equal(t, http.StatusOK, hit(e, "5.6.7.8:5678").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(e, "1.2.3.4:1234").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(e, "5.6.7.8:5678").Code)
}

func TestRateLimiter_RetryAfterRoundsUp(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{rate: 5, want: "1"},
		{rate: 1, want: "1"},
		{rate: 0.4, want: "3"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			e := limitedRoute(tt.rate, 1, nil)
			hit(e, "1.2.3.4:1234")

			rec := hit(e, "1.2.3.4:1234")
			require.Equal(t, http.StatusTooManyRequests, rec.Code)
			assert.Equal(t, tt.want, rec.Header().Get(echo.HeaderRetryAfter))
		})
	}
}

func TestControlRoutes_RejectionsCounted(t *testing.T) {
	m := metrics.NewHTTPMetrics(prometheus.NewRegistry())
	srv := newTestServer(t, &mockSessionService{},
		withConfig(func(c *config.Config) {
			c.ControlRateLimit = 0.01
			c.ControlRateBurst = 1
		}),
		func(_ *config.Config, d *Deps) { d.HTTPMetrics = m },
	)

	assert.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/stop", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, doJSON(t, srv, http.MethodPost, "/stop", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, doJSON(t, srv, http.MethodPost, "/test", `{"message":"hi"}`).Code)

	assert.InDelta(t, 1, testutil.ToFloat64(m.RateLimited.WithLabelValues("/stop")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RateLimited.WithLabelValues("/test")), 0)
}
