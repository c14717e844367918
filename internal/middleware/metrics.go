package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nathanyu/pocket-pal/internal/telemetry"
)

const errorKindKey = "pocketpal.error_kind"

// SetErrorKind tags the request with the failure kind reported to the client.
// Metrics counts it once the handler returns.
func SetErrorKind(c *gin.Context, kind string) {
	c.Set(errorKindKey, kind)
}

// ErrorKind returns the kind set by SetErrorKind, or "".
func ErrorKind(c *gin.Context) string {
	return c.GetString(errorKindKey)
}

// Metrics records per-route request counts, latency, concurrency and failure
// kinds. Routes are the registered templates, so account ids never become
// label values.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		inFlight := telemetry.HTTPRequestsInFlight.WithLabelValues(c.Request.Method)
		inFlight.Inc()
		defer inFlight.Dec()

		start := time.Now()
		c.Next()
		elapsed := time.Since(start).Seconds()

		route := routeOf(c)
		method := c.Request.Method
		telemetry.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed)
		if kind := ErrorKind(c); kind != "" {
			telemetry.HTTPErrorsTotal.WithLabelValues(route, kind).Inc()
		}
	}
}
