package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sat/internal/metrics"
	"github.com/stemsi/exstem-sat/internal/response"
)

// Observability records Prometheus metrics and a structured access log line
// for every routed request.
func Observability(log zerolog.Logger) gin.HandlerFunc {
	metrics.RegisterMetrics()
	log = log.With().Str("component", "http").Logger()

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		status := c.Writer.Status()

		metrics.Requests().WithLabelValues(method, route, strconv.Itoa(status)).Inc()
		metrics.Latency().WithLabelValues(method, route).Observe(duration.Seconds())

		event := log.Info()
		switch {
		case status >= 500:
			event = log.Error()
		case status >= 400:
			event = log.Warn()
		}
		event.Str("request_id", response.RequestID(c)).
			Str("method", method).
			Str("route", route).
			Int("status", status).
			Dur("latency", duration).
			Msg("request completed")
	}
}
