package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zafegard/zafegard/internal/auth"
	"github.com/zafegard/zafegard/internal/idgen"
	"github.com/zafegard/zafegard/internal/logging"
	"github.com/zafegard/zafegard/internal/metrics"
	"github.com/zafegard/zafegard/internal/ratelimit"
	"github.com/zafegard/zafegard/internal/security"
	"github.com/zafegard/zafegard/internal/validation"
)

// HeaderRequestID carries the request ID in both directions.
const HeaderRequestID = "X-Request-ID"

// quietPaths are polled by health checkers and scrapers; successful requests to
// them are logged at debug.
var quietPaths = map[string]bool{
	"/health":       true,
	"/health/live":  true,
	"/health/ready": true,
	"/metrics":      true,
}

func (s *Server) setupMiddleware() {
	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	rl.BurstSize = s.cfg.RateLimitBurst
	s.rateLimiter = ratelimit.New(rl)

	s.router.Use(
		requestID(s.logger),
		accessLog(),
		recovery(),
		security.HeadersMiddleware(),
		security.CORSMiddleware(s.cfg.CORSOrigins),
		validation.LimitBody(validation.MaxRequestSize),
		s.rateLimiter.Middleware(),
		metrics.Middleware(),
	)
}

// requestID keeps an upstream request ID when it is well formed, mints one
// otherwise, and puts a request-scoped logger on the context.
func requestID(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if !idgen.Valid(id) {
			id = idgen.New(idgen.Request)
		}
		ctx := logging.WithLogger(c.Request.Context(), logger)
		ctx = logging.WithRequestID(ctx, id)
		c.Request = c.Request.WithContext(ctx)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

func recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"route", c.FullPath(),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	})
}

// accessLog writes one line per request, leveled by status.
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		attrs := []any{
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if caller := auth.Caller(c); !caller.IsZero() {
			attrs = append(attrs, "caller", caller.Short())
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		log := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			log.Error("request", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			log.Warn("request", attrs...)
		case quietPaths[route]:
			log.Debug("request", attrs...)
		default:
			log.Info("request", attrs...)
		}
	}
}

// dbTarget names the database a DSN points at without its credentials.
func dbTarget(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host + "/" + strings.TrimPrefix(u.Path, "/")
}
