package middleware

import (
	"time"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type LoggingMiddleware struct {
	logger    *logrus.Logger
	config    *LoggingConfig
	skipPaths map[string]bool
}

type LoggingConfig struct {
	SkipPaths       []string
	SlowThreshold   time.Duration
	TimestampFormat string
}

func NewLoggingMiddleware(logger *logrus.Logger, config *LoggingConfig) *LoggingMiddleware {
	if config == nil {
		config = DefaultLoggingConfig()
	}

	skipPaths := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipPaths[path] = true
	}

	return &LoggingMiddleware{
		logger:    logger,
		config:    config,
		skipPaths: skipPaths,
	}
}

func (l *LoggingMiddleware) LogRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.skipPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		entry := l.logger.WithFields(logrus.Fields{
			"status_code": statusCode,
			"latency":     latency,
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        path,
			"body_size":   c.Writer.Size(),
			"user_agent":  c.Request.UserAgent(),
			"timestamp":   start.Format(l.config.TimestampFormat),
		})

		if id := requestid.Get(c); id != "" {
			entry = entry.WithField("request_id", id)
		}
		if userID, exists := c.Get(ContextUserID); exists {
			entry = entry.WithField("user_id", userID)
		}
		if len(c.Errors) > 0 {
			entry = entry.WithField("errors", c.Errors.Errors())
		}
		if l.config.SlowThreshold > 0 && latency > l.config.SlowThreshold {
			entry = entry.WithField("slow", true)
		}

		switch {
		case statusCode >= 500:
			entry.Error("Server error")
		case statusCode >= 400:
			entry.Warn("Client error")
		case l.config.SlowThreshold > 0 && latency > l.config.SlowThreshold:
			entry.Warn("Slow request detected")
		default:
			entry.Info("Request completed")
		}
	}
}

func (l *LoggingMiddleware) LogPanic() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		entry := l.logger.WithFields(logrus.Fields{
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"client_ip": c.ClientIP(),
			"panic":     recovered,
		})
		if id := requestid.Get(c); id != "" {
			entry = entry.WithField("request_id", id)
		}
		if userID, exists := c.Get(ContextUserID); exists {
			entry = entry.WithField("user_id", userID)
		}

		entry.Error("Panic recovered")
		c.AbortWithStatus(500)
	})
}

func DefaultLoggingConfig() *LoggingConfig {
	return &LoggingConfig{
		SkipPaths: []string{
			"/health",
			"/health/live",
			"/health/ready",
			"/metrics",
		},
		SlowThreshold:   2 * time.Second,
		TimestampFormat: time.RFC3339,
	}
}
