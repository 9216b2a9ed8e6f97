package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"voicelink-backend/pkg/logger"
	"voicelink-backend/pkg/metrics"
)

// DBPoolLimiter implements connection pool exhaustion protection
type DBPoolLimiter struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewDBPoolLimiter creates a new database pool limiter. metrics may be nil.
func NewDBPoolLimiter(pool *pgxpool.Pool, m *metrics.Metrics) *DBPoolLimiter {
	return &DBPoolLimiter{pool: pool, metrics: m}
}

// Middleware sheds requests before the pool is fully exhausted so that
// in-flight work can still acquire connections.
func (dpl *DBPoolLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := dpl.pool.Stat()
		acquired := int(stats.AcquiredConns())
		idle := int(stats.IdleConns())
		maxConns := int(stats.MaxConns())

		if dpl.metrics != nil {
			dpl.metrics.SetDBConnections(acquired, idle)
		}

		if maxConns > 0 && float64(acquired)/float64(maxConns) >= 0.8 {
			logger.Warn("Database connection pool near exhaustion",
				zap.Int("acquired", acquired),
				zap.Int("max", maxConns),
				zap.String("path", c.Request.URL.Path),
			)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Service temporarily unavailable",
				"code":  "DB_POOL_EXHAUSTED",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
