package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the slice of pgxpool.Stat the health endpoint reports.
type PoolStats struct {
	Total    int32 `json:"total_conns"`
	Idle     int32 `json:"idle_conns"`
	Acquired int32 `json:"acquired_conns"`
	Max      int32 `json:"max_conns"`
}

func poolStats(pool *pgxpool.Pool) PoolStats {
	s := pool.Stat()
	return PoolStats{
		Total:    s.TotalConns(),
		Idle:     s.IdleConns(),
		Acquired: s.AcquiredConns(),
		Max:      s.MaxConns(),
	}
}

// HealthHandler reports whether the grace snapshot store answers. The store
// is off the serving path: an unhealthy pool means a restart would drop live
// sessions, not that requests are failing right now.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		if err := pool.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status":    "unhealthy",
				"component": "grace-store",
				"error":     err.Error(),
				"pool":      poolStats(pool),
			})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"status":    "healthy",
			"component": "grace-store",
			"pool":      poolStats(pool),
		})
	}
}
