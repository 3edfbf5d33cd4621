package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns    int32  `json:"total_conns"`
	IdleConns     int32  `json:"idle_conns"`
	AcquiredConns int32  `json:"acquired_conns"`
	MaxConns      int32  `json:"max_conns"`
	Healthy       bool   `json:"healthy"`
	Error         string `json:"error,omitempty"`
}

// Check pings the pool with a short timeout and reports its statistics.
func Check(ctx context.Context, pool *pgxpool.Pool) *PoolStats {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	stat := pool.Stat()
	stats := &PoolStats{
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
		Healthy:       true,
	}
	if err := pool.Ping(ctx); err != nil {
		stats.Healthy = false
		stats.Error = err.Error()
	}
	return stats
}
