// Package postgres implements the storage interfaces over PostgreSQL with
// sqlx on the pgx stdlib driver. Schema migrations are embedded and applied
// with goose at startup.
package postgres

import "github.com/lumenlabs/streamwatch/internal/ingest/metrics"

func observeBatch(statement string, n int) {
	metrics.DBBatchSize.WithLabelValues(statement).Observe(float64(n))
}
