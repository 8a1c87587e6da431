// Package persistence stores finished backtest results in Postgres: one
// summary row per strategy run plus bulk-inserted trade and skipped-order
// rows linked by foreign key.
package persistence

import (
	"context"
	"io"

	"github.com/stratlab/equitysim/pkg/engine"
)

// Persister is the storage interface the batch runner depends on.
// Implementations must be safe for concurrent callers.
type Persister interface {
	// SaveResult stores one run's summary, trades, and skipped orders.
	// Returns the database id of the summary row.
	SaveResult(ctx context.Context, runID string, res *engine.Result) (int64, error)

	io.Closer
}

// NopPersister discards everything. Used when no database is configured.
type NopPersister struct{}

func (NopPersister) SaveResult(context.Context, string, *engine.Result) (int64, error) {
	return 0, nil
}

func (NopPersister) Close() error { return nil }
