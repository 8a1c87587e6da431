package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stratlab/equitysim/pkg/engine"
)

// Client provides database persistence for backtest results over a pgx
// connection pool.
type Client struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	// Writes are serialized: concurrent workers finish runs at the same
	// time and the result/trade/skip insert must stay one transaction per
	// run without interleaving COPY streams.
	mu sync.Mutex
}

// NewClient creates a new database client with a connection pool.
func NewClient(ctx context.Context, connStr string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("Database connection pool established", "max_conns", config.MaxConns)
	return &Client{pool: pool, logger: logger}, nil
}

// Close shuts down the connection pool.
func (c *Client) Close() error {
	c.pool.Close()
	c.logger.Info("Database connection pool closed")
	return nil
}

// SaveResult stores one run's summary row plus its trade and skipped-order
// rows in a single transaction. A rerun of the same (run_id, strategy_id)
// leaves the existing rows untouched and returns their summary id.
func (c *Client) SaveResult(ctx context.Context, runID string, res *engine.Result) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := BuildResultRecord(runID, res)

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO backtest_results
			(run_id, strategy_id, strategy_name, status, detail,
			 period_start, period_end, initial_capital, final_value,
			 total_return, annualized_return, max_drawdown, volatility,
			 sharpe, sortino, calmar,
			 trade_count, win_rate, profit_factor, avg_hold_days)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		         $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		 ON CONFLICT (run_id, strategy_id) DO NOTHING
		 RETURNING id`,
		rec.RunID, rec.StrategyID, rec.StrategyName, rec.Status, rec.Detail,
		rec.PeriodStart, rec.PeriodEnd, rec.InitialCapital, rec.FinalValue,
		rec.TotalReturn, rec.AnnualizedReturn, rec.MaxDrawdown, rec.Volatility,
		rec.Sharpe, rec.Sortino, rec.Calmar,
		rec.TradeCount, rec.WinRate, rec.ProfitFactor, rec.AvgHoldDays,
	).Scan(&id)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// ON CONFLICT DO NOTHING fired: the run was already persisted.
			existing, lookupErr := c.lookupResultID(ctx, tx, runID, res.StrategyID)
			if lookupErr != nil {
				return 0, fmt.Errorf("looking up existing result: %w", lookupErr)
			}
			c.logger.Info("Result already persisted",
				"run_id", runID, "strategy_id", res.StrategyID, "result_id", existing)
			return existing, tx.Commit(ctx)
		}
		return 0, fmt.Errorf("inserting result: %w", err)
	}

	if n, err := c.saveTrades(ctx, tx, id, BuildTradeRecords(res.Trades)); err != nil {
		return 0, err
	} else if n > 0 {
		c.logger.Debug("Saved trade rows", "result_id", id, "count", n)
	}
	if n, err := c.saveSkips(ctx, tx, id, BuildSkipRecords(res.Skipped)); err != nil {
		return 0, err
	} else if n > 0 {
		c.logger.Debug("Saved skipped-order rows", "result_id", id, "count", n)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing result transaction: %w", err)
	}

	c.logger.Info("Saved backtest result",
		"run_id", runID,
		"strategy_id", res.StrategyID,
		"result_id", id,
		"trades", len(res.Trades),
		"skipped", len(res.Skipped),
	)
	return id, nil
}

// lookupResultID finds the summary row id for a previously persisted run.
func (c *Client) lookupResultID(ctx context.Context, tx pgx.Tx, runID string, strategyID int) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx,
		`SELECT id FROM backtest_results WHERE run_id = $1 AND strategy_id = $2`,
		runID, strategyID,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// saveTrades bulk-inserts trade rows with COPY.
func (c *Client) saveTrades(ctx context.Context, tx pgx.Tx, resultID int64, trades []TradeRecord) (int, error) {
	if len(trades) == 0 {
		return 0, nil
	}

	rows := make([][]interface{}, len(trades))
	for i, t := range trades {
		rows[i] = []interface{}{
			resultID,
			t.Symbol, t.TradeDate, t.Side,
			t.Quantity, t.Price, t.Fee,
			t.Reason, t.PnL, t.HeldDays,
		}
	}

	copyCount, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"backtest_trades"},
		[]string{
			"backtest_result_id",
			"symbol", "trade_date", "side",
			"quantity", "price", "fee",
			"reason", "pnl", "held_days",
		},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("bulk inserting trades: %w", err)
	}
	return int(copyCount), nil
}

// saveSkips bulk-inserts skipped-order rows with COPY.
func (c *Client) saveSkips(ctx context.Context, tx pgx.Tx, resultID int64, skips []SkipRecord) (int, error) {
	if len(skips) == 0 {
		return 0, nil
	}

	rows := make([][]interface{}, len(skips))
	for i, s := range skips {
		rows[i] = []interface{}{resultID, s.Symbol, s.SkipDate, s.Side, s.Reason}
	}

	copyCount, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"backtest_skipped_orders"},
		[]string{"backtest_result_id", "symbol", "skip_date", "side", "reason"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("bulk inserting skipped orders: %w", err)
	}
	return int(copyCount), nil
}
