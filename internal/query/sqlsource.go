package query

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// SQLTradeSource implements TradeSource against the leaderboard-period and
// realized-trade tables spec §1 treats as external, read-only
// collaborators. It shares the application connection pool with the State
// Store (spec §1: "the core consumes them read-only through a narrow
// query interface") but never writes to either table.
type SQLTradeSource struct {
	db *sqlx.DB
}

// NewSQLTradeSource wraps db. Table/column names follow the platform's
// existing leaderboard_periods / trades schema.
func NewSQLTradeSource(db *sqlx.DB) *SQLTradeSource {
	return &SQLTradeSource{db: db}
}

type periodRow struct {
	ID        string    `db:"id"`
	StartTime time.Time `db:"start_time"`
	EndTime   time.Time `db:"end_time"`
}

// PeriodsEndingAfter returns ended periods (end_time <= now()) with
// end_time strictly greater than after, or all ended periods if after is
// nil. Ordering is left to the caller (query.Port re-sorts per §4.2).
func (s *SQLTradeSource) PeriodsEndingAfter(ctx context.Context, after *time.Time) ([]Period, error) {
	var rows []periodRow
	var err error
	if after == nil {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT id, start_time, end_time FROM leaderboard_periods WHERE end_time <= now()`)
	} else {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT id, start_time, end_time FROM leaderboard_periods WHERE end_time <= now() AND end_time > $1`, *after)
	}
	if err != nil {
		return nil, err
	}

	periods := make([]Period, len(rows))
	for i, r := range rows {
		periods[i] = Period{ID: r.ID, StartTime: r.StartTime, EndTime: r.EndTime}
	}
	return periods, nil
}

type tradeAggRow struct {
	WalletAddress string `db:"wallet_address"`
	UserID        string `db:"user_id"`
	SumProfit     int64  `db:"sum_profit"`
	TradeCount    int    `db:"trade_count"`
}

// TradesInWindow aggregates closed trades by wallet over [start, end),
// picking one representative user_id per wallet (the platform guarantees
// a wallet belongs to exactly one user).
func (s *SQLTradeSource) TradesInWindow(ctx context.Context, start, end time.Time) ([]TradeAggregate, error) {
	var rows []tradeAggRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT t.wallet_address AS wallet_address,
			MIN(u.id) AS user_id,
			SUM(t.profit_lamports) AS sum_profit,
			COUNT(*) AS trade_count
		FROM trades t
		JOIN users u ON u.wallet_address = t.wallet_address
		WHERE t.closed_at >= $1 AND t.closed_at < $2
		GROUP BY t.wallet_address`, start, end)
	if err != nil {
		return nil, err
	}

	aggs := make([]TradeAggregate, len(rows))
	for i, r := range rows {
		aggs[i] = TradeAggregate{
			WalletAddress: r.WalletAddress,
			UserID:        r.UserID,
			SumProfit:     r.SumProfit,
			TradeCount:    r.TradeCount,
		}
	}
	return aggs, nil
}
