package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Postgres is the production Store, following the bat-go promotion
// datastore's BeginTxx / defer RollbackTx pattern (other_examples
// brave-intl-bat-go services/promotion/datastore.go).
type Postgres struct {
	db *sqlx.DB
}

// Open connects to databaseURL and returns a ready Postgres store.
func Open(databaseURL string) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	return &Postgres{db: db}, nil
}

// RollbackTx rolls back a transaction, swallowing sql.ErrTxDone so a defer
// after a successful Commit is a no-op, matching the teacher pattern.
func RollbackTx(tx *sqlx.Tx) {
	if tx == nil {
		return
	}
	_ = tx.Rollback()
}

func (pg *Postgres) Close() error { return pg.db.Close() }

// Pool exposes the underlying connection pool so collaborators outside
// this package (the advisory-lock Locker) can check out their own
// dedicated connection from it.
func (pg *Postgres) Pool() *sqlx.DB { return pg.db }

func (pg *Postgres) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := pg.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

func (pg *Postgres) GetState(ctx context.Context) (*RewardsState, error) {
	var s RewardsState
	err := pg.db.GetContext(ctx, &s, `SELECT * FROM rewards_state LIMIT 1`)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get state: %w", err)
	}
	return &s, nil
}

func (pg *Postgres) GetEpochByPeriodID(ctx context.Context, periodID string) (*Epoch, error) {
	return getEpochByPeriodID(ctx, pg.db, periodID)
}

func (pg *Postgres) GetEpoch(ctx context.Context, epochID int64) (*Epoch, error) {
	return getEpoch(ctx, pg.db, epochID)
}

func (pg *Postgres) RecentEpochs(ctx context.Context, limit int) ([]Epoch, error) {
	var epochs []Epoch
	err := pg.db.SelectContext(ctx, &epochs,
		`SELECT * FROM epochs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent epochs: %w", err)
	}
	for i := range epochs {
		if err := loadEpochJSON(pg.db, ctx, &epochs[i]); err != nil {
			return nil, err
		}
	}
	return epochs, nil
}

func (pg *Postgres) WinnersForEpoch(ctx context.Context, epochID int64) ([]Winner, error) {
	var winners []Winner
	err := pg.db.SelectContext(ctx, &winners,
		`SELECT * FROM winners WHERE epoch_id = $1 ORDER BY rank ASC`, epochID)
	if err != nil {
		return nil, fmt.Errorf("store: winners for epoch: %w", err)
	}
	return winners, nil
}

func (pg *Postgres) StuckEpochs(ctx context.Context, cutoff time.Time) ([]Epoch, error) {
	var epochs []Epoch
	err := pg.db.SelectContext(ctx, &epochs,
		`SELECT * FROM epochs WHERE status IN ('claiming','paying') AND updated_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: stuck epochs: %w", err)
	}
	for i := range epochs {
		if err := loadEpochJSON(pg.db, ctx, &epochs[i]); err != nil {
			return nil, err
		}
	}
	return epochs, nil
}

func (pg *Postgres) UpdatePayoutSignature(ctx context.Context, epochID int64, signature string) error {
	_, err := pg.db.ExecContext(ctx,
		`UPDATE epochs SET payout_tx_signature = $1, updated_at = now() WHERE epoch_id = $2`,
		signature, epochID)
	if err != nil {
		return fmt.Errorf("store: update payout signature: %w", err)
	}
	return nil
}

// pgTx implements Tx over one *sqlx.Tx.
type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) Commit() error   { return t.tx.Commit() }
func (t *pgTx) Rollback() error { return t.tx.Rollback() }

func (t *pgTx) GetState(ctx context.Context) (*RewardsState, error) {
	var s RewardsState
	err := t.tx.GetContext(ctx, &s, `SELECT * FROM rewards_state LIMIT 1 FOR UPDATE`)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: tx get state: %w", err)
	}
	return &s, nil
}

func (t *pgTx) UpsertState(ctx context.Context, s *RewardsState) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO rewards_state (id, carry_rewards_lamports, treasury_accrued_lamports,
			last_processed_period_id, last_processed_period_end, updated_at)
		VALUES (1, $1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET
			carry_rewards_lamports = EXCLUDED.carry_rewards_lamports,
			treasury_accrued_lamports = EXCLUDED.treasury_accrued_lamports,
			last_processed_period_id = EXCLUDED.last_processed_period_id,
			last_processed_period_end = EXCLUDED.last_processed_period_end,
			updated_at = now()`,
		s.CarryRewardsLamports, s.TreasuryAccruedLamports,
		s.LastProcessedPeriodID, s.LastProcessedPeriodEnd)
	if err != nil {
		return fmt.Errorf("store: upsert state: %w", err)
	}
	return nil
}

func (t *pgTx) GetEpochByPeriodID(ctx context.Context, periodID string) (*Epoch, error) {
	return getEpochByPeriodID(ctx, t.tx, periodID)
}

func (t *pgTx) GetEpoch(ctx context.Context, epochID int64) (*Epoch, error) {
	return getEpoch(ctx, t.tx, epochID)
}

func (t *pgTx) InsertEpoch(ctx context.Context, e *Epoch) (int64, error) {
	sigsJSON, err := json.Marshal(e.ClaimTxSignatures)
	if err != nil {
		return 0, fmt.Errorf("store: marshal signatures: %w", err)
	}
	var epochID int64
	err = t.tx.GetContext(ctx, &epochID, `
		INSERT INTO epochs (leaderboard_period_id, period_start, period_end, rewards_pool_bps,
			status, claim_tx_signatures, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		RETURNING epoch_id`,
		e.LeaderboardPeriodID, e.PeriodStart, e.PeriodEnd, e.RewardsPoolBps, e.Status, sigsJSON)
	if err != nil {
		return 0, fmt.Errorf("store: insert epoch: %w", err)
	}
	return epochID, nil
}

func (t *pgTx) UpdateEpoch(ctx context.Context, e *Epoch) error {
	sigsJSON, err := json.Marshal(e.ClaimTxSignatures)
	if err != nil {
		return fmt.Errorf("store: marshal signatures: %w", err)
	}
	planJSON, err := json.Marshal(e.PayoutPlan)
	if err != nil {
		return fmt.Errorf("store: marshal payout plan: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE epochs SET
			before_balance = $1, after_balance = $2, total_inflow = $3,
			reward_inflow = $4, treasury_inflow = $5, claim_started_at = $6,
			claim_completed_at = $7, claim_tx_signatures = $8, treasury_counted = $9,
			carry_in = $10, total_pot = $11, payout_plan = $12, has_payout_plan = $13,
			payout_started_at = $14, payout_completed_at = $15, payout_tx_signature = $16,
			total_paid = $17, status = $18, failure_reason = $19, updated_at = now()
		WHERE epoch_id = $20`,
		e.BeforeBalance, e.AfterBalance, e.TotalInflow,
		e.RewardInflow, e.TreasuryInflow, e.ClaimStartedAt,
		e.ClaimCompletedAt, sigsJSON, e.TreasuryCounted,
		e.CarryIn, e.TotalPot, planJSON, e.HasPayoutPlan,
		e.PayoutStartedAt, e.PayoutCompletedAt, e.PayoutTxSignature,
		e.TotalPaid, e.Status, e.FailureReason, e.EpochID)
	if err != nil {
		return fmt.Errorf("store: update epoch: %w", err)
	}
	return nil
}

func (t *pgTx) InsertWinners(ctx context.Context, winners []Winner) error {
	for _, w := range winners {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO winners (epoch_id, rank, wallet_address, user_id, profit_lamports, trade_count, payout_lamports)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT DO NOTHING`,
			w.EpochID, w.Rank, w.WalletAddress, w.UserID, w.ProfitLamports, w.TradeCount, w.PayoutLamports)
		if err != nil {
			if isUniqueViolation(err) {
				continue
			}
			return fmt.Errorf("store: insert winner: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if ok := asPQError(err, &pqErr); ok {
		return pqErr.Code == "23505"
	}
	return false
}

func asPQError(err error, target **pq.Error) bool {
	pe, ok := err.(*pq.Error)
	if !ok {
		return false
	}
	*target = pe
	return true
}

// sqlxExt is the subset of *sqlx.DB/*sqlx.Tx this file needs, so the
// shared read helpers work against either.
type sqlxExt interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

func getEpochByPeriodID(ctx context.Context, ext sqlxExt, periodID string) (*Epoch, error) {
	var e Epoch
	err := ext.GetContext(ctx, &e, `SELECT * FROM epochs WHERE leaderboard_period_id = $1`, periodID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get epoch by period: %w", err)
	}
	if err := loadEpochJSONFromExt(ext, ctx, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func getEpoch(ctx context.Context, ext sqlxExt, epochID int64) (*Epoch, error) {
	var e Epoch
	err := ext.GetContext(ctx, &e, `SELECT * FROM epochs WHERE epoch_id = $1`, epochID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get epoch: %w", err)
	}
	if err := loadEpochJSONFromExt(ext, ctx, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// loadEpochJSON/loadEpochJSONFromExt decode the JSON array columns that
// `db:"-"` excludes from the struct-scan path (claim signatures, payout
// plan), following §6.3's "lists are JSON arrays" requirement.
func loadEpochJSON(db *sqlx.DB, ctx context.Context, e *Epoch) error {
	return loadEpochJSONFromExt(db, ctx, e)
}

func loadEpochJSONFromExt(ext sqlxExt, ctx context.Context, e *Epoch) error {
	var row struct {
		ClaimTxSignatures []byte `db:"claim_tx_signatures"`
		PayoutPlan        []byte `db:"payout_plan"`
	}
	if err := ext.GetContext(ctx, &row,
		`SELECT claim_tx_signatures, payout_plan FROM epochs WHERE epoch_id = $1`, e.EpochID); err != nil {
		return fmt.Errorf("store: load epoch json columns: %w", err)
	}
	if len(row.ClaimTxSignatures) > 0 {
		if err := json.Unmarshal(row.ClaimTxSignatures, &e.ClaimTxSignatures); err != nil {
			return fmt.Errorf("store: unmarshal claim signatures: %w", err)
		}
	}
	if len(row.PayoutPlan) > 0 && e.HasPayoutPlan {
		if err := json.Unmarshal(row.PayoutPlan, &e.PayoutPlan); err != nil {
			return fmt.Errorf("store: unmarshal payout plan: %w", err)
		}
	}
	return nil
}
