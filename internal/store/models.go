// Package store implements the durable State Store (spec §4.3, component
// C3): the RewardsState singleton, per-period Epoch records, per-epoch
// Winner rows, and the serializable-transaction primitive every
// money-affecting transition executes inside.
package store

import "time"

// EpochStatus is the lifecycle status of one Epoch (spec §3.3).
type EpochStatus string

const (
	StatusCreated  EpochStatus = "created"
	StatusClaiming EpochStatus = "claiming"
	StatusPaying   EpochStatus = "paying"
	StatusCompleted EpochStatus = "completed"
	StatusSkipped  EpochStatus = "skipped"
	StatusFailed   EpochStatus = "failed"
)

// Failure reasons used across the state machine and recovery (spec §4.5,
// §7).
const (
	ReasonInsufficientEligibleWallets = "insufficient_eligible_wallets"
	ReasonInsufficientVaultBalance    = "insufficient_vault_balance"
	ReasonStuckInClaimingNoBefore     = "stuck_in_claiming_no_before_balance"
	ReasonStuckInPayingNoPlan         = "stuck_in_paying_no_plan"
)

// RewardsState is the process-wide singleton (spec §3.1). There is exactly
// one row for the lifetime of the system (invariant 1).
type RewardsState struct {
	CarryRewardsLamports    uint64    `db:"carry_rewards_lamports"`
	TreasuryAccruedLamports uint64    `db:"treasury_accrued_lamports"`
	LastProcessedPeriodID   *string   `db:"last_processed_period_id"`
	LastProcessedPeriodEnd  *time.Time `db:"last_processed_period_end"`
	UpdatedAt               time.Time `db:"updated_at"`
}

// PayoutPlanEntry is one ordered row of an Epoch's payout plan (spec §3.1).
type PayoutPlanEntry struct {
	Rank           int    `json:"rank"`
	Wallet         string `json:"wallet"`
	AmountLamports string `json:"amountLamports"`
	UserID         string `json:"userId"`
	ProfitLamports string `json:"profitLamports"`
	TradeCount     int    `json:"tradeCount"`
}

// Epoch is one leaderboard period's settlement record (spec §3.1).
type Epoch struct {
	EpochID             int64       `db:"epoch_id"`
	LeaderboardPeriodID string      `db:"leaderboard_period_id"`
	PeriodStart         time.Time   `db:"period_start"`
	PeriodEnd           time.Time   `db:"period_end"`

	RewardsPoolBps uint32 `db:"rewards_pool_bps"`

	BeforeBalance     *uint64    `db:"before_balance"`
	AfterBalance      *uint64    `db:"after_balance"`
	TotalInflow       uint64     `db:"total_inflow"`
	RewardInflow      uint64     `db:"reward_inflow"`
	TreasuryInflow    uint64     `db:"treasury_inflow"`
	ClaimStartedAt    *time.Time `db:"claim_started_at"`
	ClaimCompletedAt  *time.Time `db:"claim_completed_at"`
	ClaimTxSignatures []string   `db:"-"`

	// TreasuryCounted guards against double-crediting treasuryAccrued
	// when a stuck "claiming" epoch is reset and Decide re-runs (spec §9
	// Open Question #1; resolved per DESIGN.md).
	TreasuryCounted bool `db:"treasury_counted"`

	CarryIn  uint64 `db:"carry_in"`
	TotalPot uint64 `db:"total_pot"`

	PayoutPlan         [3]PayoutPlanEntry `db:"-"`
	HasPayoutPlan      bool               `db:"has_payout_plan"`
	PayoutStartedAt    *time.Time         `db:"payout_started_at"`
	PayoutCompletedAt  *time.Time         `db:"payout_completed_at"`
	PayoutTxSignature  *string            `db:"payout_tx_signature"`
	TotalPaid          uint64             `db:"total_paid"`

	Status        EpochStatus `db:"status"`
	FailureReason *string     `db:"failure_reason"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Winner is one ranked payout row for a completed epoch (spec §3.1).
type Winner struct {
	EpochID         int64  `db:"epoch_id"`
	Rank            int    `db:"rank"`
	WalletAddress   string `db:"wallet_address"`
	UserID          string `db:"user_id"`
	ProfitLamports  uint64 `db:"profit_lamports"`
	TradeCount      int    `db:"trade_count"`
	PayoutLamports  uint64 `db:"payout_lamports"`
}
