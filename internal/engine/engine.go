// Package engine wires the Ledger Gateway, Query Port, State Store,
// Settlement State Machine, and Leader & Tick Scheduler into one
// lifecycle-managed value with explicit Start/Stop, instead of the
// package-global timer state an earlier design might reach for. An HTTP
// layer is an external collaborator — this package exposes the calls that
// layer would forward to (Status, History, Rules, Run, IsLeader) without
// owning any transport concern itself.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bags-rewards/settler/internal/config"
	"github.com/bags-rewards/settler/internal/ledger"
	"github.com/bags-rewards/settler/internal/metrics"
	"github.com/bags-rewards/settler/internal/money"
	"github.com/bags-rewards/settler/internal/pot"
	"github.com/bags-rewards/settler/internal/query"
	"github.com/bags-rewards/settler/internal/scheduler"
	"github.com/bags-rewards/settler/internal/settlement"
	"github.com/bags-rewards/settler/internal/store"
)

// Engine is the lifecycle-managed singleton. Construct with New, call
// Start once, Stop on shutdown.
type Engine struct {
	cfg       *config.Config
	log       *zap.Logger
	store     store.Store
	gateway   *ledger.Gateway
	query     query.Port
	settler   *settlement.Settler
	scheduler *scheduler.Scheduler

	enabled bool
}

// New wires every component from cfg but does not start any background
// work; call Start for that. source adapts whatever external
// leaderboard/trade-history tables this deployment reads from into the
// Query Port's TradeSource contract; chain and claim are the external
// chain-RPC client and fee-claim SDK the Ledger Gateway delegates to.
func New(cfg *config.Config, logger *zap.Logger, st store.Store, source query.TradeSource, chain ledger.ChainClient, claim ledger.FeeClaimSDK) (*Engine, error) {
	qp, err := query.New(source)
	if err != nil {
		return nil, fmt.Errorf("engine: construct query port: %w", err)
	}

	gw := ledger.New(chain, claim, ledger.Config{
		VaultReserveLamports: cfg.VaultReserveLamports,
		DryRun:               cfg.DryRun,
		MaxRetries:           config.MaxPayoutRetries,
	}, logger)

	settler := settlement.New(st, gw, qp, settlement.Config{
		RewardsPoolBps:       cfg.RewardsPoolBps,
		MinTrades:            cfg.MinTrades,
		VaultReserveLamports: cfg.VaultReserveLamports,
		TokenMint:            cfg.TokenMint,
		DryRun:               cfg.DryRun,
		StuckEpochTimeout:    config.StuckEpochTimeout,
	}, logger)

	var lock scheduler.Locker
	if pg, ok := st.(*store.Postgres); ok {
		lock = scheduler.NewPgLock(pg.Pool())
	} else {
		lock = scheduler.NewNoopLock()
	}
	sched := scheduler.New(lock, settler, scheduler.Config{
		TickInterval:        config.EngineTickInterval,
		LeaderCheckInterval: config.LeaderCheckInterval,
	}, logger)

	return &Engine{
		cfg:       cfg,
		log:       logger,
		store:     st,
		gateway:   gw,
		query:     qp,
		settler:   settler,
		scheduler: sched,
	}, nil
}

// Start initializes the Ledger Gateway first; if required configuration is
// absent or the Gateway reports not-ready, the engine stays disabled with
// no state mutations and no timers. Otherwise it installs the Scheduler's
// loops.
func (e *Engine) Start(ctx context.Context) error {
	if !e.cfg.HasLedgerConfig() {
		e.log.Warn("ledger configuration absent, engine disabled")
		e.enabled = false
		return nil
	}

	ready, err := e.gateway.Init(ctx)
	if err != nil {
		return fmt.Errorf("engine: gateway init: %w", err)
	}
	if !ready {
		e.log.Warn("ledger gateway not ready, engine disabled")
		e.enabled = false
		return nil
	}
	e.enabled = true
	return e.scheduler.Start(ctx)
}

// Stop releases the advisory lock and cancels the Scheduler's loops, if
// they were ever started.
func (e *Engine) Stop(ctx context.Context) {
	if !e.enabled {
		return
	}
	e.scheduler.Stop(ctx)
}

// IsLeader reports whether this process currently holds exclusive
// settlement rights.
func (e *Engine) IsLeader() bool {
	return e.enabled && e.scheduler.IsLeader()
}

// Run is the manual-trigger entry point. It mirrors the Scheduler's
// single-flight guard and additionally rejects when the engine never
// finished startup (missing configuration).
func (e *Engine) Run(ctx context.Context) (ok bool, message string) {
	if !e.enabled {
		return false, "engine not configured"
	}
	ran, reason := e.scheduler.Trigger(ctx)
	if !ran {
		return false, string(reason)
	}
	return true, "processed"
}

// Status is the engine-status response shape. All lamport amounts are
// money.Lamports so they marshal as decimal strings.
type Status struct {
	Enabled                 bool             `json:"enabled"`
	IsLeader                bool             `json:"isLeader"`
	DryRun                  bool             `json:"dryRun"`
	VaultBalanceLamports    money.Lamports   `json:"vaultBalanceLamports"`
	CarryRewardsLamports    money.Lamports   `json:"carryRewardsLamports"`
	TreasuryAccruedLamports money.Lamports   `json:"treasuryAccruedLamports"`
	ActivePeriodEndsAt      *time.Time       `json:"activePeriodEndsAt,omitempty"`
	LastProcessedPeriodID   *string          `json:"lastProcessedPeriodId,omitempty"`
	LastEpoch               *EpochSummary    `json:"lastEpoch,omitempty"`
}

// EpochSummary is the compact per-epoch shape embedded in Status and
// listed in History.
type EpochSummary struct {
	EpochID             int64           `json:"epochId"`
	LeaderboardPeriodID string          `json:"leaderboardPeriodId"`
	Status              string          `json:"status"`
	FailureReason       *string         `json:"failureReason,omitempty"`
	TotalPot            money.Lamports  `json:"totalPot"`
	TotalPaid           money.Lamports  `json:"totalPaid"`
	PayoutTxSignature   *string         `json:"payoutTxSignature,omitempty"`
	Winners             []WinnerSummary `json:"winners,omitempty"`
}

// WinnerSummary is one ranked payout row attached to an EpochSummary.
type WinnerSummary struct {
	Rank           int            `json:"rank"`
	WalletAddress  string         `json:"walletAddress"`
	UserID         string         `json:"userId"`
	ProfitLamports money.Lamports `json:"profitLamports"`
	TradeCount     int            `json:"tradeCount"`
	PayoutLamports money.Lamports `json:"payoutLamports"`
}

// Status builds the current engine-status payload.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	state, err := e.store.GetState(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: status: read state: %w", err)
	}

	vault, err := e.gateway.VaultBalance(ctx)
	if err != nil {
		e.log.Warn("status: vault balance read failed", zap.Error(err))
	} else {
		metrics.SetVaultBalance(vault)
	}

	st := &Status{
		Enabled:                 e.enabled,
		IsLeader:                e.IsLeader(),
		DryRun:                  e.cfg.DryRun,
		VaultBalanceLamports:    money.Lamports(vault),
		CarryRewardsLamports:    money.Lamports(state.CarryRewardsLamports),
		TreasuryAccruedLamports: money.Lamports(state.TreasuryAccruedLamports),
		LastProcessedPeriodID:   state.LastProcessedPeriodID,
	}

	next, err := e.query.NextPeriodToProcess(ctx, state.LastProcessedPeriodEnd)
	if err == nil && next != nil {
		end := next.EndTime
		st.ActivePeriodEndsAt = &end
	}

	if state.LastProcessedPeriodID != nil {
		epoch, err := e.store.GetEpochByPeriodID(ctx, *state.LastProcessedPeriodID)
		if err == nil {
			summary, serr := e.summarize(ctx, epoch)
			if serr == nil {
				st.LastEpoch = summary
			}
		}
	}

	return st, nil
}

// History lists the most recent epochs, each with its winners attached,
// sorted by rank.
func (e *Engine) History(ctx context.Context, limit int) ([]EpochSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	epochs, err := e.store.RecentEpochs(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("engine: history: %w", err)
	}

	out := make([]EpochSummary, 0, len(epochs))
	for i := range epochs {
		summary, err := e.summarize(ctx, &epochs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *summary)
	}
	return out, nil
}

func (e *Engine) summarize(ctx context.Context, epoch *store.Epoch) (*EpochSummary, error) {
	summary := &EpochSummary{
		EpochID:             epoch.EpochID,
		LeaderboardPeriodID: epoch.LeaderboardPeriodID,
		Status:              string(epoch.Status),
		FailureReason:       epoch.FailureReason,
		TotalPot:            money.Lamports(epoch.TotalPot),
		TotalPaid:           money.Lamports(epoch.TotalPaid),
		PayoutTxSignature:   epoch.PayoutTxSignature,
	}

	if epoch.Status == store.StatusCompleted {
		winners, err := e.store.WinnersForEpoch(ctx, epoch.EpochID)
		if err != nil {
			return nil, fmt.Errorf("engine: winners for epoch %d: %w", epoch.EpochID, err)
		}
		summary.Winners = make([]WinnerSummary, len(winners))
		for i, w := range winners {
			summary.Winners[i] = WinnerSummary{
				Rank:           w.Rank,
				WalletAddress:  w.WalletAddress,
				UserID:         w.UserID,
				ProfitLamports: money.Lamports(w.ProfitLamports),
				TradeCount:     w.TradeCount,
				PayoutLamports: money.Lamports(w.PayoutLamports),
			}
		}
	}
	return summary, nil
}

// Rules is a static snapshot of the config that governs payout
// eligibility and splitting.
type Rules struct {
	RewardsPoolBps       uint32   `json:"rewardsPoolBps"`
	MinTrades            int      `json:"minTrades"`
	SplitWeightsPct      [3]uint64 `json:"splitWeightsPct"`
	VaultReserveLamports money.Lamports `json:"vaultReserveLamports"`
}

// Rules returns the current static config snapshot.
func (e *Engine) Rules() Rules {
	return Rules{
		RewardsPoolBps:       e.cfg.RewardsPoolBps,
		MinTrades:            e.cfg.MinTrades,
		SplitWeightsPct:      pot.SplitWeights,
		VaultReserveLamports: money.Lamports(e.cfg.VaultReserveLamports),
	}
}
