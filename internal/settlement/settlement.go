// Package settlement implements the Settlement State Machine (spec §4.5,
// component C5): the claim -> decide -> pay -> finalize pipeline that turns
// one leaderboard period into at most one on-chain payout, plus the
// recovery sweep that makes a crash at any point safe to resume from.
//
// Every exported entry point (ProcessNextPeriod, RunRecovery) assumes the
// caller already holds the cross-replica leader lock (component C6); this
// package has no opinion about leadership, only about what a single active
// settler does on each tick.
package settlement

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bags-rewards/settler/internal/ledger"
	"github.com/bags-rewards/settler/internal/metrics"
	"github.com/bags-rewards/settler/internal/money"
	"github.com/bags-rewards/settler/internal/pot"
	"github.com/bags-rewards/settler/internal/query"
	"github.com/bags-rewards/settler/internal/store"
)

// Config bundles the per-tick tunables a Settler reads when it creates a
// new Epoch or decides whether to pay one out. RewardsPoolBps is
// snapshotted onto the Epoch at creation time (spec §3.1); the other fields
// are read from Config each time they are used.
type Config struct {
	RewardsPoolBps       uint32
	MinTrades            int
	VaultReserveLamports uint64
	TokenMint            string
	DryRun               bool
	StuckEpochTimeout    time.Duration
}

// Settler drives the state machine for a single leaderboard period at a
// time. It holds no in-process state beyond its collaborators; all
// progress lives in Store.
type Settler struct {
	store store.Store
	gw    *ledger.Gateway
	query query.Port
	cfg   Config
	log   *zap.Logger

	// now is overridable for deterministic recovery-sweep tests.
	now func() time.Time
}

// New constructs a Settler.
func New(st store.Store, gw *ledger.Gateway, qp query.Port, cfg Config, logger *zap.Logger) *Settler {
	if cfg.StuckEpochTimeout == 0 {
		cfg.StuckEpochTimeout = 15 * time.Minute
	}
	return &Settler{store: st, gw: gw, query: qp, cfg: cfg, log: logger, now: time.Now}
}

// ProcessNextPeriod runs phases A through E (or as much of that pipeline as
// the current epoch's status allows) for the next unprocessed leaderboard
// period, if any. It returns (false, nil) when there is nothing to do this
// tick — that is not an error.
func (s *Settler) ProcessNextPeriod(ctx context.Context) (processed bool, err error) {
	start := s.now()
	defer func() { metrics.ObserveTickDuration(s.now().Sub(start).Seconds()) }()

	state, err := s.store.GetState(ctx)
	if err != nil {
		return false, fmt.Errorf("settlement: read state: %w", err)
	}

	period, err := s.query.NextPeriodToProcess(ctx, state.LastProcessedPeriodEnd)
	if err != nil {
		return false, fmt.Errorf("settlement: resolve next period: %w", err)
	}
	if period == nil {
		return false, nil
	}

	epoch, action, err := s.resolveEpoch(ctx, period)
	if err != nil {
		return false, fmt.Errorf("settlement: resolve epoch %s: %w", period.ID, err)
	}
	switch action {
	case actionDone, actionDeferredToRecovery:
		return action == actionDone, nil
	}

	if epoch.ClaimCompletedAt == nil {
		epoch, err = s.runClaim(ctx, epoch)
		if err != nil {
			s.log.Warn("claim phase left epoch in claiming, recovery will resume it",
				zap.Int64("epochID", epoch.EpochID), zap.Error(err))
			return true, nil
		}
	}

	epoch, decided, err := s.runDecide(ctx, epoch)
	if err != nil {
		return false, fmt.Errorf("settlement: decide epoch %d: %w", epoch.EpochID, err)
	}
	if !decided {
		// Skipped: insufficient eligible wallets or insufficient vault
		// balance. Carry was restored and the cursor advanced already.
		return true, nil
	}

	if err := s.runPayout(ctx, epoch); err != nil {
		return false, fmt.Errorf("settlement: payout epoch %d: %w", epoch.EpochID, err)
	}
	return true, nil
}

type epochAction int

const (
	actionProceed epochAction = iota
	actionDone
	actionDeferredToRecovery
)

// resolveEpoch implements phase A (spec §4.5.A): find-or-create the Epoch
// for period, and decide whether normal processing should proceed, is
// already finished, or belongs to the recovery sweep instead.
func (s *Settler) resolveEpoch(ctx context.Context, period *query.Period) (*store.Epoch, epochAction, error) {
	epoch, err := s.store.GetEpochByPeriodID(ctx, period.ID)
	if err == store.ErrNotFound {
		tx, berr := s.store.BeginTx(ctx)
		if berr != nil {
			return nil, actionDone, berr
		}
		defer tx.Rollback()
		id, ierr := tx.InsertEpoch(ctx, &store.Epoch{
			LeaderboardPeriodID: period.ID,
			PeriodStart:         period.StartTime,
			PeriodEnd:           period.EndTime,
			RewardsPoolBps:      s.cfg.RewardsPoolBps,
			Status:              store.StatusCreated,
		})
		if ierr != nil {
			return nil, actionDone, ierr
		}
		if cerr := tx.Commit(); cerr != nil {
			return nil, actionDone, cerr
		}
		epoch, err = s.store.GetEpoch(ctx, id)
		if err != nil {
			return nil, actionDone, err
		}
		return epoch, actionProceed, nil
	}
	if err != nil {
		return nil, actionDone, err
	}

	switch epoch.Status {
	case store.StatusCompleted, store.StatusSkipped:
		if err := s.advanceCursor(ctx, epoch); err != nil {
			return nil, actionDone, err
		}
		return epoch, actionDone, nil
	case store.StatusClaiming, store.StatusPaying:
		// A crash mid-pipeline. The recovery sweep owns these, not the
		// normal path, so that a single tick never resends a payout.
		return epoch, actionDeferredToRecovery, nil
	case store.StatusFailed:
		tx, berr := s.store.BeginTx(ctx)
		if berr != nil {
			return nil, actionDone, berr
		}
		defer tx.Rollback()
		epoch.Status = store.StatusCreated
		epoch.FailureReason = nil
		if uerr := tx.UpdateEpoch(ctx, epoch); uerr != nil {
			return nil, actionDone, uerr
		}
		if cerr := tx.Commit(); cerr != nil {
			return nil, actionDone, cerr
		}
		return epoch, actionProceed, nil
	default: // created
		return epoch, actionProceed, nil
	}
}

func (s *Settler) advanceCursor(ctx context.Context, epoch *store.Epoch) error {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	state, err := tx.GetState(ctx)
	if err != nil {
		return err
	}
	state.LastProcessedPeriodID = strPtr(epoch.LeaderboardPeriodID)
	end := epoch.PeriodEnd
	state.LastProcessedPeriodEnd = &end
	if err := tx.UpsertState(ctx, state); err != nil {
		return err
	}
	return tx.Commit()
}

// runClaim implements phase B (spec §4.5.B). An error from the first
// balance read leaves the epoch in "created" for the next tick. Gateway
// errors after the "claiming" write are left for the recovery sweep: the
// epoch stays in "claiming" and a later tick's RunRecovery resumes it from
// the recorded beforeBalance.
func (s *Settler) runClaim(ctx context.Context, epoch *store.Epoch) (*store.Epoch, error) {
	before, err := s.gw.VaultBalance(ctx)
	if err != nil {
		return epoch, err
	}

	epoch.Status = store.StatusClaiming
	started := s.now()
	epoch.ClaimStartedAt = &started
	epoch.BeforeBalance = uint64Ptr(before)
	if err := s.persistEpoch(ctx, epoch); err != nil {
		return epoch, err
	}

	sigs, err := s.gw.ClaimFees(ctx, s.cfg.TokenMint)
	if err != nil {
		return epoch, err
	}
	epoch.ClaimTxSignatures = sigs

	after, err := s.gw.VaultBalance(ctx)
	if err != nil {
		return epoch, err
	}

	inflow := money.SubFloor(after, before)
	reward, treasury := pot.SplitInflow(inflow, epoch.RewardsPoolBps)

	epoch.AfterBalance = uint64Ptr(after)
	epoch.TotalInflow = inflow
	epoch.RewardInflow = reward
	epoch.TreasuryInflow = treasury
	completed := s.now()
	epoch.ClaimCompletedAt = &completed
	return epoch, nil
}

// runDecide implements phase C (spec §4.5.C) inside a single serializable
// transaction. decided is false when the period was skipped.
//
// A failed epoch that gets reset to created by resolveEpoch and reaches
// here a second time already has a payout plan and a totalPot figure from
// its first Decide pass; failPayout already added that totalPot back into
// state.carry. Recomputing totalPot from the current carry on this second
// pass would add epoch.RewardInflow on top of a carry that already
// contains it, double-counting it. So a retry reuses the existing plan and
// only re-consumes the carry it previously returned, instead of
// re-deriving everything from scratch.
func (s *Settler) runDecide(ctx context.Context, epoch *store.Epoch) (*store.Epoch, bool, error) {
	if epoch.HasPayoutPlan {
		return s.redecideRetry(ctx, epoch)
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return epoch, false, err
	}
	defer tx.Rollback()

	state, err := tx.GetState(ctx)
	if err != nil {
		return epoch, false, err
	}

	carryIn := state.CarryRewardsLamports
	totalPot := pot.ComposePot(carryIn, epoch.RewardInflow)
	epoch.CarryIn = carryIn
	epoch.TotalPot = totalPot

	if !epoch.TreasuryCounted {
		treasuryAccrued, tok := money.AddChecked(state.TreasuryAccruedLamports, epoch.TreasuryInflow)
		if tok {
			state.TreasuryAccruedLamports = treasuryAccrued
		}
		epoch.TreasuryCounted = true
		metrics.SetTreasuryAccrued(state.TreasuryAccruedLamports)
	}

	top, err := s.query.TopWalletsForPeriod(ctx, epoch.PeriodStart, epoch.PeriodEnd, s.cfg.MinTrades, 3)
	if err != nil {
		return epoch, false, err
	}

	if len(top) < 3 {
		return epoch, false, s.skipEpoch(ctx, tx, epoch, state, store.ReasonInsufficientEligibleWallets)
	}

	minRequired := totalPot + s.cfg.VaultReserveLamports + ledger.EstimatePayoutFee(3)
	afterBalance := uint64(0)
	if epoch.AfterBalance != nil {
		afterBalance = *epoch.AfterBalance
	}
	if afterBalance < minRequired {
		return epoch, false, s.skipEpoch(ctx, tx, epoch, state, store.ReasonInsufficientVaultBalance)
	}

	var wallets [3]pot.Wallet
	copy(wallets[:], top)
	plan := pot.BuildPayoutPlan(totalPot, wallets)

	state.CarryRewardsLamports = 0
	if err := tx.UpsertState(ctx, state); err != nil {
		return epoch, false, err
	}

	epoch.Status = store.StatusPaying
	epoch.PayoutPlan = toStorePlan(plan)
	epoch.HasPayoutPlan = true
	started := s.now()
	epoch.PayoutStartedAt = &started
	epoch.TotalPaid = pot.PlanTotal(plan)
	if err := tx.UpdateEpoch(ctx, epoch); err != nil {
		return epoch, false, err
	}
	if err := tx.Commit(); err != nil {
		return epoch, false, err
	}
	return epoch, true, nil
}

// redecideRetry re-enters paying for an epoch whose plan was already
// computed on an earlier Decide pass (spec §9 Open Question #1 retry
// case). It re-consumes the carry failPayout restored and re-checks the
// vault reserve, but does not re-rank wallets or rebuild the plan.
func (s *Settler) redecideRetry(ctx context.Context, epoch *store.Epoch) (*store.Epoch, bool, error) {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return epoch, false, err
	}
	defer tx.Rollback()

	state, err := tx.GetState(ctx)
	if err != nil {
		return epoch, false, err
	}

	state.CarryRewardsLamports = money.SubFloor(state.CarryRewardsLamports, epoch.TotalPot)

	minRequired := epoch.TotalPot + s.cfg.VaultReserveLamports + ledger.EstimatePayoutFee(3)
	afterBalance := uint64(0)
	if epoch.AfterBalance != nil {
		afterBalance = *epoch.AfterBalance
	}
	if afterBalance < minRequired {
		return epoch, false, s.skipEpoch(ctx, tx, epoch, state, store.ReasonInsufficientVaultBalance)
	}

	if err := tx.UpsertState(ctx, state); err != nil {
		return epoch, false, err
	}

	epoch.Status = store.StatusPaying
	started := s.now()
	epoch.PayoutStartedAt = &started
	if err := tx.UpdateEpoch(ctx, epoch); err != nil {
		return epoch, false, err
	}
	if err := tx.Commit(); err != nil {
		return epoch, false, err
	}
	return epoch, true, nil
}

// skipEpoch restores totalPot to carry, marks the epoch skipped, and
// advances the cursor, all within tx (spec §4.5.C skip branches).
func (s *Settler) skipEpoch(ctx context.Context, tx store.Tx, epoch *store.Epoch, state *store.RewardsState, reason string) error {
	state.CarryRewardsLamports = epoch.TotalPot
	state.LastProcessedPeriodID = strPtr(epoch.LeaderboardPeriodID)
	end := epoch.PeriodEnd
	state.LastProcessedPeriodEnd = &end
	if err := tx.UpsertState(ctx, state); err != nil {
		return err
	}

	epoch.Status = store.StatusSkipped
	epoch.FailureReason = strPtr(reason)
	if err := tx.UpdateEpoch(ctx, epoch); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	metrics.RecordEpochOutcome(string(store.StatusSkipped), reason)
	metrics.SetCarryRewards(state.CarryRewardsLamports)
	return nil
}

// runPayout implements phase D (spec §4.5.D). A signature returned by
// SendPayout is persisted even when ok is false: that combination means the
// transaction was actually broadcast and only confirmation is in doubt, so
// the recovery sweep (not an immediate carry restore) is the safe path —
// restoring carry here while a send may still land on-chain would risk a
// second payout from a future epoch's pot.
func (s *Settler) runPayout(ctx context.Context, epoch *store.Epoch) error {
	var signature string
	var ok bool
	var err error

	if s.cfg.DryRun {
		signature, ok, err = ledger.DryRunSignature, true, nil
	} else {
		plan, perr := fromStorePlan(epoch.PayoutPlan)
		if perr != nil {
			return perr
		}
		signature, ok, err = s.gw.SendPayout(ctx, toTransfers(plan))
	}

	if signature != "" {
		if uerr := s.store.UpdatePayoutSignature(ctx, epoch.EpochID, signature); uerr != nil {
			return uerr
		}
		epoch.PayoutTxSignature = &signature
	}

	if ok {
		return s.finalize(ctx, epoch, signature)
	}

	if signature != "" {
		s.log.Warn("payout sent but not confirmed, leaving for recovery",
			zap.Int64("epochID", epoch.EpochID), zap.String("signature", signature), zap.Error(err))
		return nil
	}

	s.log.Warn("payout failed before broadcast, restoring carry",
		zap.Int64("epochID", epoch.EpochID), zap.Error(err))
	return s.failPayout(ctx, epoch, "payout_send_failed")
}

func (s *Settler) failPayout(ctx context.Context, epoch *store.Epoch, reason string) error {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	state, err := tx.GetState(ctx)
	if err != nil {
		return err
	}
	carried, ok := money.AddChecked(state.CarryRewardsLamports, epoch.TotalPot)
	if ok {
		state.CarryRewardsLamports = carried
	}
	if err := tx.UpsertState(ctx, state); err != nil {
		return err
	}

	epoch.Status = store.StatusFailed
	epoch.FailureReason = strPtr(reason)
	if err := tx.UpdateEpoch(ctx, epoch); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	metrics.RecordEpochOutcome(string(store.StatusFailed), reason)
	metrics.SetCarryRewards(state.CarryRewardsLamports)
	return nil
}

// finalize implements phase E (spec §4.5.E): insert winner rows, complete
// the epoch, advance the cursor — all in one transaction.
func (s *Settler) finalize(ctx context.Context, epoch *store.Epoch, signature string) error {
	plan, err := fromStorePlan(epoch.PayoutPlan)
	if err != nil {
		return err
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.InsertWinners(ctx, toWinners(epoch.EpochID, plan)); err != nil {
		return err
	}

	state, err := tx.GetState(ctx)
	if err != nil {
		return err
	}
	state.LastProcessedPeriodID = strPtr(epoch.LeaderboardPeriodID)
	end := epoch.PeriodEnd
	state.LastProcessedPeriodEnd = &end
	if err := tx.UpsertState(ctx, state); err != nil {
		return err
	}

	epoch.Status = store.StatusCompleted
	completed := s.now()
	epoch.PayoutCompletedAt = &completed
	sig := signature
	epoch.PayoutTxSignature = &sig
	if err := tx.UpdateEpoch(ctx, epoch); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	metrics.RecordEpochOutcome(string(store.StatusCompleted), "")
	metrics.SetCarryRewards(state.CarryRewardsLamports)
	return nil
}

// persistEpoch writes epoch's current in-memory fields in their own
// transaction (used mid-phase-B, before the claim call itself runs).
func (s *Settler) persistEpoch(ctx context.Context, epoch *store.Epoch) error {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := tx.UpdateEpoch(ctx, epoch); err != nil {
		return err
	}
	return tx.Commit()
}

// RunRecovery implements phase F (spec §4.5.F): scans for epochs stuck in
// claiming or paying past the stuck-epoch timeout and resolves each.
func (s *Settler) RunRecovery(ctx context.Context) (recovered int, err error) {
	cutoff := s.now().Add(-s.cfg.StuckEpochTimeout)
	stuck, err := s.store.StuckEpochs(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("settlement: scan stuck epochs: %w", err)
	}

	for i := range stuck {
		epoch := stuck[i]
		fromStatus := epoch.Status
		var rerr error
		switch epoch.Status {
		case store.StatusClaiming:
			rerr = s.recoverClaiming(ctx, &epoch)
		case store.StatusPaying:
			rerr = s.recoverPaying(ctx, &epoch)
		}
		if rerr != nil {
			s.log.Error("recovery failed for epoch", zap.Int64("epochID", epoch.EpochID), zap.Error(rerr))
			continue
		}
		metrics.RecordRecoveredEpoch(string(fromStatus))
		recovered++
	}
	return recovered, nil
}

// recoverClaiming implements §4.5.F's claiming branch: recompute the
// balance delta from the recorded beforeBalance and reset to created.
// ClaimCompletedAt is populated here (rather than left to the normal Claim
// phase) so the next resolveEpoch call skips straight to Decide instead of
// re-submitting ClaimFees — re-claiming is not idempotent.
func (s *Settler) recoverClaiming(ctx context.Context, epoch *store.Epoch) error {
	if epoch.BeforeBalance == nil {
		tx, err := s.store.BeginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		epoch.Status = store.StatusFailed
		epoch.FailureReason = strPtr(store.ReasonStuckInClaimingNoBefore)
		if err := tx.UpdateEpoch(ctx, epoch); err != nil {
			return err
		}
		return tx.Commit()
	}

	after, err := s.gw.VaultBalance(ctx)
	if err != nil {
		return err
	}
	inflow := money.SubFloor(after, *epoch.BeforeBalance)
	reward, treasury := pot.SplitInflow(inflow, epoch.RewardsPoolBps)

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	epoch.AfterBalance = uint64Ptr(after)
	epoch.TotalInflow = inflow
	epoch.RewardInflow = reward
	epoch.TreasuryInflow = treasury
	completed := s.now()
	epoch.ClaimCompletedAt = &completed
	epoch.Status = store.StatusCreated
	if err := tx.UpdateEpoch(ctx, epoch); err != nil {
		return err
	}
	return tx.Commit()
}

// recoverPaying implements §4.5.F's paying branch: verify before retry.
func (s *Settler) recoverPaying(ctx context.Context, epoch *store.Epoch) error {
	if epoch.PayoutTxSignature != nil {
		confirmed, err := s.gw.VerifyTransaction(ctx, *epoch.PayoutTxSignature)
		if err != nil {
			return err
		}
		if confirmed {
			return s.finalize(ctx, epoch, *epoch.PayoutTxSignature)
		}
	}

	if epoch.HasPayoutPlan {
		return s.runPayout(ctx, epoch)
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	state, err := tx.GetState(ctx)
	if err != nil {
		return err
	}
	carried, ok := money.AddChecked(state.CarryRewardsLamports, epoch.TotalPot)
	if ok {
		state.CarryRewardsLamports = carried
	}
	if err := tx.UpsertState(ctx, state); err != nil {
		return err
	}
	epoch.Status = store.StatusFailed
	epoch.FailureReason = strPtr(store.ReasonStuckInPayingNoPlan)
	if err := tx.UpdateEpoch(ctx, epoch); err != nil {
		return err
	}
	return tx.Commit()
}
