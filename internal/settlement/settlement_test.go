package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bags-rewards/settler/internal/ledger"
	"github.com/bags-rewards/settler/internal/query"
	"github.com/bags-rewards/settler/internal/store"
)

const (
	w1 = "5Q544fKrFoe6tsEbD7S8EmxGTJYAKtTVhAW5Q5pge4j1"
	w2 = "7o36UsWR1JEQVU9VfDJTgyWoTK2YjG9p7SuQcQ3CqCgk"
	w3 = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
)

// fakeSource feeds the real query.Port implementation so settlement tests
// exercise the same ranking/eligibility logic production does.
type fakeSource struct {
	periods []query.Period
	trades  []query.TradeAggregate

	// windowCalls records every (start, end) pair TradesInWindow was asked
	// for, so tests can assert the settlement state machine derives the
	// aggregation window from the period's own boundaries rather than a
	// fabricated constant.
	windowCalls []windowCall
}

type windowCall struct {
	start time.Time
	end   time.Time
}

func (f *fakeSource) PeriodsEndingAfter(ctx context.Context, after *time.Time) ([]query.Period, error) {
	if after == nil {
		return f.periods, nil
	}
	var out []query.Period
	for _, p := range f.periods {
		if p.EndTime.After(*after) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeSource) TradesInWindow(ctx context.Context, start, end time.Time) ([]query.TradeAggregate, error) {
	f.windowCalls = append(f.windowCalls, windowCall{start: start, end: end})
	return f.trades, nil
}

func threeEligibleTrades() []query.TradeAggregate {
	return []query.TradeAggregate{
		{WalletAddress: w1, UserID: "u1", SumProfit: 300, TradeCount: 10},
		{WalletAddress: w2, UserID: "u2", SumProfit: 200, TradeCount: 8},
		{WalletAddress: w3, UserID: "u3", SumProfit: 100, TradeCount: 5},
	}
}

// fakeChain is a minimal ChainClient double for settlement-level tests.
// balanceSequence, when non-empty, makes successive Balance calls return
// the next queued value (simulating the vault growing between the
// before/after reads of the claim phase); once exhausted, Balance keeps
// returning the last queued value. balance is used as-is when
// balanceSequence is empty.
type fakeChain struct {
	balance         uint64
	balanceSequence []uint64
	balanceCalls    int
	balanceErr      error
	sendSig         string
	sendErr         error
	confirmResult   bool
	confirmErr      error
	lookupResult    bool
	sent            []ledger.Transfer
}

func (f *fakeChain) VaultAddress() string { return "VAULT" }
func (f *fakeChain) Balance(ctx context.Context) (uint64, error) {
	if f.balanceErr != nil {
		return 0, f.balanceErr
	}
	if len(f.balanceSequence) == 0 {
		return f.balance, nil
	}
	idx := f.balanceCalls
	if idx >= len(f.balanceSequence) {
		idx = len(f.balanceSequence) - 1
	}
	f.balanceCalls++
	return f.balanceSequence[idx], nil
}
func (f *fakeChain) SendBatchTransfer(ctx context.Context, transfers []ledger.Transfer) (string, error) {
	f.sent = transfers
	return f.sendSig, f.sendErr
}
func (f *fakeChain) ConfirmTransaction(ctx context.Context, signature string) (bool, error) {
	return f.confirmResult, f.confirmErr
}
func (f *fakeChain) LookupTransaction(ctx context.Context, signature string) (bool, error) {
	return f.lookupResult, nil
}
func (f *fakeChain) Ping(ctx context.Context) error { return nil }

type fakeClaim struct {
	batches []ledger.ClaimBatch
}

func (f *fakeClaim) ClaimableBatches(ctx context.Context, tokenMint string) ([]ledger.ClaimBatch, error) {
	return f.batches, nil
}
func (f *fakeClaim) SubmitClaim(ctx context.Context, batch ledger.ClaimBatch) (string, error) {
	return "claim-" + batch.ID, nil
}

func newHarness(t *testing.T, chain *fakeChain, cfg Config) (*Settler, store.Store) {
	t.Helper()
	st := store.NewMem()
	qp, err := query.New(&fakeSource{
		periods: []query.Period{{ID: "period-1", EndTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}},
		trades:  threeEligibleTrades(),
	})
	require.NoError(t, err)
	gw := ledger.New(chain, &fakeClaim{batches: []ledger.ClaimBatch{{ID: "b1"}}}, ledger.Config{
		VaultReserveLamports: cfg.VaultReserveLamports,
		DryRun:               cfg.DryRun,
	}, zap.NewNop())
	if cfg.RewardsPoolBps == 0 {
		cfg.RewardsPoolBps = 5000
	}
	if cfg.MinTrades == 0 {
		cfg.MinTrades = 3
	}
	return New(st, gw, qp, cfg, zap.NewNop()), st
}

// TestProcessNextPeriod_S1HappyPath mirrors spec scenario S1: a 200M
// lamport inflow (500M before the claim, 700M after) at a 5000bps pool
// split produces a 100M reward pot and a 100M treasury share; the 100M pot
// then pays 50M/30M/20M to the three wallets.
func TestProcessNextPeriod_S1HappyPath(t *testing.T) {
	chain := &fakeChain{
		balanceSequence: []uint64{500_000_000, 700_000_000},
		sendSig:         "sig1",
		confirmResult:   true,
	}
	s, st := newHarness(t, chain, Config{VaultReserveLamports: 1_000_000})

	processed, err := s.ProcessNextPeriod(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	epoch, err := st.GetEpochByPeriodID(context.Background(), "period-1")
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, epoch.Status)
	require.Equal(t, uint64(200_000_000), epoch.TotalInflow)
	require.Equal(t, uint64(100_000_000), epoch.RewardInflow)
	require.Equal(t, uint64(100_000_000), epoch.TreasuryInflow)
	require.Equal(t, uint64(100_000_000), epoch.TotalPot)

	winners, err := st.WinnersForEpoch(context.Background(), epoch.EpochID)
	require.NoError(t, err)
	require.Len(t, winners, 3)
	require.Equal(t, uint64(50_000_000), winners[0].PayoutLamports)
	require.Equal(t, uint64(30_000_000), winners[1].PayoutLamports)
	require.Equal(t, uint64(20_000_000), winners[2].PayoutLamports)

	state, err := st.GetState(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(100_000_000), state.TreasuryAccruedLamports)
	require.Equal(t, uint64(0), state.CarryRewardsLamports)
}

// TestProcessNextPeriod_RanksWalletsOverThePeriodsOwnWindow guards against
// deriving the wallet-ranking window from a fixed offset off the period's
// end time. It uses a 7-day period (a weekly leaderboard), which a 24-hour
// assumption would get wrong, and asserts the exact start/end the state
// machine asked TradesInWindow for.
func TestProcessNextPeriod_RanksWalletsOverThePeriodsOwnWindow(t *testing.T) {
	periodEnd := time.Date(2026, 1, 8, 0, 0, 0, 0, time.UTC)
	periodStart := periodEnd.Add(-7 * 24 * time.Hour)

	src := &fakeSource{
		periods: []query.Period{{ID: "period-weekly", StartTime: periodStart, EndTime: periodEnd}},
		trades:  threeEligibleTrades(),
	}
	qp, err := query.New(src)
	require.NoError(t, err)
	chain := &fakeChain{
		balanceSequence: []uint64{500_000_000, 700_000_000},
		sendSig:         "sig1",
		confirmResult:   true,
	}
	gw := ledger.New(chain, &fakeClaim{batches: []ledger.ClaimBatch{{ID: "b1"}}}, ledger.Config{
		VaultReserveLamports: 1_000_000,
	}, zap.NewNop())
	s := New(store.NewMem(), gw, qp, Config{RewardsPoolBps: 5000, MinTrades: 3, VaultReserveLamports: 1_000_000}, zap.NewNop())

	processed, err := s.ProcessNextPeriod(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	require.Len(t, src.windowCalls, 1)
	require.True(t, src.windowCalls[0].start.Equal(periodStart),
		"window start must come from the period's own start time, not a fixed offset from end")
	require.True(t, src.windowCalls[0].end.Equal(periodEnd))
}

func TestProcessNextPeriod_NothingToDoWithoutPeriods(t *testing.T) {
	st := store.NewMem()
	qp, err := query.New(&fakeSource{})
	require.NoError(t, err)
	gw := ledger.New(&fakeChain{}, &fakeClaim{}, ledger.Config{}, zap.NewNop())
	s := New(st, gw, qp, Config{RewardsPoolBps: 5000, MinTrades: 3}, zap.NewNop())

	processed, err := s.ProcessNextPeriod(context.Background())
	require.NoError(t, err)
	require.False(t, processed)
}

func TestProcessNextPeriod_SkipsInsufficientEligibleWallets(t *testing.T) {
	st := store.NewMem()
	qp, err := query.New(&fakeSource{
		periods: []query.Period{{ID: "period-1", EndTime: time.Now()}},
		trades: []query.TradeAggregate{
			{WalletAddress: w1, UserID: "u1", SumProfit: 100, TradeCount: 10},
		},
	})
	require.NoError(t, err)
	chain := &fakeChain{balance: 500_000_000}
	gw := ledger.New(chain, &fakeClaim{}, ledger.Config{}, zap.NewNop())
	s := New(st, gw, qp, Config{RewardsPoolBps: 5000, MinTrades: 3, VaultReserveLamports: 1_000_000}, zap.NewNop())

	processed, err := s.ProcessNextPeriod(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	epoch, err := st.GetEpochByPeriodID(context.Background(), "period-1")
	require.NoError(t, err)
	require.Equal(t, store.StatusSkipped, epoch.Status)
	require.NotNil(t, epoch.FailureReason)
	require.Equal(t, store.ReasonInsufficientEligibleWallets, *epoch.FailureReason)

	state, err := st.GetState(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(0), state.CarryRewardsLamports) // no inflow happened, carry stays zero
}

func TestProcessNextPeriod_SkipsInsufficientVaultBalance(t *testing.T) {
	chain := &fakeChain{balance: 0}
	s, st := newHarness(t, chain, Config{VaultReserveLamports: 1_000_000_000})

	processed, err := s.ProcessNextPeriod(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	epoch, err := st.GetEpochByPeriodID(context.Background(), "period-1")
	require.NoError(t, err)
	require.Equal(t, store.StatusSkipped, epoch.Status)
	require.Equal(t, store.ReasonInsufficientVaultBalance, *epoch.FailureReason)
}

func TestProcessNextPeriod_DryRunUsesSentinelSignature(t *testing.T) {
	chain := &fakeChain{balance: 500_000_000}
	s, st := newHarness(t, chain, Config{VaultReserveLamports: 1_000_000, DryRun: true})

	processed, err := s.ProcessNextPeriod(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	epoch, err := st.GetEpochByPeriodID(context.Background(), "period-1")
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, epoch.Status)
	require.Equal(t, ledger.DryRunSignature, *epoch.PayoutTxSignature)
}

func TestProcessNextPeriod_PayoutSendFailsRestoresCarry(t *testing.T) {
	chain := &fakeChain{
		balanceSequence: []uint64{500_000_000, 700_000_000},
		sendErr:         context.DeadlineExceeded,
	}
	s, st := newHarness(t, chain, Config{VaultReserveLamports: 1_000_000})

	processed, err := s.ProcessNextPeriod(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	epoch, err := st.GetEpochByPeriodID(context.Background(), "period-1")
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, epoch.Status)
	require.Equal(t, uint64(100_000_000), epoch.TotalPot)

	state, err := st.GetState(context.Background())
	require.NoError(t, err)
	require.Equal(t, epoch.TotalPot, state.CarryRewardsLamports)
}

func TestProcessNextPeriod_CompletedEpochAdvancesCursorWithoutReprocessing(t *testing.T) {
	chain := &fakeChain{
		balanceSequence: []uint64{500_000_000, 700_000_000},
		sendSig:         "sig1",
		confirmResult:   true,
	}
	s, st := newHarness(t, chain, Config{VaultReserveLamports: 1_000_000})

	_, err := s.ProcessNextPeriod(context.Background())
	require.NoError(t, err)

	// A second call with no more periods returns nothing to do.
	processed, err := s.ProcessNextPeriod(context.Background())
	require.NoError(t, err)
	require.False(t, processed)

	state, err := st.GetState(context.Background())
	require.NoError(t, err)
	require.NotNil(t, state.LastProcessedPeriodID)
	require.Equal(t, "period-1", *state.LastProcessedPeriodID)
}

func TestRunRecovery_StuckClaimingWithBeforeBalanceResumes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMem()
	qp, err := query.New(&fakeSource{trades: threeEligibleTrades()})
	require.NoError(t, err)
	chain := &fakeChain{balance: 700_000_000}
	gw := ledger.New(chain, &fakeClaim{}, ledger.Config{}, zap.NewNop())
	s := New(st, gw, qp, Config{RewardsPoolBps: 5000, MinTrades: 3, VaultReserveLamports: 1_000_000}, zap.NewNop())

	before := uint64(500_000_000)
	tx, err := st.BeginTx(ctx)
	require.NoError(t, err)
	id, err := tx.InsertEpoch(ctx, &store.Epoch{
		LeaderboardPeriodID: "stuck-1",
		Status:              store.StatusClaiming,
		BeforeBalance:        &before,
		RewardsPoolBps:       5000,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	s.now = func() time.Time { return time.Now().Add(20 * time.Minute) }

	recovered, err := s.RunRecovery(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, recovered)

	epoch, err := st.GetEpoch(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusCreated, epoch.Status)
	require.NotNil(t, epoch.ClaimCompletedAt)
	require.Equal(t, uint64(200_000_000), epoch.TotalInflow)
}

func TestRunRecovery_StuckClaimingNoBeforeBalanceFails(t *testing.T) {
	ctx := context.Background()
	st := store.NewMem()
	qp, err := query.New(&fakeSource{})
	require.NoError(t, err)
	gw := ledger.New(&fakeChain{}, &fakeClaim{}, ledger.Config{}, zap.NewNop())
	s := New(st, gw, qp, Config{RewardsPoolBps: 5000, MinTrades: 3}, zap.NewNop())

	tx, err := st.BeginTx(ctx)
	require.NoError(t, err)
	id, err := tx.InsertEpoch(ctx, &store.Epoch{LeaderboardPeriodID: "stuck-2", Status: store.StatusClaiming})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	s.now = func() time.Time { return time.Now().Add(20 * time.Minute) }

	recovered, err := s.RunRecovery(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, recovered)

	epoch, err := st.GetEpoch(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, epoch.Status)
	require.Equal(t, store.ReasonStuckInClaimingNoBefore, *epoch.FailureReason)
}

func TestRunRecovery_StuckPayingConfirmedFinalizes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMem()
	qp, err := query.New(&fakeSource{})
	require.NoError(t, err)
	chain := &fakeChain{confirmResult: true}
	gw := ledger.New(chain, &fakeClaim{}, ledger.Config{}, zap.NewNop())
	s := New(st, gw, qp, Config{RewardsPoolBps: 5000, MinTrades: 3}, zap.NewNop())

	sig := "already-sent-sig"
	tx, err := st.BeginTx(ctx)
	require.NoError(t, err)
	id, err := tx.InsertEpoch(ctx, &store.Epoch{
		LeaderboardPeriodID: "stuck-3",
		Status:              store.StatusPaying,
		PayoutTxSignature:   &sig,
		HasPayoutPlan:       true,
		PayoutPlan: [3]store.PayoutPlanEntry{
			{Rank: 1, Wallet: w1, AmountLamports: "50", UserID: "u1", ProfitLamports: "300", TradeCount: 10},
			{Rank: 2, Wallet: w2, AmountLamports: "30", UserID: "u2", ProfitLamports: "200", TradeCount: 8},
			{Rank: 3, Wallet: w3, AmountLamports: "20", UserID: "u3", ProfitLamports: "100", TradeCount: 5},
		},
		TotalPot: 100,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	s.now = func() time.Time { return time.Now().Add(20 * time.Minute) }

	recovered, err := s.RunRecovery(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, recovered)

	epoch, err := st.GetEpoch(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, epoch.Status)

	winners, err := st.WinnersForEpoch(ctx, id)
	require.NoError(t, err)
	require.Len(t, winners, 3)
}

func TestRunRecovery_StuckPayingNoPlanFailsAndRestoresCarry(t *testing.T) {
	ctx := context.Background()
	st := store.NewMem()
	qp, err := query.New(&fakeSource{})
	require.NoError(t, err)
	gw := ledger.New(&fakeChain{}, &fakeClaim{}, ledger.Config{}, zap.NewNop())
	s := New(st, gw, qp, Config{RewardsPoolBps: 5000, MinTrades: 3}, zap.NewNop())

	tx, err := st.BeginTx(ctx)
	require.NoError(t, err)
	id, err := tx.InsertEpoch(ctx, &store.Epoch{
		LeaderboardPeriodID: "stuck-4",
		Status:              store.StatusPaying,
		TotalPot:             77,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	s.now = func() time.Time { return time.Now().Add(20 * time.Minute) }

	recovered, err := s.RunRecovery(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, recovered)

	epoch, err := st.GetEpoch(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, epoch.Status)
	require.Equal(t, store.ReasonStuckInPayingNoPlan, *epoch.FailureReason)

	state, err := st.GetState(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(77), state.CarryRewardsLamports)
}
