package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bags-rewards/settler/internal/config"
	"github.com/bags-rewards/settler/internal/engine"
	"github.com/bags-rewards/settler/internal/ledger"
	"github.com/bags-rewards/settler/internal/query"
	"github.com/bags-rewards/settler/internal/store"
)

const (
	walletA = "5Q544fKrFoe6tsEbD7S8EmxGTJYAKtTVhAW5Q5pge4j1"
	walletB = "7o36UsWR1JEQVU9VfDJTgyWoTK2YjG9p7SuQcQ3CqCgk"
	walletC = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
)

type fakeSource struct {
	trades []query.TradeAggregate
}

func (s *fakeSource) PeriodsEndingAfter(ctx context.Context, after *time.Time) ([]query.Period, error) {
	period := query.Period{ID: "engine-period", EndTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	if after != nil && !period.EndTime.After(*after) {
		return nil, nil
	}
	return []query.Period{period}, nil
}

func (s *fakeSource) TradesInWindow(ctx context.Context, start, end time.Time) ([]query.TradeAggregate, error) {
	return s.trades, nil
}

func eligibleTrades() []query.TradeAggregate {
	return []query.TradeAggregate{
		{WalletAddress: walletA, UserID: "u1", SumProfit: 300, TradeCount: 10},
		{WalletAddress: walletB, UserID: "u2", SumProfit: 200, TradeCount: 8},
		{WalletAddress: walletC, UserID: "u3", SumProfit: 100, TradeCount: 5},
	}
}

type fakeChain struct {
	balanceSequence []uint64
	balanceCalls    int
}

func (c *fakeChain) VaultAddress() string { return "VAULT" }
func (c *fakeChain) Balance(ctx context.Context) (uint64, error) {
	idx := c.balanceCalls
	if idx >= len(c.balanceSequence) {
		idx = len(c.balanceSequence) - 1
	}
	c.balanceCalls++
	return c.balanceSequence[idx], nil
}
func (c *fakeChain) SendBatchTransfer(ctx context.Context, transfers []ledger.Transfer) (string, error) {
	return "sig", nil
}
func (c *fakeChain) ConfirmTransaction(ctx context.Context, signature string) (bool, error) {
	return true, nil
}
func (c *fakeChain) LookupTransaction(ctx context.Context, signature string) (bool, error) {
	return false, nil
}
func (c *fakeChain) Ping(ctx context.Context) error { return nil }

type fakeClaim struct{}

func (fakeClaim) ClaimableBatches(ctx context.Context, tokenMint string) ([]ledger.ClaimBatch, error) {
	return []ledger.ClaimBatch{{ID: "batch-1"}}, nil
}
func (fakeClaim) SubmitClaim(ctx context.Context, batch ledger.ClaimBatch) (string, error) {
	return "claim-sig", nil
}

func newTestEngine(t *testing.T, cfg *config.Config, chain *fakeChain) (*engine.Engine, store.Store) {
	t.Helper()
	st := store.NewMem()
	source := &fakeSource{trades: eligibleTrades()}
	e, err := engine.New(cfg, zap.NewNop(), st, source, chain, fakeClaim{})
	require.NoError(t, err)
	return e, st
}

func testConfig() *config.Config {
	return &config.Config{
		RewardsPoolBps:       5000,
		MinTrades:            3,
		VaultReserveLamports: 1_000_000,
		SolanaRPCURL:         "http://localhost",
		VaultPrivateKey:      "key",
		TokenMint:            "mint",
		BagsAPIKey:           "key",
	}
}

func TestEngine_DisabledWithoutLedgerConfig(t *testing.T) {
	cfg := &config.Config{RewardsPoolBps: 5000, MinTrades: 3}
	chain := &fakeChain{balanceSequence: []uint64{0}}
	e, _ := newTestEngine(t, cfg, chain)

	require.NoError(t, e.Start(context.Background()))
	assert.False(t, e.IsLeader())

	ok, msg := e.Run(context.Background())
	assert.False(t, ok)
	assert.Equal(t, "engine not configured", msg)
}

func TestEngine_StatusAndHistoryAfterASuccessfulRun(t *testing.T) {
	cfg := testConfig()
	chain := &fakeChain{balanceSequence: []uint64{200_000_000, 700_000_000, 700_000_000}}
	e, _ := newTestEngine(t, cfg, chain)

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(context.Background())

	ok, msg := e.Run(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "processed", msg)

	status, err := e.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Enabled)
	require.NotNil(t, status.LastEpoch)
	assert.Equal(t, "completed", status.LastEpoch.Status)
	assert.Len(t, status.LastEpoch.Winners, 3)

	history, err := e.History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "completed", history[0].Status)

	rules := e.Rules()
	assert.Equal(t, uint32(5000), rules.RewardsPoolBps)
	assert.Equal(t, [3]uint64{50, 30, 20}, rules.SplitWeightsPct)
}

func TestEngine_RunSucceedsAfterStart(t *testing.T) {
	cfg := testConfig()
	chain := &fakeChain{balanceSequence: []uint64{200_000_000, 700_000_000}}
	e, _ := newTestEngine(t, cfg, chain)
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(context.Background())

	ok, _ := e.Run(context.Background())
	assert.True(t, ok)
}
