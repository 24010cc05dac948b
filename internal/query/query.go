// Package query implements the read-only Query Port (spec §4.2, component
// C2). It consumes the leaderboard, trade-history, and user tables
// read-only — those tables are external collaborators per spec §1; this
// package only specifies and implements the narrow interface the
// settlement state machine needs against them.
package query

import (
	"context"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/bags-rewards/settler/internal/ledger"
	"github.com/bags-rewards/settler/internal/pot"
)

// This package holds no minimum-trades default; callers pass MinTrades
// explicitly on each TopWalletsForPeriod call.

// Period identifies one leaderboard period. StartTime is the period's own
// boundary as recorded by the leaderboard table, not a derived constant —
// leaderboard periods are externally defined (spec.md §1) and their length
// varies by deployment (daily, weekly, monthly), so nothing downstream may
// assume a fixed duration between StartTime and EndTime.
type Period struct {
	ID        string
	StartTime time.Time
	EndTime   time.Time
}

// TradeAggregate is one wallet's realized-trade rollup for a period,
// before eligibility filtering.
type TradeAggregate struct {
	WalletAddress string
	UserID        string
	SumProfit     int64 // signed: a wallet can be net-negative and is filtered out
	TradeCount    int
}

// Port is the C2 Query Port.
type Port interface {
	NextPeriodToProcess(ctx context.Context, lastEnd *time.Time) (*Period, error)
	TopWalletsForPeriod(ctx context.Context, start, end time.Time, minTrades int, limit int) ([]pot.Wallet, error)
}

// TradeSource is the external, read-only trade-history/leaderboard query
// surface this package adapts into the Port contract.
type TradeSource interface {
	// PeriodsEndingAfter returns periods whose end time is strictly after
	// after (or all ended periods, if after is nil), in any order; the Port
	// sorts them. PeriodsEndingAfter must itself filter to endTime <= now.
	PeriodsEndingAfter(ctx context.Context, after *time.Time) ([]Period, error)

	// TradesInWindow returns realized trades with closedAt in [start, end).
	TradesInWindow(ctx context.Context, start, end time.Time) ([]TradeAggregate, error)
}

type port struct {
	source TradeSource
	cache  *lru.Cache[string, []pot.Wallet]
}

// New constructs a Port backed by source, with an 8-entry LRU memoizing
// the wallet ranking per (start, end) window for the Port's lifetime. The
// cache key is the window alone, so a later call for the same window reuses
// the ranking filtered with the minTrades of the first call.
func New(source TradeSource) (Port, error) {
	cache, err := lru.New[string, []pot.Wallet](8)
	if err != nil {
		return nil, err
	}
	return &port{source: source, cache: cache}, nil
}

// NextPeriodToProcess implements §4.2: smallest endTime strictly greater
// than lastEnd among already-ended periods; if lastEnd is nil, the most
// recently ended period instead (first-run policy, spec §9 Open Question
// #2 — resolved as "process the newest, ignore history", see DESIGN.md).
func (p *port) NextPeriodToProcess(ctx context.Context, lastEnd *time.Time) (*Period, error) {
	periods, err := p.source.PeriodsEndingAfter(ctx, lastEnd)
	if err != nil {
		return nil, err
	}
	if len(periods) == 0 {
		return nil, nil
	}

	sorted := append([]Period(nil), periods...)
	if lastEnd == nil {
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].EndTime.After(sorted[j].EndTime) })
	} else {
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].EndTime.Before(sorted[j].EndTime) })
	}
	return &sorted[0], nil
}

// TopWalletsForPeriod implements §4.2's ranking: groups by wallet,
// filters tradeCount >= minTrades, sumProfit > 0, and valid address
// syntax, orders by profit desc / tradeCount desc / wallet asc, and
// returns at most limit entries.
func (p *port) TopWalletsForPeriod(ctx context.Context, start, end time.Time, minTrades, limit int) ([]pot.Wallet, error) {
	cacheKey := start.String() + "|" + end.String()
	if cached, ok := p.cache.Get(cacheKey); ok {
		return cloneWallets(cached, limit), nil
	}

	aggs, err := p.source.TradesInWindow(ctx, start, end)
	if err != nil {
		return nil, err
	}

	seen := mapset.NewSet[string]()
	eligible := make([]pot.Wallet, 0, len(aggs))
	for _, a := range aggs {
		if a.TradeCount < minTrades {
			continue
		}
		if a.SumProfit <= 0 {
			continue
		}
		if !ledger.ValidWalletAddress(a.WalletAddress) {
			continue
		}
		if seen.Contains(a.WalletAddress) {
			continue
		}
		seen.Add(a.WalletAddress)
		eligible = append(eligible, pot.Wallet{
			WalletAddress: a.WalletAddress,
			UserID:        a.UserID,
			SumProfit:     uint64(a.SumProfit),
			TradeCount:    a.TradeCount,
		})
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].SumProfit != eligible[j].SumProfit {
			return eligible[i].SumProfit > eligible[j].SumProfit
		}
		if eligible[i].TradeCount != eligible[j].TradeCount {
			return eligible[i].TradeCount > eligible[j].TradeCount
		}
		return eligible[i].WalletAddress < eligible[j].WalletAddress
	})

	p.cache.Add(cacheKey, eligible)
	return cloneWallets(eligible, limit), nil
}

func cloneWallets(src []pot.Wallet, limit int) []pot.Wallet {
	n := len(src)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]pot.Wallet, n)
	copy(out, src[:n])
	return out
}
