// Package pot implements the pure accounting functions that split claimed
// fee inflow between the rewards pot and the treasury, and that turn a
// pot total into a fixed three-way payout plan. None of these functions
// touch the database or the ledger gateway.
package pot

import "github.com/bags-rewards/settler/internal/money"

// SplitWeights are the compile-time payout percentages for ranks 1-3.
// Changing the split is a code change, per spec §4.4.
var SplitWeights = [3]uint64{50, 30, 20}

// PayoutPlanEntry is one ranked row of a payout plan.
type PayoutPlanEntry struct {
	Rank           int
	Wallet         string
	AmountLamports uint64
	UserID         string
	ProfitLamports uint64
	TradeCount     int
}

// Wallet is the minimal shape Query Port ranking needs to feed BuildPayoutPlan.
type Wallet struct {
	WalletAddress   string
	UserID          string
	SumProfit       uint64
	TradeCount      int
}

// SplitInflow divides totalInflow into a reward share and a treasury share
// using poolBps basis points (0-10000). reward = floor(total*bps/10000);
// treasury gets the remainder, so reward+treasury == total exactly.
func SplitInflow(totalInflow uint64, poolBps uint32) (rewardInflow, treasuryInflow uint64) {
	if totalInflow == 0 {
		return 0, 0
	}
	reward := money.MulBpsFloor(totalInflow, poolBps)
	treasury := money.SubFloor(totalInflow, reward)
	return reward, treasury
}

// ComposePot combines carry-in with this epoch's reward inflow.
func ComposePot(carryIn, rewardInflow uint64) uint64 {
	total, ok := money.AddChecked(carryIn, rewardInflow)
	if !ok {
		// Overflow here would mean more than 2^64-1 lamports are in
		// flight at once; treat it as the ceiling rather than wrapping.
		return ^uint64(0)
	}
	return total
}

// BuildPayoutPlan distributes totalPot across exactly 3 winners using the
// 50/30/20 split. The third entry absorbs the rounding remainder so the
// three amounts sum to totalPot exactly (the "dust rule").
func BuildPayoutPlan(totalPot uint64, top [3]Wallet) [3]PayoutPlanEntry {
	a1 := money.MulBpsFloor(totalPot, uint32(SplitWeights[0])*100)
	a2 := money.MulBpsFloor(totalPot, uint32(SplitWeights[1])*100)
	a3 := totalPot - a1 - a2

	amounts := [3]uint64{a1, a2, a3}
	var plan [3]PayoutPlanEntry
	for i := 0; i < 3; i++ {
		w := top[i]
		plan[i] = PayoutPlanEntry{
			Rank:           i + 1,
			Wallet:         w.WalletAddress,
			AmountLamports: amounts[i],
			UserID:         w.UserID,
			ProfitLamports: w.SumProfit,
			TradeCount:     w.TradeCount,
		}
	}
	return plan
}

// PlanTotal sums a payout plan's amounts (used to verify invariant 8).
func PlanTotal(plan [3]PayoutPlanEntry) uint64 {
	var sum uint64
	for _, e := range plan {
		sum += e.AmountLamports
	}
	return sum
}
