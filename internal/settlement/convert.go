package settlement

import (
	"strconv"

	"github.com/bags-rewards/settler/internal/ledger"
	"github.com/bags-rewards/settler/internal/pot"
	"github.com/bags-rewards/settler/internal/store"
)

// toStorePlan renders a pot payout plan into the wire-safe decimal-string
// form §6.3 requires for persisted JSON arrays.
func toStorePlan(plan [3]pot.PayoutPlanEntry) [3]store.PayoutPlanEntry {
	var out [3]store.PayoutPlanEntry
	for i, e := range plan {
		out[i] = store.PayoutPlanEntry{
			Rank:           e.Rank,
			Wallet:         e.Wallet,
			AmountLamports: strconv.FormatUint(e.AmountLamports, 10),
			UserID:         e.UserID,
			ProfitLamports: strconv.FormatUint(e.ProfitLamports, 10),
			TradeCount:     e.TradeCount,
		}
	}
	return out
}

// fromStorePlan parses a persisted plan back into uint64 amounts.
func fromStorePlan(plan [3]store.PayoutPlanEntry) ([3]pot.PayoutPlanEntry, error) {
	var out [3]pot.PayoutPlanEntry
	for i, e := range plan {
		amount, err := strconv.ParseUint(e.AmountLamports, 10, 64)
		if err != nil {
			return out, err
		}
		profit, err := strconv.ParseUint(e.ProfitLamports, 10, 64)
		if err != nil {
			return out, err
		}
		out[i] = pot.PayoutPlanEntry{
			Rank:           e.Rank,
			Wallet:         e.Wallet,
			AmountLamports: amount,
			UserID:         e.UserID,
			ProfitLamports: profit,
			TradeCount:     e.TradeCount,
		}
	}
	return out, nil
}

// toTransfers builds the batch-transfer entries the Ledger Gateway needs
// from a payout plan.
func toTransfers(plan [3]pot.PayoutPlanEntry) []ledger.Transfer {
	transfers := make([]ledger.Transfer, len(plan))
	for i, e := range plan {
		transfers[i] = ledger.Transfer{Wallet: e.Wallet, AmountLamports: e.AmountLamports}
	}
	return transfers
}

// toWinners builds Winner rows directly from a completed payout plan
// (spec §3.1: a Winner's rank matches its plan position, payoutLamports
// equals the plan amount).
func toWinners(epochID int64, plan [3]pot.PayoutPlanEntry) []store.Winner {
	winners := make([]store.Winner, len(plan))
	for i, e := range plan {
		winners[i] = store.Winner{
			EpochID:        epochID,
			Rank:           e.Rank,
			WalletAddress:  e.Wallet,
			UserID:         e.UserID,
			ProfitLamports: e.ProfitLamports,
			TradeCount:     e.TradeCount,
			PayoutLamports: e.AmountLamports,
		}
	}
	return winners
}

func strPtr(s string) *string { return &s }

func uint64Ptr(v uint64) *uint64 { return &v }
