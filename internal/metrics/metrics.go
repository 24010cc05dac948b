// Package metrics defines the prometheus collectors the settlement engine
// updates on every tick, following the promotion datastore's package-level
// counters + init-time MustRegister (other_examples brave-intl-bat-go
// services/promotion/datastore.go). Collection only: nothing in this
// module serves an HTTP /metrics endpoint.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	epochOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_epoch_outcomes_total",
			Help: "epochs reaching each terminal or skip status, partitioned by status and failure reason",
		},
		[]string{"status", "reason"},
	)

	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "settler_tick_duration_seconds",
			Help:    "wall-clock duration of one ProcessNextPeriod pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	recoverySweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_recovery_sweeps_total",
			Help: "stuck epochs recovered, partitioned by the status recovery found them in",
		},
		[]string{"recovered_from"},
	)

	carryRewardsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "settler_carry_rewards_lamports",
			Help: "current carryRewardsLamports in RewardsState",
		},
	)

	treasuryAccruedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "settler_treasury_accrued_lamports",
			Help: "current treasuryAccruedLamports in RewardsState",
		},
	)

	vaultBalanceGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "settler_vault_balance_lamports",
			Help: "vault balance as last observed by the Ledger Gateway",
		},
	)

	leaderGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "settler_is_leader",
			Help: "1 if this process currently holds the advisory lock, else 0",
		},
	)
)

func init() {
	prometheus.MustRegister(
		epochOutcomes,
		tickDuration,
		recoverySweeps,
		carryRewardsGauge,
		treasuryAccruedGauge,
		vaultBalanceGauge,
		leaderGauge,
	)
}

// RecordEpochOutcome increments the outcome counter for one epoch's
// terminal status. reason is "" for completed epochs.
func RecordEpochOutcome(status, reason string) {
	epochOutcomes.WithLabelValues(status, reason).Inc()
}

// ObserveTickDuration records one ProcessNextPeriod pass's wall-clock cost.
func ObserveTickDuration(seconds float64) {
	tickDuration.Observe(seconds)
}

// RecordRecoveredEpoch increments the recovery counter for one epoch
// pulled out of fromStatus by the recovery sweep.
func RecordRecoveredEpoch(fromStatus string) {
	recoverySweeps.WithLabelValues(fromStatus).Inc()
}

// SetCarryRewards reports the current carry-forward pot balance.
func SetCarryRewards(lamports uint64) {
	carryRewardsGauge.Set(float64(lamports))
}

// SetTreasuryAccrued reports the current treasury balance.
func SetTreasuryAccrued(lamports uint64) {
	treasuryAccruedGauge.Set(float64(lamports))
}

// SetVaultBalance reports the vault balance last read from the chain.
func SetVaultBalance(lamports uint64) {
	vaultBalanceGauge.Set(float64(lamports))
}

// SetLeader reports this process's current leadership state.
func SetLeader(isLeader bool) {
	v := 0.0
	if isLeader {
		v = 1.0
	}
	leaderGauge.Set(v)
}
