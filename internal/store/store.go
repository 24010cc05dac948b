package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// Tx is the serializable-transaction handle every money-affecting
// transition (spec §4.3, §4.5 phases C/D/E/F) executes inside. It exposes
// the same methods as Store, scoped to one transaction; callers must call
// Commit or Rollback exactly once.
type Tx interface {
	GetState(ctx context.Context) (*RewardsState, error)
	UpsertState(ctx context.Context, s *RewardsState) error

	GetEpochByPeriodID(ctx context.Context, periodID string) (*Epoch, error)
	GetEpoch(ctx context.Context, epochID int64) (*Epoch, error)
	InsertEpoch(ctx context.Context, e *Epoch) (int64, error)
	UpdateEpoch(ctx context.Context, e *Epoch) error

	InsertWinners(ctx context.Context, winners []Winner) error

	Commit() error
	Rollback() error
}

// Store is the C3 State Store: a transaction factory plus the read paths
// used outside the state machine (status/history queries, recovery scans).
type Store interface {
	// BeginTx starts a new serializable transaction.
	BeginTx(ctx context.Context) (Tx, error)

	// GetState reads the singleton outside a transaction (callers must not
	// mutate based on this read — spec §5 "readers ... MUST NOT mutate").
	GetState(ctx context.Context) (*RewardsState, error)

	GetEpochByPeriodID(ctx context.Context, periodID string) (*Epoch, error)
	GetEpoch(ctx context.Context, epochID int64) (*Epoch, error)

	// RecentEpochs returns the most recent epochs (by creation order,
	// descending), for the §6.2 /history contract.
	RecentEpochs(ctx context.Context, limit int) ([]Epoch, error)

	// WinnersForEpoch returns winners for one epoch, sorted by rank.
	WinnersForEpoch(ctx context.Context, epochID int64) ([]Winner, error)

	// StuckEpochs returns claiming or paying epochs whose UpdatedAt
	// predates the cutoff (spec §4.5.F recovery sweep).
	StuckEpochs(ctx context.Context, cutoff time.Time) ([]Epoch, error)

	// UpdatePayoutSignature persists payoutTxSignature alone, in its own
	// transaction, before Finalize runs (spec §4.5.D).
	UpdatePayoutSignature(ctx context.Context, epochID int64, signature string) error

	Close() error
}
