package store

import (
	"context"
	"sync"
	"time"
)

// Mem is an in-memory Store used by tests across the settlement, scheduler,
// and engine packages in place of a real Postgres instance. It implements
// the same serializable-transaction contract the production Postgres store
// does (single global mutex held for the duration of a transaction, which
// is sufficient to exercise the state machine's crash-recovery logic
// without a live database).
type Mem struct {
	mu      sync.Mutex
	state   *RewardsState
	epochs  map[int64]*Epoch
	winners map[int64][]Winner
	nextID  int64
}

// NewMem returns a Mem store seeded with an empty RewardsState singleton.
func NewMem() *Mem {
	return &Mem{
		state:   &RewardsState{UpdatedAt: time.Now()},
		epochs:  map[int64]*Epoch{},
		winners: map[int64][]Winner{},
	}
}

func (m *Mem) Close() error { return nil }

func (m *Mem) BeginTx(ctx context.Context) (Tx, error) {
	m.mu.Lock()
	return &memTx{m: m}, nil
}

func (m *Mem) GetState(ctx context.Context) (*RewardsState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.state
	return &cp, nil
}

func (m *Mem) GetEpochByPeriodID(ctx context.Context, periodID string) (*Epoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.epochs {
		if e.LeaderboardPeriodID == periodID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Mem) GetEpoch(ctx context.Context, epochID int64) (*Epoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.epochs[epochID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *Mem) RecentEpochs(ctx context.Context, limit int) ([]Epoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []Epoch
	for _, e := range m.epochs {
		all = append(all, *e)
	}
	// newest-created first
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[j].CreatedAt.After(all[i].CreatedAt) {
				all[i], all[j] = all[j], all[i]
			}
		}
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *Mem) WinnersForEpoch(ctx context.Context, epochID int64) ([]Winner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := append([]Winner(nil), m.winners[epochID]...)
	for i := 0; i < len(ws); i++ {
		for j := i + 1; j < len(ws); j++ {
			if ws[j].Rank < ws[i].Rank {
				ws[i], ws[j] = ws[j], ws[i]
			}
		}
	}
	return ws, nil
}

func (m *Mem) StuckEpochs(ctx context.Context, cutoff time.Time) ([]Epoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Epoch
	for _, e := range m.epochs {
		if (e.Status == StatusClaiming || e.Status == StatusPaying) && e.UpdatedAt.Before(cutoff) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *Mem) UpdatePayoutSignature(ctx context.Context, epochID int64, signature string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.epochs[epochID]
	if !ok {
		return ErrNotFound
	}
	sig := signature
	e.PayoutTxSignature = &sig
	e.UpdatedAt = time.Now()
	return nil
}

// memTx implements Tx by operating directly on Mem's maps while holding
// Mem's mutex (acquired in BeginTx, released on Commit/Rollback).
type memTx struct {
	m         *Mem
	done      bool
}

func (t *memTx) finish() {
	if !t.done {
		t.done = true
		t.m.mu.Unlock()
	}
}

func (t *memTx) Commit() error   { t.finish(); return nil }
func (t *memTx) Rollback() error { t.finish(); return nil }

func (t *memTx) GetState(ctx context.Context) (*RewardsState, error) {
	cp := *t.m.state
	return &cp, nil
}

func (t *memTx) UpsertState(ctx context.Context, s *RewardsState) error {
	cp := *s
	cp.UpdatedAt = time.Now()
	t.m.state = &cp
	return nil
}

func (t *memTx) GetEpochByPeriodID(ctx context.Context, periodID string) (*Epoch, error) {
	for _, e := range t.m.epochs {
		if e.LeaderboardPeriodID == periodID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) GetEpoch(ctx context.Context, epochID int64) (*Epoch, error) {
	e, ok := t.m.epochs[epochID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (t *memTx) InsertEpoch(ctx context.Context, e *Epoch) (int64, error) {
	t.m.nextID++
	id := t.m.nextID
	cp := *e
	cp.EpochID = id
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	t.m.epochs[id] = &cp
	return id, nil
}

func (t *memTx) UpdateEpoch(ctx context.Context, e *Epoch) error {
	if _, ok := t.m.epochs[e.EpochID]; !ok {
		return ErrNotFound
	}
	cp := *e
	cp.UpdatedAt = time.Now()
	t.m.epochs[e.EpochID] = &cp
	return nil
}

func (t *memTx) InsertWinners(ctx context.Context, winners []Winner) error {
	for _, w := range winners {
		existing := t.m.winners[w.EpochID]
		dup := false
		for _, e := range existing {
			if e.Rank == w.Rank || e.WalletAddress == w.WalletAddress {
				dup = true
				break
			}
		}
		if !dup {
			t.m.winners[w.EpochID] = append(t.m.winners[w.EpochID], w)
		}
	}
	return nil
}
