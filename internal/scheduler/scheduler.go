// Package scheduler elects a single active leader across replicas via a
// Postgres advisory lock, then drives that leader's periodic recovery
// sweep and settlement tick on its own schedule. It has no opinion about
// what a tick does beyond "run recovery, then one settlement pass" — the
// claim/decide/pay/finalize logic lives in package settlement.
package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bags-rewards/settler/internal/metrics"
	"github.com/bags-rewards/settler/internal/settlement"
)

// Locker is the narrow contract the Scheduler needs from a session-scoped
// Postgres advisory lock held on one dedicated connection. Session scope
// matters: a transaction-scoped lock would release on the next commit,
// which defeats holding leadership across many short transactions.
type Locker interface {
	// TryAcquire attempts to take the lock without blocking.
	TryAcquire(ctx context.Context) (acquired bool, err error)
	// Heartbeat runs a trivial query on the same connection the lock was
	// acquired on. An error here means the connection (and therefore the
	// lock) is gone.
	Heartbeat(ctx context.Context) error
	// Release gives up the lock, if held.
	Release(ctx context.Context) error
}

// Config bundles the Scheduler's timing tunables.
type Config struct {
	TickInterval        time.Duration
	LeaderCheckInterval time.Duration
}

// TriggerReason explains why Trigger declined to run a tick.
type TriggerReason string

const (
	TriggerRejectedNotLeader      TriggerReason = "not_leader"
	TriggerRejectedAlreadyRunning TriggerReason = "already_processing"
)

// Scheduler runs at most one active settlement loop per process, driven
// by two cooperative goroutines that share a cancellation signal: a
// leader heartbeat loop and a tick loop.
type Scheduler struct {
	lock    Locker
	settler *settlement.Settler
	cfg     Config
	log     *zap.Logger

	isLeader atomic.Bool
	running  atomic.Bool
	cancel   context.CancelFunc
}

// New constructs a Scheduler. Call Start to install its loops.
func New(lock Locker, settler *settlement.Settler, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 60 * time.Second
	}
	if cfg.LeaderCheckInterval == 0 {
		cfg.LeaderCheckInterval = 30 * time.Second
	}
	return &Scheduler{lock: lock, settler: settler, cfg: cfg, log: logger}
}

// Start attempts immediate leader acquisition, installs the heartbeat and
// tick loops, and — if leadership was won immediately — runs one
// synchronous tick before returning. The loops run until ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	acquired, err := s.lock.TryAcquire(loopCtx)
	if err != nil {
		cancel()
		return err
	}
	s.isLeader.Store(acquired)
	metrics.SetLeader(acquired)

	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error { return s.leaderLoop(gctx) })
	g.Go(func() error { return s.tickLoop(gctx) })

	if acquired {
		s.attemptTick(loopCtx)
	}

	go func() {
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("scheduler loop group exited with error", zap.Error(err))
		}
	}()
	return nil
}

// Stop cancels both loops and releases the advisory lock if this process
// currently holds it.
func (s *Scheduler) Stop(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}
	if s.isLeader.Swap(false) {
		metrics.SetLeader(false)
		if err := s.lock.Release(ctx); err != nil {
			s.log.Warn("release advisory lock on shutdown", zap.Error(err))
		}
	}
}

// IsLeader reports this process's last-known leadership state.
func (s *Scheduler) IsLeader() bool { return s.isLeader.Load() }

func (s *Scheduler) leaderLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.LeaderCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.heartbeat(ctx)
		}
	}
}

// heartbeat re-confirms a held lock connection is alive, or retries
// acquisition when this process is not currently the leader.
func (s *Scheduler) heartbeat(ctx context.Context) {
	if s.isLeader.Load() {
		if err := s.lock.Heartbeat(ctx); err != nil {
			s.log.Warn("lock connection heartbeat failed, dropping leadership", zap.Error(err))
			s.isLeader.Store(false)
			metrics.SetLeader(false)
		}
		return
	}

	acquired, err := s.lock.TryAcquire(ctx)
	if err != nil {
		s.log.Warn("advisory lock acquisition attempt errored", zap.Error(err))
		return
	}
	if acquired {
		s.log.Info("acquired leadership")
		s.isLeader.Store(true)
		metrics.SetLeader(true)
	}
}

func (s *Scheduler) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.attemptTick(ctx)
		}
	}
}

// attemptTick runs recovery then one settlement pass under the
// single-flight guard, silently declining if not leader or already
// running. Used by the tick loop and by Start's immediate tick.
func (s *Scheduler) attemptTick(ctx context.Context) (ran bool) {
	if !s.isLeader.Load() {
		return false
	}
	if !s.running.CompareAndSwap(false, true) {
		return false
	}
	defer s.running.Store(false)
	s.runOnePass(ctx)
	return true
}

func (s *Scheduler) runOnePass(ctx context.Context) {
	if _, err := s.settler.RunRecovery(ctx); err != nil {
		s.log.Error("recovery sweep failed", zap.Error(err))
	}
	if _, err := s.settler.ProcessNextPeriod(ctx); err != nil {
		s.log.Error("tick failed", zap.Error(err))
	}
}

// Trigger is the manual-trigger entry point: the same single-flight
// guard as the tick loop, run synchronously, reporting why it declined
// when it does.
func (s *Scheduler) Trigger(ctx context.Context) (ran bool, reason TriggerReason) {
	if !s.isLeader.Load() {
		return false, TriggerRejectedNotLeader
	}
	if !s.running.CompareAndSwap(false, true) {
		return false, TriggerRejectedAlreadyRunning
	}
	defer s.running.Store(false)
	s.runOnePass(ctx)
	return true, ""
}
