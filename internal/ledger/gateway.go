// Package ledger implements the Ledger Gateway (spec §4.1, component C1).
// The actual chain RPC client (signing, wire serialization, confirmation
// polling) and the upstream fee-claim SDK are external collaborators per
// spec §1 — this package owns the claim/payout business logic (batching,
// pre-validation, retry bounds) and delegates wire-level work to the
// ChainClient and FeeClaimSDK interfaces injected at construction time.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/bags-rewards/settler/internal/money"
)

// TransientError signals a retryable failure: the caller leaves durable
// state untouched and lets a later tick's recovery sweep resolve it.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError signals a non-retryable failure: the caller compensates
// (restores carry) and marks the epoch failed.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// walletAddressPattern matches the base58 character class at the length
// Solana wallet addresses use (§4.1 sendPayout pre-validation (iii)).
var walletAddressPattern = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

// ValidWalletAddress reports whether addr matches the target chain's
// address syntax.
func ValidWalletAddress(addr string) bool {
	return walletAddressPattern.MatchString(addr)
}

// ChainClient is the narrow contract the Gateway needs from the chain RPC
// client. Signing, transaction building, and confirmation polling are its
// responsibility; the Gateway only decides *what* to send and *when* to
// retry.
type ChainClient interface {
	VaultAddress() string
	Balance(ctx context.Context) (uint64, error)
	SendBatchTransfer(ctx context.Context, transfers []Transfer) (signature string, err error)
	ConfirmTransaction(ctx context.Context, signature string) (confirmed bool, err error)
	LookupTransaction(ctx context.Context, signature string) (found bool, err error)
	Ping(ctx context.Context) error
}

// FeeClaimSDK is the narrow contract the Gateway needs from the upstream
// (Bags) fee-claim SDK.
type FeeClaimSDK interface {
	// ClaimableBatches returns the unsigned claim batches for tokenMint.
	ClaimableBatches(ctx context.Context, tokenMint string) ([]ClaimBatch, error)
	// SubmitClaim signs and submits one batch, returning its signature.
	SubmitClaim(ctx context.Context, batch ClaimBatch) (signature string, err error)
}

// ClaimBatch is one upstream-defined batch of claimable fee positions.
type ClaimBatch struct {
	ID string
}

// Transfer is one leg of the batch payout transaction.
type Transfer struct {
	Wallet         string
	AmountLamports uint64
}

// Config bundles the Gateway's tunables. VaultReserveLamports and DryRun
// mirror §6.1; MaxRetries bounds both claim-confirmation and payout-send
// retries (§6.4 "client-side maxRetries bounded").
type Config struct {
	VaultReserveLamports uint64
	DryRun               bool
	MaxRetries           uint
}

// DryRunSignature is the sentinel signature finalize uses when DRY_RUN
// suppresses the real on-chain call (spec §4.5.D).
const DryRunSignature = "DRY_RUN_NO_TX"

// Gateway is the C1 Ledger Gateway.
type Gateway struct {
	chain ChainClient
	claim FeeClaimSDK
	cfg   Config
	log   *zap.Logger
}

// New constructs a Gateway. It performs no I/O; call Init to confirm
// connectivity.
func New(chain ChainClient, claim FeeClaimSDK, cfg Config, logger *zap.Logger) *Gateway {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &Gateway{chain: chain, claim: claim, cfg: cfg, log: logger}
}

// Init performs a smoke call against the chain client. A returned false
// (with nil error) means required configuration was absent upstream and
// the engine should disable itself with no state mutation; a non-nil error
// means configuration was present but connectivity failed.
func (g *Gateway) Init(ctx context.Context) (ready bool, err error) {
	if g.chain == nil || g.claim == nil {
		return false, nil
	}
	if err := g.chain.Ping(ctx); err != nil {
		return false, fmt.Errorf("ledger: smoke call failed: %w", err)
	}
	return true, nil
}

// VaultBalance reads the current vault balance.
func (g *Gateway) VaultBalance(ctx context.Context) (uint64, error) {
	bal, err := g.chain.Balance(ctx)
	if err != nil {
		return 0, &TransientError{Err: err}
	}
	return bal, nil
}

// VaultAddress returns the vault's public address.
func (g *Gateway) VaultAddress() string {
	return g.chain.VaultAddress()
}

// ClaimFees enumerates claimable positions for tokenMint and submits one
// signed transaction per batch, confirming each. Individual sub-transaction
// failures are logged and skipped; the returned signature list holds only
// the successes. An empty result with a nil error means "nothing to claim".
func (g *Gateway) ClaimFees(ctx context.Context, tokenMint string) (signatures []string, err error) {
	batches, err := g.claim.ClaimableBatches(ctx, tokenMint)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("ledger: list claimable batches: %w", err)}
	}

	for _, batch := range batches {
		sig, err := g.submitClaimWithRetry(ctx, batch)
		if err != nil {
			g.log.Warn("claim sub-transaction failed, skipping",
				zap.String("batchID", batch.ID), zap.Error(err))
			continue
		}
		signatures = append(signatures, sig)
	}
	return signatures, nil
}

func (g *Gateway) submitClaimWithRetry(ctx context.Context, batch ClaimBatch) (string, error) {
	op := func() (string, error) {
		sig, err := g.claim.SubmitClaim(ctx, batch)
		if err != nil {
			return "", err
		}
		confirmed, err := g.chain.ConfirmTransaction(ctx, sig)
		if err != nil {
			return "", err
		}
		if !confirmed {
			return "", fmt.Errorf("claim tx %s not confirmed", sig)
		}
		return sig, nil
	}
	return backoff.Retry(ctx, op, backoff.WithMaxTries(g.cfg.MaxRetries))
}

// ValidatePayoutEntries runs the three pre-validation checks from §4.1
// before any transfer is sent.
func ValidatePayoutEntries(entries []Transfer) error {
	if len(entries) == 0 {
		return errors.New("ledger: no payout entries")
	}
	for _, e := range entries {
		if e.AmountLamports == 0 {
			return fmt.Errorf("ledger: amount must be positive for wallet %s", e.Wallet)
		}
		if !money.Lamports(e.AmountLamports).WithinSafeRange() {
			return fmt.Errorf("ledger: amount %d exceeds safe numeric range for wallet %s", e.AmountLamports, e.Wallet)
		}
		if !ValidWalletAddress(e.Wallet) {
			return fmt.Errorf("ledger: invalid wallet address syntax: %s", e.Wallet)
		}
	}
	return nil
}

// SendPayout builds and sends one batch transfer transaction containing
// exactly the given transfers, fee-payer = vault. Pre-validation failures
// return ok=false without sending (a permanent condition the caller should
// treat as an epoch failure).
func (g *Gateway) SendPayout(ctx context.Context, entries []Transfer) (signature string, ok bool, err error) {
	if verr := ValidatePayoutEntries(entries); verr != nil {
		return "", false, &PermanentError{Err: verr}
	}

	if g.cfg.DryRun {
		return DryRunSignature, true, nil
	}

	op := func() (string, error) {
		return g.chain.SendBatchTransfer(ctx, entries)
	}
	sig, err := backoff.Retry(ctx, op, backoff.WithMaxTries(g.cfg.MaxRetries))
	if err != nil {
		return "", false, &PermanentError{Err: fmt.Errorf("ledger: send payout: %w", err)}
	}

	confirmed, err := g.chain.ConfirmTransaction(ctx, sig)
	if err != nil {
		return sig, false, &TransientError{Err: err}
	}
	if !confirmed {
		return sig, false, &TransientError{Err: fmt.Errorf("payout tx %s not confirmed", sig)}
	}
	return sig, true, nil
}

// VerifyTransaction checks confirmation status and, as a fallback, a
// direct transaction lookup. Used by recovery to detect a previously
// submitted but un-finalized payout.
func (g *Gateway) VerifyTransaction(ctx context.Context, signature string) (bool, error) {
	if signature == "" {
		return false, nil
	}
	if signature == DryRunSignature {
		return true, nil
	}
	confirmed, err := g.chain.ConfirmTransaction(ctx, signature)
	if err == nil && confirmed {
		return true, nil
	}
	found, lookupErr := g.chain.LookupTransaction(ctx, signature)
	if lookupErr != nil {
		if err != nil {
			return false, &TransientError{Err: err}
		}
		return false, &TransientError{Err: lookupErr}
	}
	return found, nil
}

// EstimatePayoutFee returns a conservative overestimate covering base cost,
// per-transfer cost, and slack, for n transfers.
func EstimatePayoutFee(n int) uint64 {
	const base = 5000
	const perTransfer = 5000
	const slack = 10000
	return base + uint64(n)*perTransfer + slack
}
