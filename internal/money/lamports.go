// Package money implements wire-safe representations and overflow-checked
// arithmetic for the unsigned 64-bit lamport amounts that flow through the
// settlement engine.
package money

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// MaxSafeLamports is the largest amount the engine will hand to a transfer
// builder that expects a native (float64-backed) number. Solana's u64 range
// is wider than this; per §9's "64-bit integer JSON safety" note the engine
// preserves the restriction explicitly (WithinSafeRange) rather than lifting
// it, so every payout entry is checked against it before a transfer is built.
const MaxSafeLamports = uint64(1<<53 - 1)

// Lamports is an unsigned 64-bit lamport amount that marshals to/from JSON
// as a quoted decimal string, per the wire-safety requirement in §6.3.
type Lamports uint64

// MarshalJSON renders the amount as a quoted decimal string, via
// shopspring/decimal so the wire value round-trips through the same
// arbitrary-precision representation bat-go's money fields use rather
// than a bespoke strconv format.
func (l Lamports) MarshalJSON() ([]byte, error) {
	return json.Marshal(decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(l)), 0).String())
}

// UnmarshalJSON accepts either a quoted decimal string or a bare JSON number.
func (l *Lamports) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		d, perr := decimal.NewFromString(s)
		if perr != nil {
			return fmt.Errorf("money: invalid lamports string %q: %w", s, perr)
		}
		v, ok := bigIntToUint64(d.BigInt())
		if !ok {
			return fmt.Errorf("money: lamports string %q out of uint64 range", s)
		}
		*l = Lamports(v)
		return nil
	}
	var n uint64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("money: invalid lamports value: %w", err)
	}
	*l = Lamports(n)
	return nil
}

func bigIntToUint64(v *big.Int) (uint64, bool) {
	if v.Sign() < 0 || !v.IsUint64() {
		return 0, false
	}
	return v.Uint64(), true
}

func (l Lamports) String() string {
	return strconv.FormatUint(uint64(l), 10)
}

// WithinSafeRange reports whether the amount fits in the clamp the spec
// requires before handing amounts to a transfer builder expecting a native
// numeric type (§9 "64-bit integer JSON safety").
func (l Lamports) WithinSafeRange() bool {
	return uint64(l) <= MaxSafeLamports
}

// MulBpsFloor computes floor(amount * bps / 10000) without overflow, using
// uint256 intermediate arithmetic. bps is expected in [0, 10000].
func MulBpsFloor(amount uint64, bps uint32) uint64 {
	a := uint256.NewInt(amount)
	a.Mul(a, uint256.NewInt(uint64(bps)))
	a.Div(a, uint256.NewInt(10000))
	if !a.IsUint64() {
		// Unreachable for valid u64 amount and bps <= 10000, but guard
		// against silent truncation rather than wrapping.
		return ^uint64(0)
	}
	return a.Uint64()
}

// AddChecked adds two amounts, returning false if the result would overflow
// uint64.
func AddChecked(a, b uint64) (uint64, bool) {
	x := uint256.NewInt(a)
	y := uint256.NewInt(b)
	x.Add(x, y)
	if !x.IsUint64() {
		return 0, false
	}
	return x.Uint64(), true
}

// SubFloor returns a-b, floored at zero (never negative, never wraps).
func SubFloor(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
