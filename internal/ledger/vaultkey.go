package ledger

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// VaultAddressFromPrivateKey derives the vault's base58 public address
// from REWARDS_VAULT_PRIVATE_KEY. Two wire formats are accepted, matching
// how Solana CLI keypairs are typically supplied: a base58-encoded
// 64-byte secret key, or the JSON byte-array form produced by
// `solana-keygen`.
func VaultAddressFromPrivateKey(raw string) (string, error) {
	seed, err := decodeVaultKey(raw)
	if err != nil {
		return "", err
	}
	if len(seed) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("ledger: vault private key has %d bytes, want %d", len(seed), ed25519.PrivateKeySize)
	}
	pub := ed25519.PrivateKey(seed).Public().(ed25519.PublicKey)
	return base58.Encode(pub), nil
}

func decodeVaultKey(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "[") {
		var bytesOut []byte
		if err := json.Unmarshal([]byte(trimmed), &bytesOut); err != nil {
			return nil, fmt.Errorf("ledger: parse JSON keypair: %w", err)
		}
		return bytesOut, nil
	}
	decoded, err := base58.Decode(trimmed)
	if err != nil {
		return nil, fmt.Errorf("ledger: decode base58 keypair: %w", err)
	}
	return decoded, nil
}
