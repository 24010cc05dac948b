package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// BagsFeeClaimClient is a minimal REST client for the upstream Bags
// fee-claim SDK (§4.1 claimFees). It enumerates claimable batches for a
// token mint and submits each; the Gateway owns confirmation and retry
// policy, this client owns only the two HTTP calls.
type BagsFeeClaimClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewBagsFeeClaimClient builds a client against baseURL, authenticating
// with apiKey (BAGS_API_KEY).
func NewBagsFeeClaimClient(baseURL, apiKey string) *BagsFeeClaimClient {
	return &BagsFeeClaimClient{baseURL: baseURL, apiKey: apiKey, client: &http.Client{Timeout: 20 * time.Second}}
}

func (c *BagsFeeClaimClient) ClaimableBatches(ctx context.Context, tokenMint string) ([]ClaimBatch, error) {
	url := fmt.Sprintf("%s/v1/fees/claimable?mint=%s", c.baseURL, tokenMint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: build claimable-batches request: %w", err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("ledger: claimable batches: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, &TransientError{Err: fmt.Errorf("ledger: claimable batches: status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return nil, &PermanentError{Err: fmt.Errorf("ledger: claimable batches: status %d", resp.StatusCode)}
	}

	var batches []ClaimBatch
	if err := json.NewDecoder(resp.Body).Decode(&batches); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("ledger: decode claimable batches: %w", err)}
	}
	return batches, nil
}

func (c *BagsFeeClaimClient) SubmitClaim(ctx context.Context, batch ClaimBatch) (string, error) {
	url := fmt.Sprintf("%s/v1/fees/claim/%s", c.baseURL, batch.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", fmt.Errorf("ledger: build submit-claim request: %w", err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &TransientError{Err: fmt.Errorf("ledger: submit claim %s: %w", batch.ID, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", &TransientError{Err: fmt.Errorf("ledger: submit claim %s: status %d", batch.ID, resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return "", &PermanentError{Err: fmt.Errorf("ledger: submit claim %s: status %d", batch.ID, resp.StatusCode)}
	}

	var out struct {
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &TransientError{Err: fmt.Errorf("ledger: decode submit-claim response: %w", err)}
	}
	return out.Signature, nil
}

func (c *BagsFeeClaimClient) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
}
