package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RPCChainClient is a minimal Solana JSON-RPC ChainClient. It implements
// only the calls the Gateway needs (balance, send, confirm, lookup). It
// holds no keypair and does not build or sign transactions: the chain RPC
// client's wire-level detail is an external collaborator per spec §1, and
// SendBatchTransfer submits the placeholder from encodeTransferBatch.
type RPCChainClient struct {
	endpoint string
	vault    string
	client   *http.Client
}

// NewRPCChainClient builds a client against endpoint for the vault at
// vaultAddress. It performs no signing.
func NewRPCChainClient(endpoint, vaultAddress string) *RPCChainClient {
	return &RPCChainClient{
		endpoint: endpoint,
		vault:    vaultAddress,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *RPCChainClient) VaultAddress() string { return c.vault }

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *RPCChainClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("ledger: marshal rpc request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ledger: build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("ledger: rpc call %s: %w", method, err)}
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return &TransientError{Err: fmt.Errorf("ledger: decode rpc response: %w", err)}
	}
	if rpcResp.Error != nil {
		return &TransientError{Err: fmt.Errorf("ledger: rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)}
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("ledger: unmarshal rpc result: %w", err)
		}
	}
	return nil
}

func (c *RPCChainClient) Ping(ctx context.Context) error {
	return c.call(ctx, "getHealth", nil, nil)
}

func (c *RPCChainClient) Balance(ctx context.Context) (uint64, error) {
	var result struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance", []interface{}{c.vault}, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}

// SendBatchTransfer passes the output of encodeTransferBatch to
// sendTransaction and returns the signature the cluster reports. No
// transaction is built or signed here, so the submitted payload is not a
// signed SystemProgram transfer batch.
func (c *RPCChainClient) SendBatchTransfer(ctx context.Context, transfers []Transfer) (string, error) {
	var signature string
	params := []interface{}{encodeTransferBatch(c.vault, transfers)}
	if err := c.call(ctx, "sendTransaction", params, &signature); err != nil {
		return "", err
	}
	return signature, nil
}

func (c *RPCChainClient) ConfirmTransaction(ctx context.Context, signature string) (bool, error) {
	var result struct {
		Value []struct {
			ConfirmationStatus string `json:"confirmationStatus"`
			Err                interface{} `json:"err"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getSignatureStatuses", []interface{}{[]string{signature}}, &result); err != nil {
		return false, err
	}
	if len(result.Value) == 0 {
		return false, nil
	}
	status := result.Value[0]
	return status.Err == nil && (status.ConfirmationStatus == "confirmed" || status.ConfirmationStatus == "finalized"), nil
}

func (c *RPCChainClient) LookupTransaction(ctx context.Context, signature string) (bool, error) {
	var result json.RawMessage
	if err := c.call(ctx, "getTransaction", []interface{}{signature, map[string]string{"commitment": "confirmed"}}, &result); err != nil {
		return false, err
	}
	return string(result) != "null" && len(result) > 0, nil
}

// encodeTransferBatch is a placeholder for the base64-encoded,
// vault-signed transaction a real deployment would build via a Solana
// SDK; left as a named seam rather than inline bytes so swapping in a
// real transaction builder touches one function.
func encodeTransferBatch(vault string, transfers []Transfer) string {
	return fmt.Sprintf("unsigned-batch:%s:%d", vault, len(transfers))
}
