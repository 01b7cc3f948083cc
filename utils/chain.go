// utils/chain.go
package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
)

// On-chain transaction statuses as reported by the chain service
const (
	ChainTxPending  = "pending"
	ChainTxSuccess  = "success"
	ChainTxFailed   = "failed"
	ChainTxNotFound = "not_found"
)

// ChainTransfer is the value-transfer part of a transaction, absent for
// non-transfer transactions (contract calls etc).
type ChainTransfer struct {
	RecipientAddress string `json:"recipient_address"`
	AmountMicro      int64  `json:"amount_micro"`
	Memo             string `json:"memo"`
}

// ChainTransaction is the chain service's view of a transaction.
type ChainTransaction struct {
	TxID          string         `json:"tx_id"`
	Status        string         `json:"status"`
	SenderAddress string         `json:"sender_address"`
	Transfer      *ChainTransfer `json:"transfer,omitempty"`
}

// ChainLookup is what the payment verifier consumes. Satisfied by
// ChainClient in production and by mocks in tests.
type ChainLookup interface {
	GetTransaction(ctx context.Context, txID string) (*ChainTransaction, error)
}

// ChainPayout broadcasts outgoing transfers (withdrawals).
type ChainPayout interface {
	SendTransfer(ctx context.Context, recipient string, amountMicro int64, memo string) (string, error)
}

// ChainClient talks to the external chain indexer/broadcast service. The
// blockchain itself is opaque to us — this is lookup and broadcast only.
type ChainClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewChainClient() *ChainClient {
	baseURL := os.Getenv("CHAIN_SERVICE_URL")
	if baseURL == "" {
		log.Fatal("CHAIN_SERVICE_URL environment variable is required")
	}
	token := os.Getenv("CHAIN_SERVICE_TOKEN")
	if token == "" {
		log.Fatal("CHAIN_SERVICE_TOKEN environment variable is required")
	}

	return &ChainClient{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: HTTPClient,
	}
}

// GetTransaction fetches a transaction by id. A transaction the indexer
// has never seen comes back with status "not_found" rather than an error —
// not-yet-indexed is an expected, retryable condition.
func (c *ChainClient) GetTransaction(ctx context.Context, txID string) (*ChainTransaction, error) {
	u := fmt.Sprintf("%s/api/v1/transactions/%s", c.BaseURL, txID)

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Service-Token", c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call chain service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &ChainTransaction{TxID: txID, Status: ChainTxNotFound}, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("chain service returned status %d: %s", resp.StatusCode, string(body))
	}

	var tx ChainTransaction
	if err := json.NewDecoder(resp.Body).Decode(&tx); err != nil {
		return nil, fmt.Errorf("failed to decode chain service response: %w", err)
	}
	return &tx, nil
}

// SendTransfer broadcasts a payout and returns the new transaction id.
func (c *ChainClient) SendTransfer(ctx context.Context, recipient string, amountMicro int64, memo string) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"recipient_address": recipient,
		"amount_micro":      amountMicro,
		"memo":              memo,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal transfer: %w", err)
	}

	u := fmt.Sprintf("%s/api/v1/transfers", c.BaseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Service-Token", c.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call chain service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("chain service rejected transfer (status %d): %s", resp.StatusCode, string(body))
	}

	var response struct {
		OK     bool   `json:"ok"`
		TxID   string `json:"tx_id"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("failed to decode transfer response: %w", err)
	}
	if !response.OK {
		return "", fmt.Errorf("transfer rejected: %s", response.Reason)
	}
	return response.TxID, nil
}
