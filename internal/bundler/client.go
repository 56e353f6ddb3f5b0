// Package bundler talks to the external signing/account backend. It submits
// user operations on behalf of fleet wallets; it never holds keys itself.
package bundler

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/klawleybot/fleet-sub000/internal/metrics"
	"github.com/klawleybot/fleet-sub000/internal/utils"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Status is the backend's settlement status for a submitted user operation.
// Anything other than StatusComplete is treated as failed.
type Status string

const (
	StatusComplete Status = "complete"
	StatusPending  Status = "pending"
	StatusFailed   Status = "failed"
)

// SwapResult is the backend's answer to a swap submission.
type SwapResult struct {
	UserOpHash string
	TxHash     string
	Status     Status
	AmountOut  *big.Int // realized output, set when Status is complete
}

// TransferResult is the backend's answer to a native transfer.
type TransferResult struct {
	UserOpHash string
	TxHash     string
	Status     Status
}

// CreatedWallet describes a freshly provisioned smart account.
type CreatedWallet struct {
	Address      string
	OwnerAddress string
	SignerHandle string
}

// Backend is the signing backend surface the execution core depends on.
type Backend interface {
	Swap(ctx context.Context, signerHandle, fromToken, toToken string, amountIn *big.Int, slippageBps int) (*SwapResult, error)
	Transfer(ctx context.Context, signerHandle, to string, amountWei *big.Int) (*TransferResult, error)
	CreateWallet(ctx context.Context, name string) (*CreatedWallet, error)
}

// Client is the HTTP Backend implementation. All submissions across all
// wallets share one rate limiter so a fleet-wide action cannot flood the
// backend.
type Client struct {
	httpClient *utils.HTTPClient
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

// NewClient creates a bundler client for the given base URL.
func NewClient(baseURL string, logger zerolog.Logger) *Client {
	return &Client{
		httpClient: utils.NewHTTPClient(
			utils.WithBaseURL(baseURL),
			utils.WithTimeout(60*time.Second),
		),
		// ~5 submissions/s with a small burst keeps us inside the backend's
		// published limits even during a sync wave.
		limiter: rate.NewLimiter(rate.Limit(5), 10),
		logger:  logger.With().Str("component", "bundler").Logger(),
	}
}

type swapRequest struct {
	SignerHandle   string `json:"signer_handle"`
	FromToken      string `json:"from_token"`
	ToToken        string `json:"to_token"`
	AmountIn       string `json:"amount_in"`
	SlippageBps    int    `json:"slippage_bps"`
	IdempotencyKey string `json:"idempotency_key"`
}

type swapResponse struct {
	UserOpHash string `json:"user_op_hash"`
	TxHash     string `json:"tx_hash"`
	Status     string `json:"status"`
	AmountOut  string `json:"amount_out"`
}

// Swap submits a token swap for one wallet and waits for the backend's
// settlement status.
func (c *Client) Swap(ctx context.Context, signerHandle, fromToken, toToken string, amountIn *big.Int, slippageBps int) (*SwapResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req := swapRequest{
		SignerHandle:   signerHandle,
		FromToken:      fromToken,
		ToToken:        toToken,
		AmountIn:       amountIn.String(),
		SlippageBps:    slippageBps,
		IdempotencyKey: uuid.NewString(),
	}

	var resp swapResponse
	if err := c.httpClient.PostJSON(ctx, "/v1/swap", req, &resp); err != nil {
		metrics.RecordBundlerRequest("swap", "error")
		return nil, fmt.Errorf("swap submission failed: %w", err)
	}
	metrics.RecordBundlerRequest("swap", resp.Status)

	result := &SwapResult{
		UserOpHash: resp.UserOpHash,
		TxHash:     resp.TxHash,
		Status:     Status(resp.Status),
	}
	if resp.AmountOut != "" {
		out, ok := new(big.Int).SetString(resp.AmountOut, 10)
		if !ok {
			return nil, fmt.Errorf("backend returned invalid amount_out %q", resp.AmountOut)
		}
		result.AmountOut = out
	}

	c.logger.Debug().
		Str("user_op_hash", result.UserOpHash).
		Str("status", resp.Status).
		Msg("Swap submitted")

	return result, nil
}

type transferRequest struct {
	SignerHandle string `json:"signer_handle"`
	To           string `json:"to"`
	AmountWei    string `json:"amount_wei"`
}

type transferResponse struct {
	UserOpHash string `json:"user_op_hash"`
	TxHash     string `json:"tx_hash"`
	Status     string `json:"status"`
}

// Transfer submits a native-currency transfer from one wallet.
func (c *Client) Transfer(ctx context.Context, signerHandle, to string, amountWei *big.Int) (*TransferResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req := transferRequest{
		SignerHandle: signerHandle,
		To:           to,
		AmountWei:    amountWei.String(),
	}

	var resp transferResponse
	if err := c.httpClient.PostJSON(ctx, "/v1/transfer", req, &resp); err != nil {
		metrics.RecordBundlerRequest("transfer", "error")
		return nil, fmt.Errorf("transfer submission failed: %w", err)
	}
	metrics.RecordBundlerRequest("transfer", resp.Status)

	return &TransferResult{
		UserOpHash: resp.UserOpHash,
		TxHash:     resp.TxHash,
		Status:     Status(resp.Status),
	}, nil
}

type createWalletResponse struct {
	Address      string `json:"address"`
	OwnerAddress string `json:"owner_address"`
	SignerHandle string `json:"signer_handle"`
}

// CreateWallet provisions a new smart account through the backend.
func (c *Client) CreateWallet(ctx context.Context, name string) (*CreatedWallet, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var resp createWalletResponse
	body := map[string]string{"name": name}
	if err := c.httpClient.PostJSON(ctx, "/v1/wallets", body, &resp); err != nil {
		metrics.RecordBundlerRequest("create_wallet", "error")
		return nil, fmt.Errorf("wallet creation failed: %w", err)
	}
	metrics.RecordBundlerRequest("create_wallet", "complete")

	c.logger.Info().Str("address", resp.Address).Str("name", name).Msg("Wallet created")

	return &CreatedWallet{
		Address:      resp.Address,
		OwnerAddress: resp.OwnerAddress,
		SignerHandle: resp.SignerHandle,
	}, nil
}

// Succeeded reports whether a backend status counts as settled.
func Succeeded(s Status) bool {
	return s == StatusComplete
}

var _ Backend = (*Client)(nil)
