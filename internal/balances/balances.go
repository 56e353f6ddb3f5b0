// Package balances reads live wallet budgets from the external balance
// service, with a short-lived Redis cache in front so pre-flight checks
// within one tick (and across replicas) share reads.
package balances

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/klawleybot/fleet-sub000/internal/metrics"
	"github.com/klawleybot/fleet-sub000/internal/models"
	"github.com/klawleybot/fleet-sub000/internal/utils"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Budget is one wallet's live native balance.
type Budget struct {
	WalletID uint
	Address  string
	Balance  *big.Int
}

// Report is the balance service's answer for a wallet set.
type Report struct {
	Wallets     []Budget
	FundedCount int
}

// Service is the budget surface consumed by pre-flight filtering and the
// autonomy loop.
type Service interface {
	GetWalletBudgets(ctx context.Context, wallets []models.Wallet) (*Report, error)
}

// Client is the HTTP Service implementation.
type Client struct {
	httpClient *utils.HTTPClient
	redis      *redis.Client // nil disables the cache
	cacheTTL   time.Duration
	logger     zerolog.Logger
}

// NewClient creates a balance client. rdb may be nil, in which case every
// lookup goes straight to the service.
func NewClient(baseURL string, rdb *redis.Client, logger zerolog.Logger) *Client {
	return &Client{
		httpClient: utils.NewHTTPClient(utils.WithBaseURL(baseURL)),
		redis:      rdb,
		cacheTTL:   10 * time.Second,
		logger:     logger.With().Str("component", "balances").Logger(),
	}
}

type budgetsRequest struct {
	Addresses []string `json:"addresses"`
}

type budgetsResponse struct {
	Wallets []struct {
		Address string `json:"address"`
		Balance string `json:"balance"`
	} `json:"wallets"`
	FundedCount int `json:"funded_count"`
}

// GetWalletBudgets returns the live balance for each wallet. Cache hits are
// served from Redis; a broken Redis degrades to direct service calls.
func (c *Client) GetWalletBudgets(ctx context.Context, wallets []models.Wallet) (*Report, error) {
	report := &Report{}
	byAddress := make(map[string]uint, len(wallets))
	var misses []string

	for _, w := range wallets {
		byAddress[w.Address] = w.ID
		if cached, ok := c.cacheGet(ctx, w.Address); ok {
			metrics.RecordBudgetLookup("cache")
			report.Wallets = append(report.Wallets, Budget{WalletID: w.ID, Address: w.Address, Balance: cached})
			if cached.Sign() > 0 {
				report.FundedCount++
			}
			continue
		}
		misses = append(misses, w.Address)
	}

	if len(misses) == 0 {
		return report, nil
	}

	var resp budgetsResponse
	if err := c.httpClient.PostJSON(ctx, "/v1/budgets", budgetsRequest{Addresses: misses}, &resp); err != nil {
		return nil, fmt.Errorf("budget lookup failed: %w", err)
	}
	metrics.RecordBudgetLookup("service")

	for _, w := range resp.Wallets {
		balance, ok := new(big.Int).SetString(w.Balance, 10)
		if !ok {
			return nil, fmt.Errorf("balance service returned invalid balance %q for %s", w.Balance, w.Address)
		}
		walletID, known := byAddress[w.Address]
		if !known {
			continue
		}
		report.Wallets = append(report.Wallets, Budget{WalletID: walletID, Address: w.Address, Balance: balance})
		if balance.Sign() > 0 {
			report.FundedCount++
		}
		c.cacheSet(ctx, w.Address, balance)
	}

	return report, nil
}

func (c *Client) cacheKey(address string) string {
	return "fleet:budget:" + address
}

func (c *Client) cacheGet(ctx context.Context, address string) (*big.Int, bool) {
	if c.redis == nil {
		return nil, false
	}
	raw, err := c.redis.Get(ctx, c.cacheKey(address)).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug().Err(err).Msg("Budget cache read failed")
		}
		return nil, false
	}
	balance, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, false
	}
	return balance, true
}

func (c *Client) cacheSet(ctx context.Context, address string, balance *big.Int) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Set(ctx, c.cacheKey(address), balance.String(), c.cacheTTL).Err(); err != nil {
		c.logger.Debug().Err(err).Msg("Budget cache write failed")
	}
}

var _ Service = (*Client)(nil)
