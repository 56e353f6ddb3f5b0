// Package signals is the client for the external momentum/clustering
// analytics engine. Everything returned here is plain data; nothing in this
// package mutates fleet state.
package signals

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/klawleybot/fleet-sub000/internal/utils"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// Mover is a coin with notable momentum.
type Mover struct {
	CoinAddress string  `json:"coin_address"`
	Symbol      string  `json:"symbol"`
	Momentum    float64 `json:"momentum"`
}

// PumpSignal marks short-horizon momentum acceleration above a threshold.
type PumpSignal struct {
	CoinAddress  string  `json:"coin_address"`
	Acceleration float64 `json:"acceleration"`
}

// DipSignal marks deceleration below a threshold.
type DipSignal struct {
	CoinAddress  string  `json:"coin_address"`
	Deceleration float64 `json:"deceleration"`
}

// Engine is the analytics surface the autonomy loop consumes.
type Engine interface {
	TopMovers(ctx context.Context, limit int, minMomentum float64) ([]Mover, error)
	WatchlistSignals(ctx context.Context, list string, limit int) ([]Mover, error)
	OnWatchlist(ctx context.Context, list, coin string) (bool, error)
	DetectPumpSignals(ctx context.Context, coins []string, accelThreshold float64) ([]PumpSignal, error)
	DetectDipSignals(ctx context.Context, coins []string, decelThreshold float64) ([]DipSignal, error)
	// RecentSwapSenders lists the sender addresses of every swap in the coin
	// over the window. The own-activity discount is computed engine-side so
	// the suppression threshold stays a local tunable.
	RecentSwapSenders(ctx context.Context, coin string, window time.Duration) ([]string, error)
	AddToWatchlist(ctx context.Context, list, coin string) error
	RemoveFromWatchlist(ctx context.Context, list, coin string) error
}

// Client is the HTTP Engine implementation with an in-process memo so one
// autonomy tick does not refetch the same leaderboard per cluster.
type Client struct {
	httpClient *utils.HTTPClient
	memo       *gocache.Cache
	logger     zerolog.Logger
}

// NewClient creates a signal engine client for the given base URL.
func NewClient(baseURL string, logger zerolog.Logger) *Client {
	return &Client{
		httpClient: utils.NewHTTPClient(utils.WithBaseURL(baseURL)),
		memo:       gocache.New(30*time.Second, time.Minute),
		logger:     logger.With().Str("component", "signals").Logger(),
	}
}

func (c *Client) TopMovers(ctx context.Context, limit int, minMomentum float64) ([]Mover, error) {
	key := fmt.Sprintf("movers:%d:%f", limit, minMomentum)
	if cached, ok := c.memo.Get(key); ok {
		return cached.([]Mover), nil
	}

	var out []Mover
	params := map[string]string{
		"limit":        strconv.Itoa(limit),
		"min_momentum": strconv.FormatFloat(minMomentum, 'f', -1, 64),
	}
	if err := c.httpClient.GetJSON(ctx, "/v1/movers", params, &out); err != nil {
		return nil, fmt.Errorf("top movers lookup failed: %w", err)
	}
	c.memo.SetDefault(key, out)
	return out, nil
}

func (c *Client) WatchlistSignals(ctx context.Context, list string, limit int) ([]Mover, error) {
	key := "watchlist:" + list + ":" + strconv.Itoa(limit)
	if cached, ok := c.memo.Get(key); ok {
		return cached.([]Mover), nil
	}

	var out []Mover
	params := map[string]string{
		"list":  list,
		"limit": strconv.Itoa(limit),
	}
	if err := c.httpClient.GetJSON(ctx, "/v1/watchlist/signals", params, &out); err != nil {
		return nil, fmt.Errorf("watchlist signals lookup failed: %w", err)
	}
	c.memo.SetDefault(key, out)
	return out, nil
}

func (c *Client) OnWatchlist(ctx context.Context, list, coin string) (bool, error) {
	var out struct {
		Present bool `json:"present"`
		Enabled bool `json:"enabled"`
	}
	params := map[string]string{"list": list, "coin": coin}
	if err := c.httpClient.GetJSON(ctx, "/v1/watchlist/entry", params, &out); err != nil {
		return false, fmt.Errorf("watchlist entry lookup failed: %w", err)
	}
	return out.Present && out.Enabled, nil
}

func (c *Client) DetectPumpSignals(ctx context.Context, coins []string, accelThreshold float64) ([]PumpSignal, error) {
	var out []PumpSignal
	body := map[string]interface{}{
		"coins":     coins,
		"threshold": accelThreshold,
	}
	if err := c.httpClient.PostJSON(ctx, "/v1/detect/pump", body, &out); err != nil {
		return nil, fmt.Errorf("pump detection failed: %w", err)
	}
	return out, nil
}

func (c *Client) DetectDipSignals(ctx context.Context, coins []string, decelThreshold float64) ([]DipSignal, error) {
	var out []DipSignal
	body := map[string]interface{}{
		"coins":     coins,
		"threshold": decelThreshold,
	}
	if err := c.httpClient.PostJSON(ctx, "/v1/detect/dip", body, &out); err != nil {
		return nil, fmt.Errorf("dip detection failed: %w", err)
	}
	return out, nil
}

func (c *Client) RecentSwapSenders(ctx context.Context, coin string, window time.Duration) ([]string, error) {
	var out []string
	params := map[string]string{
		"coin":           coin,
		"window_seconds": strconv.Itoa(int(window.Seconds())),
	}
	if err := c.httpClient.GetJSON(ctx, "/v1/swaps/senders", params, &out); err != nil {
		return nil, fmt.Errorf("recent swap senders lookup failed: %w", err)
	}
	return out, nil
}

func (c *Client) AddToWatchlist(ctx context.Context, list, coin string) error {
	body := map[string]string{"list": list, "coin": coin}
	if err := c.httpClient.PostJSON(ctx, "/v1/watchlist/add", body, nil); err != nil {
		return fmt.Errorf("watchlist add failed: %w", err)
	}
	return nil
}

func (c *Client) RemoveFromWatchlist(ctx context.Context, list, coin string) error {
	body := map[string]string{"list": list, "coin": coin}
	if err := c.httpClient.PostJSON(ctx, "/v1/watchlist/remove", body, nil); err != nil {
		return fmt.Errorf("watchlist remove failed: %w", err)
	}
	return nil
}

var _ Engine = (*Client)(nil)
