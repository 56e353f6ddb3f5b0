// Package policy is the approval gate: it bounds what any operation may do
// before a single wei moves. Validation happens at request time; the
// execution gate is re-checked immediately before dispatch.
package policy

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/klawleybot/fleet-sub000/internal/config"
	"github.com/klawleybot/fleet-sub000/internal/models"
	"github.com/klawleybot/fleet-sub000/internal/store"
)

var (
	// ErrClusterBusy is returned when the cluster already has an open
	// operation.
	ErrClusterBusy = errors.New("cluster has an open operation")

	// ErrCooldownActive is returned when the cluster's cooldown since its
	// last finished operation has not elapsed.
	ErrCooldownActive = errors.New("cluster cooldown has not elapsed")

	// ErrNotExecutable is returned when an operation's status does not allow
	// the requested transition.
	ErrNotExecutable = errors.New("operation is not in an executable state")
)

// Gate applies the configured policy bounds.
type Gate struct {
	cfg config.Policy
}

// NewGate creates a policy gate.
func NewGate(cfg config.Policy) *Gate {
	return &Gate{cfg: cfg}
}

// WatchlistName returns the list trade-side effects operate on.
func (g *Gate) WatchlistName() string {
	return g.cfg.WatchlistName
}

// RequiresWatchlist reports whether buy requests must name a watchlisted coin.
func (g *Gate) RequiresWatchlist() bool {
	return g.cfg.RequireWatchlist
}

// ValidateFunding checks a funding request against the per-wallet floor.
// walletCount is the number of wallets that will receive a share.
func (g *Gate) ValidateFunding(p *models.FundingPayload, walletCount int) error {
	total := p.TotalWei.BigInt()
	if total.Sign() <= 0 {
		return fmt.Errorf("funding total must be positive")
	}
	if walletCount <= 0 {
		return fmt.Errorf("cluster has no enabled wallets to fund")
	}
	perWallet := new(big.Int).Quo(total, big.NewInt(int64(walletCount)))
	if perWallet.Cmp(g.cfg.MinPerWalletFundingWei) < 0 {
		return fmt.Errorf("per-wallet share %s wei is below the funding floor of %s wei",
			perWallet.String(), g.cfg.MinPerWalletFundingWei.String())
	}
	return nil
}

// ValidateTradeRequest checks a trade request against the policy bounds.
// watchlisted reports whether the coin is on the configured watchlist; the
// caller resolves it so validation stays free of network calls.
func (g *Gate) ValidateTradeRequest(typ models.OperationType, p *models.TradePayload, walletCount int, watchlisted bool) error {
	if !common.IsHexAddress(p.CoinAddress) {
		return fmt.Errorf("invalid coin address %q", p.CoinAddress)
	}
	if err := g.checkAllowlist(p.CoinAddress); err != nil {
		return err
	}
	if p.SlippageBps < 1 || p.SlippageBps > g.cfg.MaxSlippageBps {
		return fmt.Errorf("slippage %d bps outside allowed range [1, %d]", p.SlippageBps, g.cfg.MaxSlippageBps)
	}
	if p.Strategy != "" && !p.Strategy.Valid() {
		return fmt.Errorf("unknown execution strategy %q", p.Strategy)
	}

	total := p.TotalWei.BigInt()
	if total.Sign() <= 0 {
		return fmt.Errorf("trade total must be positive")
	}

	// Sell totals are bounded by actual holdings at execution time; the
	// notional caps only gate money leaving the fleet.
	if typ.Side() == models.SideBuy {
		if total.Cmp(g.cfg.MaxTradeTotalWei) > 0 {
			return fmt.Errorf("trade total %s wei exceeds cap of %s wei", total.String(), g.cfg.MaxTradeTotalWei.String())
		}
		if walletCount > 0 {
			perWallet := new(big.Int).Quo(total, big.NewInt(int64(walletCount)))
			if perWallet.Cmp(g.cfg.MaxPerWalletTradeWei) > 0 {
				return fmt.Errorf("per-wallet share %s wei exceeds cap of %s wei",
					perWallet.String(), g.cfg.MaxPerWalletTradeWei.String())
			}
		}
		if g.cfg.RequireWatchlist && !watchlisted {
			return fmt.Errorf("coin %s is not on the %q watchlist", p.CoinAddress, g.cfg.WatchlistName)
		}
	}

	return nil
}

func (g *Gate) checkAllowlist(coin string) error {
	if len(g.cfg.AllowedCoins) == 0 {
		return nil
	}
	for _, allowed := range g.cfg.AllowedCoins {
		if strings.EqualFold(allowed, coin) {
			return nil
		}
	}
	return fmt.Errorf("coin %s is not on the allowlist (%s)", coin, strings.Join(g.cfg.AllowedCoins, ", "))
}

// CheckClusterFree enforces the open-operation invariant: at most one open
// operation may exist per cluster. excludeOpID is an operation allowed to be
// the open one, typically the operation asking to run. Request time checks
// only this; the cooldown applies to the transition into executing.
func (g *Gate) CheckClusterFree(ctx context.Context, st store.Store, clusterID, excludeOpID uint) error {
	open, err := st.OpenOperation(ctx, clusterID)
	if err != nil {
		return fmt.Errorf("open operation lookup failed: %w", err)
	}
	if open != nil && open.ID != excludeOpID {
		return fmt.Errorf("%w: operation %d is %s", ErrClusterBusy, open.ID, open.Status)
	}
	return nil
}

// CheckExecutionGate enforces the serialization rules for a cluster: no
// second open operation, and no execution inside the cooldown window after
// the previous one finished. excludeOpID is the operation asking to run.
func (g *Gate) CheckExecutionGate(ctx context.Context, st store.Store, clusterID, excludeOpID uint) error {
	if err := g.CheckClusterFree(ctx, st, clusterID, excludeOpID); err != nil {
		return err
	}

	if g.cfg.CooldownPeriod > 0 {
		finishedAt, err := st.LastOperationFinishedAt(ctx, clusterID, excludeOpID)
		if err != nil {
			return fmt.Errorf("cooldown lookup failed: %w", err)
		}
		if !finishedAt.IsZero() {
			if elapsed := time.Since(finishedAt); elapsed < g.cfg.CooldownPeriod {
				return fmt.Errorf("%w: %s remaining", ErrCooldownActive, (g.cfg.CooldownPeriod - elapsed).Round(time.Second))
			}
		}
	}

	return nil
}

// AutoApprove decides whether a pending operation qualifies for unattended
// approval. The returned reason explains a refusal; approved operations get
// an empty reason.
func (g *Gate) AutoApprove(op *models.Operation, payload *models.OperationPayload) (bool, string) {
	if op.Status != models.OpPending {
		return false, fmt.Sprintf("status is %s", op.Status)
	}
	if !contains(g.cfg.AutoApproveRequesters, op.RequestedBy) {
		return false, fmt.Sprintf("requester %q is not auto-approvable", op.RequestedBy)
	}
	if !contains(g.cfg.AutoApproveTypes, string(op.Type)) {
		return false, fmt.Sprintf("type %s requires a human approver", op.Type)
	}
	if payload.Trade != nil {
		total := payload.Trade.TotalWei.BigInt()
		if op.Type.Side() == models.SideBuy && total.Cmp(g.cfg.MaxAutoTradeWei) > 0 {
			return false, fmt.Sprintf("total %s wei exceeds the unattended cap of %s wei",
				total.String(), g.cfg.MaxAutoTradeWei.String())
		}
	}
	return true, ""
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
