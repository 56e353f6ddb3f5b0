// Package fleet is the trade execution core: it spreads one logical trade
// across a cluster's wallets under one of three timing strategies and keeps
// the per-wallet trade and position ledgers.
package fleet

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/klawleybot/fleet-sub000/internal/balances"
	"github.com/klawleybot/fleet-sub000/internal/bundler"
	"github.com/klawleybot/fleet-sub000/internal/config"
	"github.com/klawleybot/fleet-sub000/internal/logger"
	"github.com/klawleybot/fleet-sub000/internal/metrics"
	"github.com/klawleybot/fleet-sub000/internal/models"
	"github.com/klawleybot/fleet-sub000/internal/store"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// NativeToken is the pseudo-address for the chain's native currency.
const NativeToken = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"

// dripSlotLength is the target spacing of drip sub-trades; one interval per
// this much duration, clamped below.
const (
	dripSlotLength   = 30 * time.Second
	dripMinIntervals = 2
	dripMaxIntervals = 20
)

// Executor runs trades and funding transfers against the signing backend.
type Executor struct {
	store   store.Store
	backend bundler.Backend
	budgets balances.Service
	cfg     config.Execution
	logger  zerolog.Logger
}

// NewExecutor creates the execution core.
func NewExecutor(st store.Store, backend bundler.Backend, budgets balances.Service, cfg config.Execution, log zerolog.Logger) *Executor {
	return &Executor{
		store:   st,
		backend: backend,
		budgets: budgets,
		cfg:     cfg,
		logger:  log.With().Str("component", "executor").Logger(),
	}
}

// TradeOrder is one cluster-wide trade to fan out across wallets.
type TradeOrder struct {
	OperationID uint
	Wallets     []models.Wallet
	CoinAddress string
	Side        models.TradeSide
	TotalAmount *big.Int
	SlippageBps int
	Strategy    models.StrategyMode
}

// Outcome summarizes a fanned-out execution. The ETH field is a convenience
// rendering for operators reading the stored result.
type Outcome struct {
	Strategy   models.StrategyMode `json:"strategy"`
	Attempted  int                 `json:"attempted"`
	Completed  int                 `json:"completed"`
	Failed     int                 `json:"failed"`
	TotalIn    models.Wei          `json:"total_in"`
	TotalOut   models.Wei          `json:"total_out"`
	TotalInEth string              `json:"total_in_eth"`
}

// formatEth renders a wei amount as a decimal ETH string.
func formatEth(wei *big.Int) string {
	return decimal.NewFromBigInt(wei, -18).String()
}

// target pairs a wallet with its distributed share.
type target struct {
	wallet models.Wallet
	amount *big.Int
}

// ExecuteTrade runs one trade order to completion under its strategy. A
// failing sub-trade never aborts its siblings; only pre-flight and
// distribution problems surface as an error for the whole operation.
func (e *Executor) ExecuteTrade(ctx context.Context, ord *TradeOrder) (*Outcome, error) {
	if len(ord.Wallets) == 0 {
		return nil, fmt.Errorf("no enabled wallets to execute against")
	}
	if ord.TotalAmount == nil || ord.TotalAmount.Sign() <= 0 {
		return nil, fmt.Errorf("trade total must be positive")
	}

	survivors, capped, err := e.preflight(ctx, ord)
	if err != nil {
		return nil, err
	}
	if len(survivors) == 0 {
		return nil, fmt.Errorf("no wallet can cover its share of %s", ord.TotalAmount.String())
	}

	amounts, err := SplitWithVariance(capped, len(survivors), e.cfg.JiggleFactor)
	if err != nil {
		return nil, err
	}
	targets := make([]target, 0, len(survivors))
	for i, s := range survivors {
		amount := amounts[i]
		// Never submit more than the wallet can actually cover; the jiggle
		// can push a share above the wallet's own available amount.
		if amount.Cmp(s.avail) > 0 {
			amount = new(big.Int).Set(s.avail)
		}
		if amount.Sign() <= 0 {
			continue
		}
		targets = append(targets, target{wallet: s.wallet, amount: amount})
	}

	var outcome *Outcome
	switch ord.Strategy {
	case models.StrategyStaggered:
		outcome = e.executeStaggered(ctx, ord, targets)
	case models.StrategyDrip:
		outcome = e.executeDrip(ctx, ord, targets)
	default:
		outcome = e.executeSync(ctx, ord, targets)
	}
	outcome.Strategy = ord.Strategy
	outcome.TotalInEth = formatEth(outcome.TotalIn.BigInt())

	e.logger.Info().
		Uint("operation_id", ord.OperationID).
		Str("coin", ord.CoinAddress).
		Str("side", string(ord.Side)).
		Int("completed", outcome.Completed).
		Int("failed", outcome.Failed).
		Msg("Trade execution finished")

	return outcome, nil
}

// candidate is a wallet that survived pre-flight with its available amount.
type candidate struct {
	wallet models.Wallet
	avail  *big.Int
}

// preflight drops wallets that cannot cover their even share and caps the
// total to what the surviving wallets actually have. No submitted sub-trade
// may be doomed to revert for insufficient funds.
func (e *Executor) preflight(ctx context.Context, ord *TradeOrder) ([]candidate, *big.Int, error) {
	evenShare := new(big.Int).Quo(ord.TotalAmount, big.NewInt(int64(len(ord.Wallets))))

	available := make(map[uint]*big.Int, len(ord.Wallets))
	switch ord.Side {
	case models.SideBuy:
		report, err := e.budgets.GetWalletBudgets(ctx, ord.Wallets)
		if err != nil {
			return nil, nil, fmt.Errorf("pre-flight balance check failed: %w", err)
		}
		for _, b := range report.Wallets {
			avail := new(big.Int).Set(b.Balance)
			if ord.Strategy == models.StrategyDrip {
				// Keep enough native currency behind for a future exit.
				avail.Sub(avail, e.cfg.GasReserveWei)
				if avail.Sign() < 0 {
					avail.SetInt64(0)
				}
			}
			available[b.WalletID] = avail
		}
	case models.SideSell:
		positions, err := e.store.PositionsByWallets(ctx, walletIDs(ord.Wallets))
		if err != nil {
			return nil, nil, fmt.Errorf("pre-flight holdings check failed: %w", err)
		}
		for i := range positions {
			if positions[i].CoinAddress != ord.CoinAddress {
				continue
			}
			holdings := positions[i].HoldingsRaw.BigInt()
			if holdings.Cmp(e.cfg.DustThresholdRaw) <= 0 {
				continue
			}
			available[positions[i].WalletID] = holdings
		}
	default:
		return nil, nil, fmt.Errorf("unknown trade side %q", ord.Side)
	}

	var survivors []candidate
	capTotal := new(big.Int)
	for _, w := range ord.Wallets {
		avail, ok := available[w.ID]
		if !ok || avail.Cmp(evenShare) < 0 {
			e.logger.Debug().
				Str("wallet", w.Address).
				Str("even_share", evenShare.String()).
				Msg("Wallet dropped in pre-flight")
			continue
		}
		survivors = append(survivors, candidate{wallet: w, avail: avail})
		capTotal.Add(capTotal, avail)
	}

	if capTotal.Cmp(ord.TotalAmount) > 0 {
		capTotal.Set(ord.TotalAmount)
	}
	return survivors, capTotal, nil
}

// executeSync runs every target concurrently under the concurrency limit.
func (e *Executor) executeSync(ctx context.Context, ord *TradeOrder, targets []target) *Outcome {
	outcome := newOutcome()
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(min(e.cfg.SyncConcurrency, len(targets)))
	for _, t := range targets {
		t := t
		g.Go(func() error {
			res := e.executeOne(ctx, ord, t)
			mu.Lock()
			outcome.tally(t.amount, res)
			mu.Unlock()
			return nil
		})
	}
	g.Wait() //nolint:errcheck // sub-trade failures are tallied, not propagated

	return outcome
}

// executeStaggered shuffles the targets and processes them in sequential
// waves; inside a wave each wallet sleeps a random jitter before executing.
func (e *Executor) executeStaggered(ctx context.Context, ord *TradeOrder, targets []target) *Outcome {
	outcome := newOutcome()
	var mu sync.Mutex

	Shuffle(targets)
	waveSize := e.cfg.WaveSize
	if waveSize < 1 {
		waveSize = 1
	}
	if waveSize > 10 {
		waveSize = 10
	}

	for offset := 0; offset < len(targets); offset += waveSize {
		wave := targets[offset:min(offset+waveSize, len(targets))]
		g := new(errgroup.Group)
		for _, t := range wave {
			t := t
			g.Go(func() error {
				if e.cfg.MaxStaggerDelay > 0 {
					jitter := time.Duration(rand.Int63n(int64(e.cfg.MaxStaggerDelay)))
					select {
					case <-time.After(jitter):
					case <-ctx.Done():
						return nil
					}
				}
				res := e.executeOne(ctx, ord, t)
				mu.Lock()
				outcome.tally(t.amount, res)
				mu.Unlock()
				return nil
			})
		}
		// Wave N+1 never starts before wave N has fully settled.
		g.Wait() //nolint:errcheck
	}

	return outcome
}

// executeDrip plays the drip schedule strictly in order, awaiting each
// event's absolute delay relative to the start of execution.
func (e *Executor) executeDrip(ctx context.Context, ord *TradeOrder, targets []target) *Outcome {
	outcome := newOutcome()

	ids := make([]uint, len(targets))
	amounts := make([]*big.Int, len(targets))
	byID := make(map[uint]target, len(targets))
	for i, t := range targets {
		ids[i] = t.wallet.ID
		amounts[i] = t.amount
		byID[t.wallet.ID] = t
	}

	intervals := dripIntervalCount(e.cfg.DripDuration)
	events, err := BuildDripSchedule(ids, amounts, e.cfg.DripDuration, intervals, true, e.cfg.JiggleFactor)
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to build drip schedule, falling back to sync")
		return e.executeSync(ctx, ord, targets)
	}

	start := time.Now()
	for _, ev := range events {
		if wait := ev.Delay - time.Since(start); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return outcome
			}
		}
		t := byID[ev.WalletID]
		t.amount = ev.Amount
		res := e.executeOne(ctx, ord, t)
		outcome.tally(ev.Amount, res)
	}

	return outcome
}

// subResult is the settled outcome of a single sub-trade.
type subResult struct {
	completed bool
	amountOut *big.Int
}

// executeOne submits one wallet's sub-trade, records the Trade row and, on
// success, applies the position fill. Failures are isolated here: they are
// recorded and tallied, never propagated to sibling sub-trades.
func (e *Executor) executeOne(ctx context.Context, ord *TradeOrder, t target) subResult {
	fromToken, toToken := NativeToken, ord.CoinAddress
	if ord.Side == models.SideSell {
		fromToken, toToken = ord.CoinAddress, NativeToken
	}

	walletLog := logger.WithWallet(e.logger, t.wallet.Address)
	trade := models.Trade{
		WalletID:    t.wallet.ID,
		OperationID: ord.OperationID,
		FromToken:   fromToken,
		ToToken:     toToken,
		AmountIn:    models.NewWei(t.amount),
	}

	res, err := e.backend.Swap(ctx, t.wallet.SignerHandle, fromToken, toToken, t.amount, ord.SlippageBps)
	if err != nil {
		trade.Status = models.TradeFailed
		trade.ErrorMessage = err.Error()
	} else if !bundler.Succeeded(res.Status) {
		trade.Status = models.TradeFailed
		trade.ErrorMessage = fmt.Sprintf("backend returned status %q", res.Status)
		trade.UserOpHash = res.UserOpHash
		trade.TxHash = res.TxHash
	} else {
		trade.Status = models.TradeComplete
		trade.UserOpHash = res.UserOpHash
		trade.TxHash = res.TxHash
		if res.AmountOut != nil {
			trade.AmountOut = models.NewWei(res.AmountOut)
		}
	}

	if storeErr := e.store.CreateTrade(ctx, &trade); storeErr != nil {
		walletLog.Error().Err(storeErr).Msg("Failed to record trade")
	}
	metrics.RecordTrade(string(trade.Status))

	if trade.Status == models.TradeFailed {
		walletLog.Warn().Str("error", trade.ErrorMessage).Msg("Sub-trade failed")
		return subResult{}
	}

	fill := store.PositionFill{
		WalletID:    t.wallet.ID,
		CoinAddress: ord.CoinAddress,
		Side:        ord.Side,
		AmountIn:    t.amount,
		AmountOut:   trade.AmountOut.BigInt(),
		At:          time.Now(),
	}
	if fillErr := e.store.ApplyFill(ctx, fill); fillErr != nil {
		walletLog.Error().Err(fillErr).Msg("Failed to update position ledger")
	}

	return subResult{completed: true, amountOut: trade.AmountOut.BigInt()}
}

func newOutcome() *Outcome {
	return &Outcome{}
}

// tally folds one settled sub-trade into the outcome.
func (o *Outcome) tally(amountIn *big.Int, res subResult) {
	o.Attempted++
	if !res.completed {
		o.Failed++
		return
	}
	o.Completed++
	o.TotalIn = models.NewWei(new(big.Int).Add(o.TotalIn.BigInt(), amountIn))
	if res.amountOut != nil {
		o.TotalOut = models.NewWei(new(big.Int).Add(o.TotalOut.BigInt(), res.amountOut))
	}
}

// dripIntervalCount targets roughly one interval per 30s of duration.
func dripIntervalCount(duration time.Duration) int {
	intervals := int(duration / dripSlotLength)
	if intervals < dripMinIntervals {
		return dripMinIntervals
	}
	if intervals > dripMaxIntervals {
		return dripMaxIntervals
	}
	return intervals
}

func walletIDs(wallets []models.Wallet) []uint {
	out := make([]uint, len(wallets))
	for i := range wallets {
		out[i] = wallets[i].ID
	}
	return out
}
