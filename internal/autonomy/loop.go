// Package autonomy is the unattended control loop. Each tick reconciles
// stuck operations, turns market signals into operation requests and
// auto-approves what policy allows. The loop only ever acts through the same
// request/approve path a human operator uses.
package autonomy

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klawleybot/fleet-sub000/internal/balances"
	"github.com/klawleybot/fleet-sub000/internal/config"
	"github.com/klawleybot/fleet-sub000/internal/logger"
	"github.com/klawleybot/fleet-sub000/internal/metrics"
	"github.com/klawleybot/fleet-sub000/internal/models"
	"github.com/klawleybot/fleet-sub000/internal/ops"
	"github.com/klawleybot/fleet-sub000/internal/policy"
	"github.com/klawleybot/fleet-sub000/internal/signals"
	"github.com/klawleybot/fleet-sub000/internal/store"
	"github.com/rs/zerolog"
)

// Requester identifies operations created by the loop; the policy gate's
// auto-approve list keys off it.
const Requester = "autonomy"

// ErrTickInProgress is returned when Tick is called while a previous tick is
// still running.
var ErrTickInProgress = errors.New("a tick is already in progress")

// TickReport summarizes what one tick did.
type TickReport struct {
	ReconciledStale int
	Created         int
	Executed        int
	Skipped         int
	Errors          int
}

// Loop drives the fleet without an operator in the loop.
type Loop struct {
	store   store.Store
	svc     *ops.Service
	gate    *policy.Gate
	budgets balances.Service
	signals signals.Engine
	cfg     config.Autonomy
	logger  zerolog.Logger

	ticking atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewLoop creates the control loop.
func NewLoop(st store.Store, svc *ops.Service, gate *policy.Gate, budgets balances.Service, eng signals.Engine, cfg config.Autonomy, log zerolog.Logger) *Loop {
	return &Loop{
		store:   st,
		svc:     svc,
		gate:    gate,
		budgets: budgets,
		signals: eng,
		cfg:     cfg,
		logger:  log.With().Str("component", "autonomy").Logger(),
	}
}

// Start runs the tick loop until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.cfg.TickInterval)
		defer ticker.Stop()

		l.logger.Info().Dur("interval", l.cfg.TickInterval).Msg("Autonomy loop started")
		for {
			select {
			case <-ctx.Done():
				l.logger.Info().Msg("Autonomy loop stopped")
				return
			case <-ticker.C:
				if _, err := l.Tick(ctx); err != nil && !errors.Is(err, ErrTickInProgress) {
					l.logger.Error().Err(err).Msg("Tick failed")
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight tick to finish.
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

// Tick runs one control cycle. Overlapping calls are rejected rather than
// queued; a slow drip execution must not stack ticks behind it.
func (l *Loop) Tick(ctx context.Context) (*TickReport, error) {
	if !l.ticking.CompareAndSwap(false, true) {
		metrics.RecordTick("rejected")
		return nil, ErrTickInProgress
	}
	defer l.ticking.Store(false)

	report := &TickReport{}

	if err := l.reconcileStale(ctx, report); err != nil {
		l.logger.Error().Err(err).Msg("Stale reconciliation failed")
		report.Errors++
	}
	if err := l.createFromSignals(ctx, report); err != nil {
		l.logger.Error().Err(err).Msg("Signal evaluation failed")
		report.Errors++
	}
	if err := l.autoApprove(ctx, report); err != nil {
		l.logger.Error().Err(err).Msg("Auto-approval failed")
		report.Errors++
	}

	status := "ok"
	if report.Errors > 0 {
		status = "error"
	}
	metrics.RecordTick(status)

	l.logger.Info().
		Int("reconciled_stale", report.ReconciledStale).
		Int("created", report.Created).
		Int("executed", report.Executed).
		Int("skipped", report.Skipped).
		Int("errors", report.Errors).
		Msg("Tick finished")

	return report, nil
}

// reconcileStale force-fails executing operations that have not progressed
// within the stale timeout. A crashed execution would otherwise hold its
// cluster's slot forever.
func (l *Loop) reconcileStale(ctx context.Context, report *TickReport) error {
	cutoff := time.Now().Add(-l.cfg.StaleTimeout)
	stale, err := l.store.StaleExecutingOperations(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("stale operation lookup failed: %w", err)
	}

	for i := range stale {
		op := &stale[i]
		op.Status = models.OpFailed
		op.ErrorMessage = fmt.Sprintf("Timed out after %s without progress", l.cfg.StaleTimeout)
		if err := l.store.UpdateOperation(ctx, op); err != nil {
			l.logger.Error().Err(err).Uint("operation_id", op.ID).Msg("Failed to fail stale operation")
			report.Errors++
			continue
		}
		metrics.StaleOperationsRecovered.Inc()
		metrics.OpenOperations.Dec()
		metrics.RecordOperation(string(op.Type), string(op.Status))
		report.ReconciledStale++

		opLog := logger.WithOperation(l.logger, op.ID)
		opLog.Warn().
			Time("last_update", op.UpdatedAt).
			Msg("Stale executing operation force-failed")
	}

	return nil
}

// createFromSignals evaluates every cluster against the market and requests
// at most one operation per cluster. Exits take priority over entries.
func (l *Loop) createFromSignals(ctx context.Context, report *TickReport) error {
	clusters, err := l.store.Clusters(ctx)
	if err != nil {
		return fmt.Errorf("cluster list failed: %w", err)
	}

	for i := range clusters {
		cluster := &clusters[i]
		clusterLog := logger.WithCluster(l.logger, cluster.ID)

		if err := l.gate.CheckExecutionGate(ctx, l.store, cluster.ID, 0); err != nil {
			if errors.Is(err, policy.ErrClusterBusy) || errors.Is(err, policy.ErrCooldownActive) {
				report.Skipped++
				continue
			}
			report.Errors++
			continue
		}

		wallets, err := l.store.ClusterWallets(ctx, cluster.ID)
		if err != nil || len(wallets) == 0 {
			report.Skipped++
			continue
		}

		created, err := l.evaluateExits(ctx, cluster, wallets, ownAddressSet(wallets))
		if err != nil {
			clusterLog.Error().Err(err).Msg("Exit evaluation failed")
			report.Errors++
		}
		if created {
			report.Created++
			continue
		}

		budget, err := l.budgets.GetWalletBudgets(ctx, wallets)
		if err != nil {
			clusterLog.Error().Err(err).Msg("Budget lookup failed")
			report.Errors++
			continue
		}
		if budget.FundedCount == 0 {
			report.Skipped++
			continue
		}

		created, err = l.evaluateEntries(ctx, cluster, wallets)
		if err != nil {
			clusterLog.Error().Err(err).Msg("Entry evaluation failed")
			report.Errors++
			continue
		}
		if created {
			report.Created++
		} else {
			report.Skipped++
		}
	}

	return nil
}

// evaluateExits checks held coins for pump acceleration worth selling into.
// Signals dominated by the cluster's own swaps are suppressed; another
// cluster's trading counts as outside activity.
func (l *Loop) evaluateExits(ctx context.Context, cluster *models.Cluster, wallets []models.Wallet, own map[string]struct{}) (bool, error) {
	ids := walletIDs(wallets)
	held, err := l.store.HeldCoins(ctx, ids, big.NewInt(0))
	if err != nil {
		return false, fmt.Errorf("held coin lookup failed: %w", err)
	}
	if len(held) == 0 {
		return false, nil
	}

	pumps, err := l.signals.DetectPumpSignals(ctx, held, l.cfg.PumpAccelThreshold)
	if err != nil {
		return false, fmt.Errorf("pump detection failed: %w", err)
	}

	for _, pump := range pumps {
		senders, err := l.signals.RecentSwapSenders(ctx, pump.CoinAddress, l.cfg.OwnActivityWindow)
		if err != nil {
			return false, fmt.Errorf("swap sender lookup failed: %w", err)
		}
		discount := OwnActivityDiscount(senders, own)
		if discount < l.cfg.OwnActivityMinDiscount {
			clusterLog := logger.WithCluster(l.logger, cluster.ID)
			clusterLog.Debug().
				Str("coin", pump.CoinAddress).
				Float64("discount", discount).
				Msg("Pump signal suppressed as mostly own activity")
			continue
		}

		holdings, err := l.store.HoldingsForCoin(ctx, ids, pump.CoinAddress)
		if err != nil {
			return false, fmt.Errorf("holdings lookup failed: %w", err)
		}
		if holdings.Sign() <= 0 {
			continue
		}

		_, err = l.svc.RequestExitOperation(ctx, cluster.ID, models.TradePayload{
			CoinAddress: pump.CoinAddress,
			TotalWei:    models.NewWei(holdings),
			SlippageBps: l.cfg.DefaultSlippageBps,
			Signal:      fmt.Sprintf("pump accel %.2f discount %.2f", pump.Acceleration, discount),
		}, Requester)
		if err != nil {
			return false, err
		}
		return true, nil
	}

	return false, nil
}

// evaluateEntries looks for a coin worth supporting, either a top mover or a
// dipping coin the cluster has traded before or keeps on the watchlist.
func (l *Loop) evaluateEntries(ctx context.Context, cluster *models.Cluster, wallets []models.Wallet) (bool, error) {
	payload := models.TradePayload{
		TotalWei:    models.NewWei(l.cfg.SupportAmountWei),
		SlippageBps: l.cfg.DefaultSlippageBps,
	}

	candidates, err := l.dipCandidates(ctx, wallets)
	if err != nil {
		return false, err
	}
	if len(candidates) > 0 {
		dips, err := l.signals.DetectDipSignals(ctx, candidates, l.cfg.DipDecelThreshold)
		if err != nil {
			return false, fmt.Errorf("dip detection failed: %w", err)
		}
		if len(dips) > 0 {
			payload.CoinAddress = dips[0].CoinAddress
			payload.Signal = fmt.Sprintf("dip decel %.2f", dips[0].Deceleration)
			return l.requestSupport(ctx, cluster.ID, payload)
		}
	}

	var movers []signals.Mover
	if l.cfg.SignalSource == "watchlist" {
		movers, err = l.signals.WatchlistSignals(ctx, l.gate.WatchlistName(), 10)
	} else {
		movers, err = l.signals.TopMovers(ctx, 10, l.cfg.MinMomentum)
	}
	if err != nil {
		return false, fmt.Errorf("signal lookup failed: %w", err)
	}
	if len(movers) == 0 {
		return false, nil
	}

	payload.CoinAddress = movers[0].CoinAddress
	payload.Signal = fmt.Sprintf("%s momentum %.2f", l.cfg.SignalSource, movers[0].Momentum)
	return l.requestSupport(ctx, cluster.ID, payload)
}

// dipCandidates merges the cluster's previously traded coins with the
// watchlist's current entries, deduplicated case-insensitively.
func (l *Loop) dipCandidates(ctx context.Context, wallets []models.Wallet) ([]string, error) {
	traded, err := l.store.TradedCoins(ctx, walletIDs(wallets))
	if err != nil {
		return nil, fmt.Errorf("traded coin lookup failed: %w", err)
	}
	listed, err := l.signals.WatchlistSignals(ctx, l.gate.WatchlistName(), 10)
	if err != nil {
		return nil, fmt.Errorf("watchlist lookup failed: %w", err)
	}

	seen := make(map[string]struct{}, len(traded))
	candidates := traded
	for _, coin := range traded {
		seen[strings.ToLower(coin)] = struct{}{}
	}
	for _, m := range listed {
		key := strings.ToLower(m.CoinAddress)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		candidates = append(candidates, m.CoinAddress)
	}
	return candidates, nil
}

func (l *Loop) requestSupport(ctx context.Context, clusterID uint, payload models.TradePayload) (bool, error) {
	_, err := l.svc.RequestSupportOperation(ctx, clusterID, payload, Requester)
	if err != nil {
		// Policy refusals are expected steady-state outcomes, not errors.
		if errors.Is(err, policy.ErrClusterBusy) || errors.Is(err, policy.ErrCooldownActive) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// autoApprove drains the pending queue through the policy gate, bounded per
// tick so one noisy market cannot monopolize the loop.
func (l *Loop) autoApprove(ctx context.Context, report *TickReport) error {
	pending, err := l.store.PendingOperations(ctx, l.cfg.MaxApprovalsPerTick)
	if err != nil {
		return fmt.Errorf("pending operation lookup failed: %w", err)
	}

	for i := range pending {
		op := &pending[i]
		payload, err := models.DecodePayload(op.Type, op.Payload)
		if err != nil {
			l.logger.Error().Err(err).Uint("operation_id", op.ID).Msg("Undecodable pending payload")
			report.Errors++
			continue
		}

		approved, reason := l.gate.AutoApprove(op, payload)
		if !approved {
			opLog := logger.WithOperation(l.logger, op.ID)
			opLog.Debug().Str("reason", reason).Msg("Left for a human approver")
			report.Skipped++
			continue
		}

		executed, err := l.svc.ApproveAndExecute(ctx, op.ID, Requester)
		if err != nil {
			if errors.Is(err, policy.ErrClusterBusy) || errors.Is(err, policy.ErrCooldownActive) || errors.Is(err, policy.ErrNotExecutable) {
				report.Skipped++
				continue
			}
			l.logger.Error().Err(err).Uint("operation_id", op.ID).Msg("Auto-approved execution failed")
			report.Errors++
			continue
		}
		// A terminally failed execution returns without error; it is not a
		// successful run of the operation.
		if executed.Status == models.OpFailed {
			failLog := logger.WithOperation(l.logger, op.ID)
			failLog.Warn().
				Str("error", executed.ErrorMessage).
				Msg("Auto-approved operation failed during execution")
			report.Errors++
			continue
		}
		report.Executed++
	}

	return nil
}

// ownAddressSet lowercases the cluster's wallet addresses for the
// own-activity comparison.
func ownAddressSet(wallets []models.Wallet) map[string]struct{} {
	own := make(map[string]struct{}, len(wallets))
	for _, w := range wallets {
		own[strings.ToLower(w.Address)] = struct{}{}
	}
	return own
}

func walletIDs(wallets []models.Wallet) []uint {
	out := make([]uint, len(wallets))
	for i := range wallets {
		out[i] = wallets[i].ID
	}
	return out
}
