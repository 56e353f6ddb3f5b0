// Package ops owns the operation lifecycle: requests enter as pending rows,
// approval re-checks the policy gate, and execution drives the cluster's
// wallets through the execution core. Every state transition is persisted
// before the next step runs.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/klawleybot/fleet-sub000/internal/fleet"
	"github.com/klawleybot/fleet-sub000/internal/logger"
	"github.com/klawleybot/fleet-sub000/internal/metrics"
	"github.com/klawleybot/fleet-sub000/internal/models"
	"github.com/klawleybot/fleet-sub000/internal/policy"
	"github.com/klawleybot/fleet-sub000/internal/signals"
	"github.com/klawleybot/fleet-sub000/internal/store"
	"github.com/rs/zerolog"
)

// Service coordinates operation requests, approvals and execution.
type Service struct {
	store   store.Store
	gate    *policy.Gate
	exec    *fleet.Executor
	signals signals.Engine
	logger  zerolog.Logger
}

// NewService creates the operation lifecycle service.
func NewService(st store.Store, gate *policy.Gate, exec *fleet.Executor, eng signals.Engine, log zerolog.Logger) *Service {
	return &Service{
		store:   st,
		gate:    gate,
		exec:    exec,
		signals: eng,
		logger:  log.With().Str("component", "ops").Logger(),
	}
}

// RequestFundingOperation validates and records a pending funding request.
func (s *Service) RequestFundingOperation(ctx context.Context, clusterID uint, totalWei *big.Int, requestedBy string) (*models.Operation, error) {
	wallets, err := s.store.ClusterWallets(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("cluster wallet lookup failed: %w", err)
	}

	payload := models.FundingPayload{TotalWei: models.NewWei(totalWei)}
	if err := s.gate.ValidateFunding(&payload, len(wallets)); err != nil {
		return nil, err
	}

	return s.createOperation(ctx, clusterID, models.OpFundingRequest, requestedBy,
		models.OperationPayload{Funding: &payload})
}

// RequestSupportOperation validates and records a pending buy request.
func (s *Service) RequestSupportOperation(ctx context.Context, clusterID uint, p models.TradePayload, requestedBy string) (*models.Operation, error) {
	return s.requestTrade(ctx, clusterID, models.OpSupportCoin, p, requestedBy)
}

// RequestExitOperation validates and records a pending sell request.
func (s *Service) RequestExitOperation(ctx context.Context, clusterID uint, p models.TradePayload, requestedBy string) (*models.Operation, error) {
	return s.requestTrade(ctx, clusterID, models.OpExitCoin, p, requestedBy)
}

func (s *Service) requestTrade(ctx context.Context, clusterID uint, typ models.OperationType, p models.TradePayload, requestedBy string) (*models.Operation, error) {
	wallets, err := s.store.ClusterWallets(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("cluster wallet lookup failed: %w", err)
	}

	watchlisted := false
	if typ.Side() == models.SideBuy && s.gate.RequiresWatchlist() {
		watchlisted, err = s.signals.OnWatchlist(ctx, s.gate.WatchlistName(), p.CoinAddress)
		if err != nil {
			return nil, fmt.Errorf("watchlist check failed: %w", err)
		}
	}
	if err := s.gate.ValidateTradeRequest(typ, &p, len(wallets), watchlisted); err != nil {
		return nil, err
	}
	// Position rows key on the coin address string, so every payload carries
	// the checksummed form.
	p.CoinAddress = common.HexToAddress(p.CoinAddress).Hex()

	return s.createOperation(ctx, clusterID, typ, requestedBy,
		models.OperationPayload{Trade: &p})
}

func (s *Service) createOperation(ctx context.Context, clusterID uint, typ models.OperationType, requestedBy string, payload models.OperationPayload) (*models.Operation, error) {
	// Only the open-operation invariant gates a request; a cluster inside its
	// cooldown may still queue work for later approval.
	if err := s.gate.CheckClusterFree(ctx, s.store, clusterID, 0); err != nil {
		return nil, err
	}

	encoded, err := models.EncodePayload(typ, payload)
	if err != nil {
		return nil, err
	}

	op := &models.Operation{
		Reference:   uuid.NewString(),
		Type:        typ,
		ClusterID:   clusterID,
		Status:      models.OpPending,
		RequestedBy: requestedBy,
		Payload:     encoded,
	}
	if err := s.store.CreateOperation(ctx, op); err != nil {
		if errors.Is(err, store.ErrClusterOccupied) {
			return nil, fmt.Errorf("%w: %v", policy.ErrClusterBusy, err)
		}
		return nil, err
	}
	metrics.OpenOperations.Inc()

	opLog := logger.WithOperation(s.logger, op.ID)
	opLog.Info().
		Str("type", string(typ)).
		Uint("cluster_id", clusterID).
		Str("requested_by", requestedBy).
		Msg("Operation requested")

	return op, nil
}

// ApproveAndExecute moves a pending operation through approved and executing
// to a terminal status, running it against the cluster. An already-approved
// operation is executed without re-recording the approver. Any other status
// is rejected with ErrNotExecutable.
func (s *Service) ApproveAndExecute(ctx context.Context, operationID uint, approver string) (*models.Operation, error) {
	op, err := s.store.OperationByID(ctx, operationID)
	if err != nil {
		return nil, err
	}
	opLog := logger.WithOperation(s.logger, op.ID)

	switch op.Status {
	case models.OpPending, models.OpApproved:
	default:
		return nil, fmt.Errorf("%w: status is %s", policy.ErrNotExecutable, op.Status)
	}

	payload, err := models.DecodePayload(op.Type, op.Payload)
	if err != nil {
		return nil, err
	}

	// The request-time gate result may be stale by approval time.
	if err := s.gate.CheckExecutionGate(ctx, s.store, op.ClusterID, op.ID); err != nil {
		return nil, err
	}

	if op.Status == models.OpPending {
		op.Status = models.OpApproved
		op.ApprovedBy = approver
		if err := s.store.UpdateOperation(ctx, op); err != nil {
			return nil, fmt.Errorf("failed to persist approval: %w", err)
		}
		opLog.Info().Str("approved_by", approver).Msg("Operation approved")
	}

	op.Status = models.OpExecuting
	if err := s.store.UpdateOperation(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to persist executing status: %w", err)
	}

	wallets, err := s.store.ClusterWallets(ctx, op.ClusterID)
	if err != nil {
		return s.finishFailed(ctx, op, fmt.Errorf("cluster wallet lookup failed: %w", err))
	}

	start := time.Now()
	var (
		result   interface{}
		strategy = models.StrategySync
		execErr  error
	)
	switch op.Type {
	case models.OpFundingRequest:
		result, execErr = s.exec.ExecuteFunding(ctx, op.ID, wallets, payload.Funding.TotalWei.BigInt())
	case models.OpSupportCoin, models.OpExitCoin:
		strategy, err = s.resolveStrategy(ctx, op.ClusterID, payload.Trade.Strategy)
		if err != nil {
			return s.finishFailed(ctx, op, err)
		}
		result, execErr = s.exec.ExecuteTrade(ctx, &fleet.TradeOrder{
			OperationID: op.ID,
			Wallets:     wallets,
			CoinAddress: payload.Trade.CoinAddress,
			Side:        op.Type.Side(),
			TotalAmount: payload.Trade.TotalWei.BigInt(),
			SlippageBps: payload.Trade.SlippageBps,
			Strategy:    strategy,
		})
	default:
		execErr = fmt.Errorf("unknown operation type %q", op.Type)
	}
	metrics.OperationSeconds.WithLabelValues(string(op.Type), string(strategy)).Observe(time.Since(start).Seconds())

	if execErr != nil {
		return s.finishFailed(ctx, op, execErr)
	}

	summary, err := json.Marshal(result)
	if err != nil {
		opLog.Error().Err(err).Msg("Failed to encode result summary")
	} else {
		op.Result = string(summary)
	}
	op.Status = models.OpComplete
	if err := s.store.UpdateOperation(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to persist completion: %w", err)
	}
	metrics.OpenOperations.Dec()
	metrics.RecordOperation(string(op.Type), string(op.Status))

	s.applySideEffects(ctx, op, payload)
	opLog.Info().Str("result", op.Result).Msg("Operation complete")

	return op, nil
}

// finishFailed marks the operation failed with the execution error. The
// terminal write must land even when the original ctx is gone.
func (s *Service) finishFailed(ctx context.Context, op *models.Operation, execErr error) (*models.Operation, error) {
	op.Status = models.OpFailed
	op.ErrorMessage = execErr.Error()
	if err := s.store.UpdateOperation(ctx, op); err != nil {
		s.logger.Error().Err(err).Uint("operation_id", op.ID).Msg("Failed to persist failure")
	}
	metrics.OpenOperations.Dec()
	metrics.RecordOperation(string(op.Type), string(op.Status))

	opLog := logger.WithOperation(s.logger, op.ID)
	opLog.Warn().
		Str("error", op.ErrorMessage).
		Msg("Operation failed")

	return op, nil
}

// resolveStrategy returns the request's strategy, falling back to the
// cluster's default.
func (s *Service) resolveStrategy(ctx context.Context, clusterID uint, requested models.StrategyMode) (models.StrategyMode, error) {
	if requested != "" {
		if !requested.Valid() {
			return "", fmt.Errorf("unknown execution strategy %q", requested)
		}
		return requested, nil
	}
	cluster, err := s.store.ClusterByID(ctx, clusterID)
	if err != nil {
		return "", fmt.Errorf("cluster lookup failed: %w", err)
	}
	if cluster.StrategyMode.Valid() {
		return cluster.StrategyMode, nil
	}
	return models.StrategySync, nil
}

// applySideEffects maintains the watchlist after a completed trade. These are
// best effort; a failure never changes the operation's outcome.
func (s *Service) applySideEffects(ctx context.Context, op *models.Operation, payload *models.OperationPayload) {
	if payload.Trade == nil {
		return
	}
	list := s.gate.WatchlistName()
	coin := payload.Trade.CoinAddress

	switch op.Type {
	case models.OpSupportCoin:
		if err := s.signals.AddToWatchlist(ctx, list, coin); err != nil {
			s.logger.Warn().Err(err).Str("coin", coin).Msg("Watchlist add failed")
		}
	case models.OpExitCoin:
		wallets, err := s.store.ClusterWallets(ctx, op.ClusterID)
		if err != nil {
			return
		}
		remaining, err := s.store.HoldingsForCoin(ctx, walletIDs(wallets), coin)
		if err != nil || remaining.Sign() > 0 {
			return
		}
		if err := s.signals.RemoveFromWatchlist(ctx, list, coin); err != nil {
			s.logger.Warn().Err(err).Str("coin", coin).Msg("Watchlist remove failed")
		}
	}
}

// History returns the cluster's most recent operations.
func (s *Service) History(ctx context.Context, clusterID uint, limit int) ([]models.Operation, error) {
	return s.store.OperationsByCluster(ctx, clusterID, limit)
}

func walletIDs(wallets []models.Wallet) []uint {
	out := make([]uint, len(wallets))
	for i := range wallets {
		out[i] = wallets[i].ID
	}
	return out
}
