package autonomy

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/klawleybot/fleet-sub000/internal/balances"
	"github.com/klawleybot/fleet-sub000/internal/bundler"
	"github.com/klawleybot/fleet-sub000/internal/config"
	"github.com/klawleybot/fleet-sub000/internal/fleet"
	"github.com/klawleybot/fleet-sub000/internal/models"
	"github.com/klawleybot/fleet-sub000/internal/ops"
	"github.com/klawleybot/fleet-sub000/internal/policy"
	"github.com/klawleybot/fleet-sub000/internal/signals"
	"github.com/klawleybot/fleet-sub000/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	moverCoin = "0x1111111111111111111111111111111111111111"
	heldCoin  = "0x2222222222222222222222222222222222222222"
)

type stubBackend struct{}

func (b *stubBackend) Swap(_ context.Context, signerHandle, _, _ string, amountIn *big.Int, _ int) (*bundler.SwapResult, error) {
	return &bundler.SwapResult{
		UserOpHash: "0xop-" + signerHandle,
		Status:     bundler.StatusComplete,
		AmountOut:  new(big.Int).Set(amountIn),
	}, nil
}

func (b *stubBackend) Transfer(_ context.Context, _, _ string, _ *big.Int) (*bundler.TransferResult, error) {
	return &bundler.TransferResult{Status: bundler.StatusComplete}, nil
}

func (b *stubBackend) CreateWallet(_ context.Context, name string) (*bundler.CreatedWallet, error) {
	return &bundler.CreatedWallet{Address: "0x" + name, SignerHandle: "handle-" + name}, nil
}

type stubBudgets struct {
	balance *big.Int
}

func (f *stubBudgets) GetWalletBudgets(_ context.Context, wallets []models.Wallet) (*balances.Report, error) {
	report := &balances.Report{}
	for _, w := range wallets {
		report.Wallets = append(report.Wallets, balances.Budget{
			WalletID: w.ID,
			Address:  w.Address,
			Balance:  new(big.Int).Set(f.balance),
		})
		if f.balance.Sign() > 0 {
			report.FundedCount++
		}
	}
	return report, nil
}

// scriptedSignals plays back configured market conditions.
type scriptedSignals struct {
	mu      sync.Mutex
	movers  []signals.Mover
	pumps   []signals.PumpSignal
	dips    []signals.DipSignal
	senders []string
}

func (s *scriptedSignals) TopMovers(context.Context, int, float64) ([]signals.Mover, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.movers, nil
}
func (s *scriptedSignals) WatchlistSignals(context.Context, string, int) ([]signals.Mover, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.movers, nil
}
func (s *scriptedSignals) OnWatchlist(context.Context, string, string) (bool, error) {
	return true, nil
}
func (s *scriptedSignals) DetectPumpSignals(context.Context, []string, float64) ([]signals.PumpSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pumps, nil
}
func (s *scriptedSignals) DetectDipSignals(context.Context, []string, float64) ([]signals.DipSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dips, nil
}
func (s *scriptedSignals) RecentSwapSenders(context.Context, string, time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.senders, nil
}
func (s *scriptedSignals) AddToWatchlist(context.Context, string, string) error    { return nil }
func (s *scriptedSignals) RemoveFromWatchlist(context.Context, string, string) error { return nil }

type loopFixture struct {
	store     *store.Memory
	signals   *scriptedSignals
	budgets   *stubBudgets
	loop      *Loop
	clusterID uint
	wallets   []models.Wallet
}

func newLoopFixture(t *testing.T) *loopFixture {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemory()
	cluster := models.Cluster{Name: "alpha", StrategyMode: models.StrategySync}
	require.NoError(t, st.CreateCluster(ctx, &cluster))

	var wallets []models.Wallet
	for i := 0; i < 2; i++ {
		w := models.Wallet{
			Name:         fmt.Sprintf("w%d", i+1),
			Address:      fmt.Sprintf("0x%040d", i+1),
			SignerHandle: fmt.Sprintf("signer-%d", i+1),
		}
		require.NoError(t, st.CreateWallet(ctx, &w))
		require.NoError(t, st.AddMember(ctx, &models.ClusterMember{ClusterID: cluster.ID, WalletID: w.ID, Enabled: true, Weight: 1}))
		wallets = append(wallets, w)
	}

	budgets := &stubBudgets{balance: big.NewInt(1_000_000)}
	execCfg := config.Execution{
		SyncConcurrency:  2,
		JiggleFactor:     0.1,
		GasReserveWei:    big.NewInt(10),
		DustThresholdRaw: big.NewInt(10),
	}
	polCfg := config.Policy{
		MinPerWalletFundingWei: big.NewInt(10),
		MaxTradeTotalWei:       big.NewInt(1_000_000),
		MaxPerWalletTradeWei:   big.NewInt(500_000),
		MaxSlippageBps:         1000,
		WatchlistName:          "fleet",
		AutoApproveRequesters:  []string{"autonomy"},
		AutoApproveTypes:       []string{"SUPPORT_COIN", "EXIT_COIN"},
		MaxAutoTradeWei:        big.NewInt(100_000),
	}
	autCfg := config.Autonomy{
		TickInterval:           10 * time.Millisecond,
		StaleTimeout:           5 * time.Minute,
		SignalSource:           "momentum",
		MinMomentum:            0.5,
		PumpAccelThreshold:     2.0,
		DipDecelThreshold:      -1.5,
		OwnActivityWindow:      time.Hour,
		OwnActivityMinDiscount: 0.3,
		MaxApprovalsPerTick:    10,
		SupportAmountWei:       big.NewInt(5000),
		DefaultSlippageBps:     300,
	}

	eng := &scriptedSignals{}
	executor := fleet.NewExecutor(st, &stubBackend{}, budgets, execCfg, zerolog.Nop())
	gate := policy.NewGate(polCfg)
	svc := ops.NewService(st, gate, executor, eng, zerolog.Nop())

	return &loopFixture{
		store:     st,
		signals:   eng,
		budgets:   budgets,
		loop:      NewLoop(st, svc, gate, budgets, eng, autCfg, zerolog.Nop()),
		clusterID: cluster.ID,
		wallets:   wallets,
	}
}

func TestTickReconcilesStaleOperations(t *testing.T) {
	ctx := context.Background()
	f := newLoopFixture(t)

	op := models.Operation{
		Reference: "stale-1",
		Type:      models.OpSupportCoin,
		ClusterID: f.clusterID,
		Status:    models.OpExecuting,
		Payload:   `{"trade":{"coin_address":"` + moverCoin + `","total_wei":"100","slippage_bps":300}}`,
	}
	require.NoError(t, f.store.CreateOperation(ctx, &op))
	f.store.BackdateOperation(op.ID, time.Now().Add(-time.Hour))

	report, err := f.loop.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ReconciledStale)

	stored, err := f.store.OperationByID(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OpFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "Timed out")
}

func TestTickCreatesAndExecutesFromSignals(t *testing.T) {
	ctx := context.Background()
	f := newLoopFixture(t)
	f.signals.movers = []signals.Mover{{CoinAddress: moverCoin, Symbol: "MOV", Momentum: 3.2}}

	report, err := f.loop.Tick(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Executed)

	history, err := f.store.OperationsByCluster(ctx, f.clusterID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.OpSupportCoin, history[0].Type)
	assert.Equal(t, models.OpComplete, history[0].Status)
	assert.Equal(t, Requester, history[0].RequestedBy)
	assert.Equal(t, Requester, history[0].ApprovedBy)
}

func TestTickExitsOnPumpSignals(t *testing.T) {
	ctx := context.Background()
	f := newLoopFixture(t)

	for _, w := range f.wallets {
		require.NoError(t, f.store.ApplyFill(ctx, store.PositionFill{
			WalletID:    w.ID,
			CoinAddress: heldCoin,
			Side:        models.SideBuy,
			AmountIn:    big.NewInt(1000),
			AmountOut:   big.NewInt(1000),
			At:          time.Now(),
		}))
	}
	f.signals.pumps = []signals.PumpSignal{{CoinAddress: heldCoin, Acceleration: 4.0}}
	f.signals.senders = []string{"0xstranger1", "0xstranger2"}

	report, err := f.loop.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Executed)

	history, err := f.store.OperationsByCluster(ctx, f.clusterID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.OpExitCoin, history[0].Type)
	assert.Equal(t, models.OpComplete, history[0].Status)
}

func TestTickSuppressesOwnActivityPumps(t *testing.T) {
	ctx := context.Background()
	f := newLoopFixture(t)

	for _, w := range f.wallets {
		require.NoError(t, f.store.ApplyFill(ctx, store.PositionFill{
			WalletID:    w.ID,
			CoinAddress: heldCoin,
			Side:        models.SideBuy,
			AmountIn:    big.NewInt(1000),
			AmountOut:   big.NewInt(1000),
			At:          time.Now(),
		}))
	}
	f.signals.pumps = []signals.PumpSignal{{CoinAddress: heldCoin, Acceleration: 4.0}}
	// Nearly all recent volume is the fleet's own wallets; the discount lands
	// below the 0.3 floor and the pump must not trigger an exit.
	f.signals.senders = []string{
		f.wallets[0].Address, f.wallets[0].Address, f.wallets[1].Address,
		f.wallets[1].Address, "0xstranger",
	}

	report, err := f.loop.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Created)

	history, err := f.store.OperationsByCluster(ctx, f.clusterID, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestTickScopesOwnActivityToCluster(t *testing.T) {
	ctx := context.Background()
	f := newLoopFixture(t)

	// A second fleet whose wallets dominate the coin's recent swaps.
	beta := models.Cluster{Name: "beta", StrategyMode: models.StrategySync}
	require.NoError(t, f.store.CreateCluster(ctx, &beta))
	var betaAddrs []string
	for i := 0; i < 2; i++ {
		w := models.Wallet{
			Name:         fmt.Sprintf("b%d", i+1),
			Address:      fmt.Sprintf("0x%040d", 100+i),
			SignerHandle: fmt.Sprintf("signer-b%d", i+1),
		}
		require.NoError(t, f.store.CreateWallet(ctx, &w))
		require.NoError(t, f.store.AddMember(ctx, &models.ClusterMember{ClusterID: beta.ID, WalletID: w.ID, Enabled: true, Weight: 1}))
		betaAddrs = append(betaAddrs, w.Address)
	}

	for _, w := range f.wallets {
		require.NoError(t, f.store.ApplyFill(ctx, store.PositionFill{
			WalletID:    w.ID,
			CoinAddress: heldCoin,
			Side:        models.SideBuy,
			AmountIn:    big.NewInt(1000),
			AmountOut:   big.NewInt(1000),
			At:          time.Now(),
		}))
	}
	f.signals.pumps = []signals.PumpSignal{{CoinAddress: heldCoin, Acceleration: 4.0}}
	// Every recent seller belongs to the other cluster; for the holding
	// cluster that is outside activity and must not suppress the exit.
	f.signals.senders = append(append([]string{}, betaAddrs...), betaAddrs...)

	report, err := f.loop.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)

	history, err := f.store.OperationsByCluster(ctx, f.clusterID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.OpExitCoin, history[0].Type)
}

func TestTickDipBuysWatchlistedCoins(t *testing.T) {
	ctx := context.Background()
	f := newLoopFixture(t)

	// The cluster has never traded the coin; it is only on the watchlist,
	// which must still qualify it for dip detection.
	f.signals.movers = []signals.Mover{{CoinAddress: moverCoin, Symbol: "MOV", Momentum: 3.2}}
	f.signals.dips = []signals.DipSignal{{CoinAddress: moverCoin, Deceleration: -2.0}}

	report, err := f.loop.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)

	history, err := f.store.OperationsByCluster(ctx, f.clusterID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.OpSupportCoin, history[0].Type)

	payload, err := models.DecodePayload(history[0].Type, history[0].Payload)
	require.NoError(t, err)
	assert.Contains(t, payload.Trade.Signal, "dip decel")
}

func TestTickCountsFailedExecutions(t *testing.T) {
	ctx := context.Background()
	f := newLoopFixture(t)
	f.budgets.balance = big.NewInt(0)

	payload, err := models.EncodePayload(models.OpSupportCoin, models.OperationPayload{
		Trade: &models.TradePayload{
			CoinAddress: moverCoin,
			TotalWei:    models.NewWei(big.NewInt(5000)),
			SlippageBps: 300,
		},
	})
	require.NoError(t, err)
	op := models.Operation{
		Reference:   "auto-1",
		Type:        models.OpSupportCoin,
		ClusterID:   f.clusterID,
		Status:      models.OpPending,
		RequestedBy: Requester,
		Payload:     payload,
	}
	require.NoError(t, f.store.CreateOperation(ctx, &op))

	report, err := f.loop.Tick(ctx)
	require.NoError(t, err)

	// Pre-flight drops every unfunded wallet, so the operation terminally
	// fails; a failed run is an error, never an executed one.
	assert.Equal(t, 0, report.Executed)
	assert.Equal(t, 1, report.Errors)

	stored, err := f.store.OperationByID(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OpFailed, stored.Status)
}

func TestTickSkipsBusyClusters(t *testing.T) {
	ctx := context.Background()
	f := newLoopFixture(t)
	f.signals.movers = []signals.Mover{{CoinAddress: moverCoin, Momentum: 3.2}}

	op := models.Operation{
		Reference: "busy-1",
		Type:      models.OpSupportCoin,
		ClusterID: f.clusterID,
		Status:    models.OpExecuting,
		Payload:   `{"trade":{"coin_address":"` + moverCoin + `","total_wei":"100","slippage_bps":300}}`,
	}
	require.NoError(t, f.store.CreateOperation(ctx, &op))

	report, err := f.loop.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 1, report.Skipped)
}

func TestTickLeavesHumanRequestsPending(t *testing.T) {
	ctx := context.Background()
	f := newLoopFixture(t)

	payload, err := models.EncodePayload(models.OpSupportCoin, models.OperationPayload{
		Trade: &models.TradePayload{
			CoinAddress: moverCoin,
			TotalWei:    models.NewWei(big.NewInt(100)),
			SlippageBps: 300,
		},
	})
	require.NoError(t, err)
	op := models.Operation{
		Reference:   "human-1",
		Type:        models.OpSupportCoin,
		ClusterID:   f.clusterID,
		Status:      models.OpPending,
		RequestedBy: "alice",
		Payload:     payload,
	}
	require.NoError(t, f.store.CreateOperation(ctx, &op))

	report, err := f.loop.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Executed)

	stored, err := f.store.OperationByID(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OpPending, stored.Status)
}

func TestTickSingleFlight(t *testing.T) {
	f := newLoopFixture(t)

	// Simulate an in-flight tick holding the guard.
	require.True(t, f.loop.ticking.CompareAndSwap(false, true))
	_, err := f.loop.Tick(context.Background())
	assert.ErrorIs(t, err, ErrTickInProgress)
	f.loop.ticking.Store(false)

	_, err = f.loop.Tick(context.Background())
	assert.NoError(t, err)
}
