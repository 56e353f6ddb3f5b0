package ops

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/klawleybot/fleet-sub000/internal/balances"
	"github.com/klawleybot/fleet-sub000/internal/bundler"
	"github.com/klawleybot/fleet-sub000/internal/config"
	"github.com/klawleybot/fleet-sub000/internal/fleet"
	"github.com/klawleybot/fleet-sub000/internal/models"
	"github.com/klawleybot/fleet-sub000/internal/policy"
	"github.com/klawleybot/fleet-sub000/internal/signals"
	"github.com/klawleybot/fleet-sub000/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testCoin  = "0x1111111111111111111111111111111111111111"
	otherCoin = "0x2222222222222222222222222222222222222222"
)

// stubBackend settles everything at 1:1.
type stubBackend struct {
	swapErr error
}

func (b *stubBackend) Swap(_ context.Context, signerHandle, _, _ string, amountIn *big.Int, _ int) (*bundler.SwapResult, error) {
	if b.swapErr != nil {
		return nil, b.swapErr
	}
	return &bundler.SwapResult{
		UserOpHash: "0xop-" + signerHandle,
		Status:     bundler.StatusComplete,
		AmountOut:  new(big.Int).Set(amountIn),
	}, nil
}

func (b *stubBackend) Transfer(_ context.Context, _, _ string, _ *big.Int) (*bundler.TransferResult, error) {
	return &bundler.TransferResult{UserOpHash: "0xop", Status: bundler.StatusComplete}, nil
}

func (b *stubBackend) CreateWallet(_ context.Context, name string) (*bundler.CreatedWallet, error) {
	return &bundler.CreatedWallet{
		Address:      fmt.Sprintf("0x%040x", len(name)),
		SignerHandle: "handle-" + name,
	}, nil
}

// stubBudgets reports a fixed balance for every wallet.
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

// stubSignals records watchlist mutations and answers membership queries.
type stubSignals struct {
	watchlisted map[string]bool
	added       []string
	removed     []string
}

func newStubSignals() *stubSignals {
	return &stubSignals{watchlisted: make(map[string]bool)}
}

func (s *stubSignals) TopMovers(context.Context, int, float64) ([]signals.Mover, error) {
	return nil, nil
}
func (s *stubSignals) WatchlistSignals(context.Context, string, int) ([]signals.Mover, error) {
	return nil, nil
}
func (s *stubSignals) OnWatchlist(_ context.Context, _, coin string) (bool, error) {
	return s.watchlisted[coin], nil
}
func (s *stubSignals) DetectPumpSignals(context.Context, []string, float64) ([]signals.PumpSignal, error) {
	return nil, nil
}
func (s *stubSignals) DetectDipSignals(context.Context, []string, float64) ([]signals.DipSignal, error) {
	return nil, nil
}
func (s *stubSignals) RecentSwapSenders(context.Context, string, time.Duration) ([]string, error) {
	return nil, nil
}
func (s *stubSignals) AddToWatchlist(_ context.Context, _, coin string) error {
	s.added = append(s.added, coin)
	return nil
}
func (s *stubSignals) RemoveFromWatchlist(_ context.Context, _, coin string) error {
	s.removed = append(s.removed, coin)
	return nil
}

func testPolicy() config.Policy {
	return config.Policy{
		MinPerWalletFundingWei: big.NewInt(10),
		MaxTradeTotalWei:       big.NewInt(1_000_000),
		MaxPerWalletTradeWei:   big.NewInt(500_000),
		MaxSlippageBps:         1000,
		WatchlistName:          "fleet",
		AutoApproveRequesters:  []string{"autonomy"},
		AutoApproveTypes:       []string{"SUPPORT_COIN", "EXIT_COIN"},
		MaxAutoTradeWei:        big.NewInt(100_000),
	}
}

type fixture struct {
	store     *store.Memory
	backend   *stubBackend
	signals   *stubSignals
	svc       *Service
	clusterID uint
	wallets   []models.Wallet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemory()
	cluster := models.Cluster{Name: "alpha", StrategyMode: models.StrategySync}
	require.NoError(t, st.CreateCluster(ctx, &cluster))

	var wallets []models.Wallet
	for i := 0; i < 3; i++ {
		w := models.Wallet{
			Name:         fmt.Sprintf("w%d", i+1),
			Address:      fmt.Sprintf("0x%040d", i+1),
			SignerHandle: fmt.Sprintf("signer-%d", i+1),
		}
		require.NoError(t, st.CreateWallet(ctx, &w))
		require.NoError(t, st.AddMember(ctx, &models.ClusterMember{ClusterID: cluster.ID, WalletID: w.ID, Enabled: true, Weight: 1}))
		wallets = append(wallets, w)
	}

	backend := &stubBackend{}
	budgets := &stubBudgets{balance: big.NewInt(1_000_000)}
	execCfg := config.Execution{
		SyncConcurrency:  4,
		WaveSize:         2,
		MaxStaggerDelay:  time.Millisecond,
		DripDuration:     40 * time.Millisecond,
		JiggleFactor:     0.2,
		GasReserveWei:    big.NewInt(10),
		DustThresholdRaw: big.NewInt(10),
	}

	executor := fleet.NewExecutor(st, backend, budgets, execCfg, zerolog.Nop())
	gate := policy.NewGate(testPolicy())
	eng := newStubSignals()

	return &fixture{
		store:     st,
		backend:   backend,
		signals:   eng,
		svc:       NewService(st, gate, executor, eng, zerolog.Nop()),
		clusterID: cluster.ID,
		wallets:   wallets,
	}
}

func TestRequestSupportOperation(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a pending operation with a reference", func(t *testing.T) {
		f := newFixture(t)
		op, err := f.svc.RequestSupportOperation(ctx, f.clusterID, models.TradePayload{
			CoinAddress: testCoin,
			TotalWei:    models.NewWei(big.NewInt(3000)),
			SlippageBps: 300,
		}, "alice")
		require.NoError(t, err)

		assert.Equal(t, models.OpPending, op.Status)
		assert.Equal(t, models.OpSupportCoin, op.Type)
		assert.Equal(t, "alice", op.RequestedBy)
		assert.NotEmpty(t, op.Reference)

		stored, err := f.store.OperationByID(ctx, op.ID)
		require.NoError(t, err)
		payload, err := models.DecodePayload(stored.Type, stored.Payload)
		require.NoError(t, err)
		assert.Equal(t, testCoin, payload.Trade.CoinAddress)
	})

	t.Run("a rejected request leaves no row behind", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.RequestSupportOperation(ctx, f.clusterID, models.TradePayload{
			CoinAddress: "garbage",
			TotalWei:    models.NewWei(big.NewInt(3000)),
			SlippageBps: 300,
		}, "alice")
		require.Error(t, err)

		open, err := f.store.OpenOperation(ctx, f.clusterID)
		require.NoError(t, err)
		assert.Nil(t, open)
	})

	t.Run("a cooling-down cluster still accepts a request", func(t *testing.T) {
		f := newFixture(t)
		first, err := f.svc.RequestSupportOperation(ctx, f.clusterID, models.TradePayload{
			CoinAddress: testCoin,
			TotalWei:    models.NewWei(big.NewInt(3000)),
			SlippageBps: 300,
		}, "alice")
		require.NoError(t, err)
		_, err = f.svc.ApproveAndExecute(ctx, first.ID, "bob")
		require.NoError(t, err)

		cool := testPolicy()
		cool.CooldownPeriod = time.Hour
		svc := NewService(f.store, policy.NewGate(cool), f.svc.exec, f.signals, zerolog.Nop())

		// The just-finished operation arms the cooldown; requesting must
		// still land a pending row, only execution is held back.
		op, err := svc.RequestSupportOperation(ctx, f.clusterID, models.TradePayload{
			CoinAddress: otherCoin,
			TotalWei:    models.NewWei(big.NewInt(3000)),
			SlippageBps: 300,
		}, "alice")
		require.NoError(t, err)
		assert.Equal(t, models.OpPending, op.Status)

		_, err = svc.ApproveAndExecute(ctx, op.ID, "bob")
		assert.ErrorIs(t, err, policy.ErrCooldownActive)

		stored, err := f.store.OperationByID(ctx, op.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OpPending, stored.Status)
	})

	t.Run("a busy cluster rejects a second request", func(t *testing.T) {
		f := newFixture(t)
		first, err := f.svc.RequestSupportOperation(ctx, f.clusterID, models.TradePayload{
			CoinAddress: testCoin,
			TotalWei:    models.NewWei(big.NewInt(3000)),
			SlippageBps: 300,
		}, "alice")
		require.NoError(t, err)

		_, err = f.svc.RequestSupportOperation(ctx, f.clusterID, models.TradePayload{
			CoinAddress: otherCoin,
			TotalWei:    models.NewWei(big.NewInt(3000)),
			SlippageBps: 300,
		}, "bob")
		assert.ErrorIs(t, err, policy.ErrClusterBusy)

		stored, err := f.store.OperationByID(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OpPending, stored.Status)
	})
}

func TestApproveAndExecute(t *testing.T) {
	ctx := context.Background()

	t.Run("drives a buy to complete with a result summary", func(t *testing.T) {
		f := newFixture(t)
		op, err := f.svc.RequestSupportOperation(ctx, f.clusterID, models.TradePayload{
			CoinAddress: testCoin,
			TotalWei:    models.NewWei(big.NewInt(3000)),
			SlippageBps: 300,
		}, "alice")
		require.NoError(t, err)

		done, err := f.svc.ApproveAndExecute(ctx, op.ID, "bob")
		require.NoError(t, err)

		assert.Equal(t, models.OpComplete, done.Status)
		assert.Equal(t, "bob", done.ApprovedBy)
		assert.Contains(t, done.Result, "completed")

		trades, err := f.store.TradesByOperation(ctx, op.ID)
		require.NoError(t, err)
		assert.Len(t, trades, 3)

		// A completed support puts the coin on the watchlist.
		assert.Contains(t, f.signals.added, testCoin)
	})

	t.Run("rejects a terminal operation", func(t *testing.T) {
		f := newFixture(t)
		op, err := f.svc.RequestSupportOperation(ctx, f.clusterID, models.TradePayload{
			CoinAddress: testCoin,
			TotalWei:    models.NewWei(big.NewInt(3000)),
			SlippageBps: 300,
		}, "alice")
		require.NoError(t, err)

		_, err = f.svc.ApproveAndExecute(ctx, op.ID, "bob")
		require.NoError(t, err)

		_, err = f.svc.ApproveAndExecute(ctx, op.ID, "bob")
		assert.ErrorIs(t, err, policy.ErrNotExecutable)
	})

	t.Run("a failing execution lands in failed with the error persisted", func(t *testing.T) {
		f := newFixture(t)
		op, err := f.svc.RequestSupportOperation(ctx, f.clusterID, models.TradePayload{
			CoinAddress: testCoin,
			TotalWei:    models.NewWei(big.NewInt(3000)),
			SlippageBps: 300,
		}, "alice")
		require.NoError(t, err)

		// Every sub-trade failing yields a completed execution with zero
		// successes, not an operation error, so break pre-flight instead.
		f.backend.swapErr = fmt.Errorf("backend down")
		budgetless := &stubBudgets{balance: big.NewInt(0)}
		execCfg := config.Execution{SyncConcurrency: 2, JiggleFactor: 0.1, GasReserveWei: big.NewInt(10), DustThresholdRaw: big.NewInt(10)}
		f.svc.exec = fleet.NewExecutor(f.store, f.backend, budgetless, execCfg, zerolog.Nop())

		done, err := f.svc.ApproveAndExecute(ctx, op.ID, "bob")
		require.NoError(t, err)

		assert.Equal(t, models.OpFailed, done.Status)
		assert.NotEmpty(t, done.ErrorMessage)

		stored, err := f.store.OperationByID(ctx, op.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OpFailed, stored.Status)

		// A terminal row frees the cluster slot.
		open, err := f.store.OpenOperation(ctx, f.clusterID)
		require.NoError(t, err)
		assert.Nil(t, open)
	})

	t.Run("runs a funding request through the master wallet", func(t *testing.T) {
		f := newFixture(t)
		master := models.Wallet{Name: "master", Address: "0xff00000000000000000000000000000000000000", SignerHandle: "signer-master", IsMaster: true}
		require.NoError(t, f.store.CreateWallet(ctx, &master))

		op, err := f.svc.RequestFundingOperation(ctx, f.clusterID, big.NewInt(3000), "alice")
		require.NoError(t, err)

		done, err := f.svc.ApproveAndExecute(ctx, op.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, models.OpComplete, done.Status)

		records, err := f.store.FundingByOperation(ctx, op.ID)
		require.NoError(t, err)
		assert.Len(t, records, 3)
	})

	t.Run("a full exit removes the coin from the watchlist", func(t *testing.T) {
		f := newFixture(t)
		// Zero jiggle makes every share exactly match the wallet's holdings,
		// so the exit empties every position.
		evenCfg := config.Execution{SyncConcurrency: 2, JiggleFactor: 0, GasReserveWei: big.NewInt(10), DustThresholdRaw: big.NewInt(10)}
		f.svc.exec = fleet.NewExecutor(f.store, f.backend, &stubBudgets{balance: big.NewInt(0)}, evenCfg, zerolog.Nop())
		for _, w := range f.wallets {
			require.NoError(t, f.store.ApplyFill(ctx, store.PositionFill{
				WalletID:    w.ID,
				CoinAddress: testCoin,
				Side:        models.SideBuy,
				AmountIn:    big.NewInt(1000),
				AmountOut:   big.NewInt(1000),
				At:          time.Now(),
			}))
		}

		op, err := f.svc.RequestExitOperation(ctx, f.clusterID, models.TradePayload{
			CoinAddress: testCoin,
			TotalWei:    models.NewWei(big.NewInt(3000)),
			SlippageBps: 300,
		}, "alice")
		require.NoError(t, err)

		done, err := f.svc.ApproveAndExecute(ctx, op.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, models.OpComplete, done.Status)
		assert.Contains(t, f.signals.removed, testCoin)
	})
}

func TestEnsureFleet(t *testing.T) {
	ctx := context.Background()

	t.Run("provisions missing wallets once", func(t *testing.T) {
		st := store.NewMemory()
		gate := policy.NewGate(config.Policy{WatchlistName: "fleet", MaxSlippageBps: 100})
		svc := NewService(st, gate, nil, newStubSignals(), zerolog.Nop())
		backend := &stubBackend{}

		cluster, err := svc.EnsureFleet(ctx, backend, "beta", 4)
		require.NoError(t, err)

		wallets, err := st.ClusterWallets(ctx, cluster.ID)
		require.NoError(t, err)
		assert.Len(t, wallets, 4)

		// A second call is a no-op.
		again, err := svc.EnsureFleet(ctx, backend, "beta", 4)
		require.NoError(t, err)
		assert.Equal(t, cluster.ID, again.ID)
		wallets, err = st.ClusterWallets(ctx, cluster.ID)
		require.NoError(t, err)
		assert.Len(t, wallets, 4)
	})

	t.Run("rejects a non-positive size", func(t *testing.T) {
		st := store.NewMemory()
		gate := policy.NewGate(config.Policy{})
		svc := NewService(st, gate, nil, newStubSignals(), zerolog.Nop())
		_, err := svc.EnsureFleet(ctx, &stubBackend{}, "beta", 0)
		assert.Error(t, err)
	})
}
