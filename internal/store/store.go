// Package store is the persistence boundary for the fleet engine. The gorm
// implementation backs production; the memory implementation backs dry-run
// mode and tests. Both enforce the one-open-operation-per-cluster invariant
// at creation time.
package store

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/klawleybot/fleet-sub000/internal/models"
)

var (
	// ErrClusterOccupied is returned when creating an operation for a
	// cluster that already has one in pending/approved/executing.
	ErrClusterOccupied = errors.New("cluster already has an open operation")

	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
)

// PositionFill is the single-row ledger update produced by one successful
// sub-trade. Buys add cost and holdings; sells add proceeds and subtract
// holdings. Failed trades never produce a fill.
type PositionFill struct {
	WalletID    uint
	CoinAddress string
	Side        models.TradeSide
	AmountIn    *big.Int
	AmountOut   *big.Int
	At          time.Time
}

// Store is the persistence interface consumed by the policy gate, the
// operation lifecycle and the autonomy loop.
type Store interface {
	CreateWallet(ctx context.Context, w *models.Wallet) error
	WalletByID(ctx context.Context, id uint) (*models.Wallet, error)
	MasterWallet(ctx context.Context) (*models.Wallet, error)

	CreateCluster(ctx context.Context, c *models.Cluster) error
	ClusterByID(ctx context.Context, id uint) (*models.Cluster, error)
	Clusters(ctx context.Context) ([]models.Cluster, error)
	AddMember(ctx context.Context, m *models.ClusterMember) error
	ClusterWallets(ctx context.Context, clusterID uint) ([]models.Wallet, error)

	// CreateOperation persists a new operation, returning ErrClusterOccupied
	// if the cluster already holds an open one.
	CreateOperation(ctx context.Context, op *models.Operation) error
	OperationByID(ctx context.Context, id uint) (*models.Operation, error)
	// OpenOperation returns the cluster's open operation, or nil.
	OpenOperation(ctx context.Context, clusterID uint) (*models.Operation, error)
	// LastOperationFinishedAt returns the most recent update time across the
	// cluster's operations, excluding excludeID. Zero time when none exist.
	LastOperationFinishedAt(ctx context.Context, clusterID uint, excludeID uint) (time.Time, error)
	UpdateOperation(ctx context.Context, op *models.Operation) error
	PendingOperations(ctx context.Context, limit int) ([]models.Operation, error)
	StaleExecutingOperations(ctx context.Context, olderThan time.Time) ([]models.Operation, error)
	OperationsByCluster(ctx context.Context, clusterID uint, limit int) ([]models.Operation, error)

	CreateTrade(ctx context.Context, t *models.Trade) error
	TradesByOperation(ctx context.Context, operationID uint) ([]models.Trade, error)

	PositionFor(ctx context.Context, walletID uint, coin string) (*models.Position, error)
	ApplyFill(ctx context.Context, fill PositionFill) error
	PositionsByWallets(ctx context.Context, walletIDs []uint) ([]models.Position, error)
	// HoldingsForCoin sums HoldingsRaw for the coin across the wallets.
	HoldingsForCoin(ctx context.Context, walletIDs []uint, coin string) (*big.Int, error)
	// HeldCoins lists coins where any of the wallets holds more than min.
	HeldCoins(ctx context.Context, walletIDs []uint, minHoldings *big.Int) ([]string, error)
	// TradedCoins lists every coin the wallets have ever had a position in.
	TradedCoins(ctx context.Context, walletIDs []uint) ([]string, error)

	CreateFundingRecord(ctx context.Context, fr *models.FundingRecord) error
	FundingByOperation(ctx context.Context, operationID uint) ([]models.FundingRecord, error)
}

// applyFillTo mutates a position in place per the ledger rules shared by
// both implementations.
func applyFillTo(pos *models.Position, fill PositionFill) {
	switch fill.Side {
	case models.SideBuy:
		pos.TotalCostWei = models.NewWei(new(big.Int).Add(pos.TotalCostWei.BigInt(), fill.AmountIn))
		pos.HoldingsRaw = models.NewWei(new(big.Int).Add(pos.HoldingsRaw.BigInt(), fill.AmountOut))
		pos.BuyCount++
	case models.SideSell:
		pos.TotalReceivedWei = models.NewWei(new(big.Int).Add(pos.TotalReceivedWei.BigInt(), fill.AmountOut))
		pos.HoldingsRaw = models.NewWei(new(big.Int).Sub(pos.HoldingsRaw.BigInt(), fill.AmountIn))
		pos.SellCount++
	}
	pos.RealizedPnlWei = models.NewWei(new(big.Int).Sub(pos.TotalReceivedWei.BigInt(), pos.TotalCostWei.BigInt()))
	pos.LastActionAt = fill.At
}
