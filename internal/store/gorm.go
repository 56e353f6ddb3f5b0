package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/klawleybot/fleet-sub000/internal/models"
	"gorm.io/gorm"
)

// Gorm is the relational Store implementation.
type Gorm struct {
	db *gorm.DB
}

// NewGorm wraps an open gorm handle.
func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

func (s *Gorm) CreateWallet(ctx context.Context, w *models.Wallet) error {
	if err := s.db.WithContext(ctx).Create(w).Error; err != nil {
		return fmt.Errorf("failed to create wallet: %w", err)
	}
	return nil
}

func (s *Gorm) WalletByID(ctx context.Context, id uint) (*models.Wallet, error) {
	var w models.Wallet
	if err := s.db.WithContext(ctx).First(&w, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load wallet %d: %w", id, err)
	}
	return &w, nil
}

func (s *Gorm) MasterWallet(ctx context.Context) (*models.Wallet, error) {
	var w models.Wallet
	if err := s.db.WithContext(ctx).Where("is_master = ?", true).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load master wallet: %w", err)
	}
	return &w, nil
}

func (s *Gorm) CreateCluster(ctx context.Context, c *models.Cluster) error {
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("failed to create cluster: %w", err)
	}
	return nil
}

func (s *Gorm) ClusterByID(ctx context.Context, id uint) (*models.Cluster, error) {
	var c models.Cluster
	if err := s.db.WithContext(ctx).First(&c, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load cluster %d: %w", id, err)
	}
	return &c, nil
}

func (s *Gorm) Clusters(ctx context.Context) ([]models.Cluster, error) {
	var out []models.Cluster
	if err := s.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}
	return out, nil
}

func (s *Gorm) AddMember(ctx context.Context, m *models.ClusterMember) error {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("failed to add cluster member: %w", err)
	}
	return nil
}

func (s *Gorm) ClusterWallets(ctx context.Context, clusterID uint) ([]models.Wallet, error) {
	var out []models.Wallet
	err := s.db.WithContext(ctx).
		Joins("JOIN cluster_members ON cluster_members.wallet_id = wallets.id").
		Where("cluster_members.cluster_id = ? AND cluster_members.enabled = ? AND cluster_members.deleted_at IS NULL", clusterID, true).
		Order("wallets.id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list cluster wallets: %w", err)
	}
	return out, nil
}

func (s *Gorm) CreateOperation(ctx context.Context, op *models.Operation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open int64
		if err := tx.Model(&models.Operation{}).
			Where("cluster_id = ? AND status IN ?", op.ClusterID, models.OpenStatuses).
			Count(&open).Error; err != nil {
			return fmt.Errorf("failed to check open operations: %w", err)
		}
		if open > 0 {
			return ErrClusterOccupied
		}
		if err := tx.Create(op).Error; err != nil {
			return fmt.Errorf("failed to create operation: %w", err)
		}
		return nil
	})
}

func (s *Gorm) OperationByID(ctx context.Context, id uint) (*models.Operation, error) {
	var op models.Operation
	if err := s.db.WithContext(ctx).First(&op, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load operation %d: %w", id, err)
	}
	return &op, nil
}

func (s *Gorm) OpenOperation(ctx context.Context, clusterID uint) (*models.Operation, error) {
	var op models.Operation
	err := s.db.WithContext(ctx).
		Where("cluster_id = ? AND status IN ?", clusterID, models.OpenStatuses).
		First(&op).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load open operation: %w", err)
	}
	return &op, nil
}

func (s *Gorm) LastOperationFinishedAt(ctx context.Context, clusterID uint, excludeID uint) (time.Time, error) {
	var op models.Operation
	err := s.db.WithContext(ctx).
		Where("cluster_id = ? AND id <> ?", clusterID, excludeID).
		Order("updated_at DESC").
		First(&op).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to load last operation: %w", err)
	}
	return op.UpdatedAt, nil
}

func (s *Gorm) UpdateOperation(ctx context.Context, op *models.Operation) error {
	if err := s.db.WithContext(ctx).Save(op).Error; err != nil {
		return fmt.Errorf("failed to update operation %d: %w", op.ID, err)
	}
	return nil
}

func (s *Gorm) PendingOperations(ctx context.Context, limit int) ([]models.Operation, error) {
	var out []models.Operation
	q := s.db.WithContext(ctx).Where("status = ?", models.OpPending).Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list pending operations: %w", err)
	}
	return out, nil
}

func (s *Gorm) StaleExecutingOperations(ctx context.Context, olderThan time.Time) ([]models.Operation, error) {
	var out []models.Operation
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.OpExecuting, olderThan).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale operations: %w", err)
	}
	return out, nil
}

func (s *Gorm) OperationsByCluster(ctx context.Context, clusterID uint, limit int) ([]models.Operation, error) {
	var out []models.Operation
	q := s.db.WithContext(ctx).Where("cluster_id = ?", clusterID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list cluster operations: %w", err)
	}
	return out, nil
}

func (s *Gorm) CreateTrade(ctx context.Context, t *models.Trade) error {
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}
	return nil
}

func (s *Gorm) TradesByOperation(ctx context.Context, operationID uint) ([]models.Trade, error) {
	var out []models.Trade
	if err := s.db.WithContext(ctx).Where("operation_id = ?", operationID).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	return out, nil
}

func (s *Gorm) PositionFor(ctx context.Context, walletID uint, coin string) (*models.Position, error) {
	var pos models.Position
	err := s.db.WithContext(ctx).
		Where("wallet_id = ? AND coin_address = ?", walletID, coin).
		First(&pos).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load position: %w", err)
	}
	return &pos, nil
}

func (s *Gorm) ApplyFill(ctx context.Context, fill PositionFill) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pos models.Position
		err := tx.Where("wallet_id = ? AND coin_address = ?", fill.WalletID, fill.CoinAddress).
			First(&pos).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			pos = models.Position{WalletID: fill.WalletID, CoinAddress: fill.CoinAddress}
		} else if err != nil {
			return fmt.Errorf("failed to load position for fill: %w", err)
		}
		applyFillTo(&pos, fill)
		if err := tx.Save(&pos).Error; err != nil {
			return fmt.Errorf("failed to save position: %w", err)
		}
		return nil
	})
}

func (s *Gorm) PositionsByWallets(ctx context.Context, walletIDs []uint) ([]models.Position, error) {
	if len(walletIDs) == 0 {
		return nil, nil
	}
	var out []models.Position
	if err := s.db.WithContext(ctx).Where("wallet_id IN ?", walletIDs).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	return out, nil
}

func (s *Gorm) HoldingsForCoin(ctx context.Context, walletIDs []uint, coin string) (*big.Int, error) {
	if len(walletIDs) == 0 {
		return new(big.Int), nil
	}
	var positions []models.Position
	err := s.db.WithContext(ctx).
		Where("wallet_id IN ? AND coin_address = ?", walletIDs, coin).
		Find(&positions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to sum holdings: %w", err)
	}
	// Holdings are stored as strings, so the sum happens here rather than in SQL.
	total := new(big.Int)
	for i := range positions {
		total.Add(total, positions[i].HoldingsRaw.BigInt())
	}
	return total, nil
}

func (s *Gorm) HeldCoins(ctx context.Context, walletIDs []uint, minHoldings *big.Int) ([]string, error) {
	positions, err := s.PositionsByWallets(ctx, walletIDs)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for i := range positions {
		coin := positions[i].CoinAddress
		if seen[coin] {
			continue
		}
		if positions[i].HoldingsRaw.BigInt().Cmp(minHoldings) > 0 {
			seen[coin] = true
			out = append(out, coin)
		}
	}
	return out, nil
}

func (s *Gorm) TradedCoins(ctx context.Context, walletIDs []uint) ([]string, error) {
	positions, err := s.PositionsByWallets(ctx, walletIDs)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for i := range positions {
		if !seen[positions[i].CoinAddress] {
			seen[positions[i].CoinAddress] = true
			out = append(out, positions[i].CoinAddress)
		}
	}
	return out, nil
}

func (s *Gorm) CreateFundingRecord(ctx context.Context, fr *models.FundingRecord) error {
	if err := s.db.WithContext(ctx).Create(fr).Error; err != nil {
		return fmt.Errorf("failed to create funding record: %w", err)
	}
	return nil
}

func (s *Gorm) FundingByOperation(ctx context.Context, operationID uint) ([]models.FundingRecord, error) {
	var out []models.FundingRecord
	if err := s.db.WithContext(ctx).Where("operation_id = ?", operationID).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list funding records: %w", err)
	}
	return out, nil
}
