package ops

import (
	"context"
	"fmt"

	"github.com/klawleybot/fleet-sub000/internal/bundler"
	"github.com/klawleybot/fleet-sub000/internal/models"
)

// EnsureFleet makes sure a cluster with the given name exists and holds at
// least size enabled wallets, provisioning new smart accounts through the
// backend for any shortfall. Existing wallets and members are left untouched,
// so the call is safe to repeat on startup.
func (s *Service) EnsureFleet(ctx context.Context, backend bundler.Backend, name string, size int) (*models.Cluster, error) {
	if size < 1 {
		return nil, fmt.Errorf("fleet size must be at least 1")
	}

	cluster, err := s.findCluster(ctx, name)
	if err != nil {
		return nil, err
	}
	if cluster == nil {
		cluster = &models.Cluster{Name: name, StrategyMode: models.StrategySync}
		if err := s.store.CreateCluster(ctx, cluster); err != nil {
			return nil, fmt.Errorf("failed to create cluster %q: %w", name, err)
		}
		s.logger.Info().Str("cluster", name).Msg("Cluster created")
	}

	wallets, err := s.store.ClusterWallets(ctx, cluster.ID)
	if err != nil {
		return nil, fmt.Errorf("cluster wallet lookup failed: %w", err)
	}

	for i := len(wallets); i < size; i++ {
		walletName := fmt.Sprintf("%s-%02d", name, i+1)
		created, err := backend.CreateWallet(ctx, walletName)
		if err != nil {
			return nil, fmt.Errorf("failed to provision wallet %q: %w", walletName, err)
		}
		wallet := &models.Wallet{
			Name:         walletName,
			Address:      created.Address,
			OwnerAddress: created.OwnerAddress,
			SignerHandle: created.SignerHandle,
		}
		if err := s.store.CreateWallet(ctx, wallet); err != nil {
			return nil, fmt.Errorf("failed to persist wallet %q: %w", walletName, err)
		}
		member := &models.ClusterMember{
			ClusterID: cluster.ID,
			WalletID:  wallet.ID,
			Enabled:   true,
			Weight:    1,
		}
		if err := s.store.AddMember(ctx, member); err != nil {
			return nil, fmt.Errorf("failed to add wallet %q to cluster: %w", walletName, err)
		}
	}

	return cluster, nil
}

func (s *Service) findCluster(ctx context.Context, name string) (*models.Cluster, error) {
	clusters, err := s.store.Clusters(ctx)
	if err != nil {
		return nil, fmt.Errorf("cluster list failed: %w", err)
	}
	for i := range clusters {
		if clusters[i].Name == name {
			return &clusters[i], nil
		}
	}
	return nil, nil
}
