package models

import (
	"gorm.io/gorm"
)

// StrategyMode selects how an operation's total amount is spread across the
// cluster's wallets in time.
type StrategyMode string

const (
	StrategySync      StrategyMode = "sync"
	StrategyStaggered StrategyMode = "staggered"
	StrategyDrip      StrategyMode = "momentum"
)

// Valid reports whether m is a known strategy mode.
func (m StrategyMode) Valid() bool {
	switch m {
	case StrategySync, StrategyStaggered, StrategyDrip:
		return true
	}
	return false
}

// Cluster is a named group of wallets trading as one logical unit. The
// strategy mode is the default for operations on this cluster unless a
// request overrides it.
type Cluster struct {
	gorm.Model
	Name         string       `gorm:"size:64;uniqueIndex;not null"`
	StrategyMode StrategyMode `gorm:"size:16;not null;default:'sync'"`

	Members []ClusterMember `gorm:"foreignKey:ClusterID"`
}

// ClusterMember links a wallet into a cluster. A wallet may belong to
// multiple clusters.
type ClusterMember struct {
	gorm.Model
	ClusterID uint    `gorm:"uniqueIndex:idx_cluster_wallet;not null"`
	WalletID  uint    `gorm:"uniqueIndex:idx_cluster_wallet;not null"`
	Enabled   bool    `gorm:"default:true"`
	Weight    float64 `gorm:"default:1"`
}
