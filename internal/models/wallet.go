package models

import (
	"gorm.io/gorm"
)

// Wallet is one independently signed on-chain account managed by the fleet.
// Rows are created once through the signing backend and never mutated.
type Wallet struct {
	gorm.Model
	Name         string `gorm:"size:64"`
	Address      string `gorm:"size:42;uniqueIndex;not null"`
	OwnerAddress string `gorm:"size:42;index"`
	SignerHandle string `gorm:"size:128;not null"`
	IsMaster     bool   `gorm:"default:false"`

	// Relationships
	Trades    []Trade    `gorm:"foreignKey:WalletID"`
	Positions []Position `gorm:"foreignKey:WalletID"`
}
