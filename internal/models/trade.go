package models

import (
	"time"

	"gorm.io/gorm"
)

// TradeSide distinguishes buys (native currency out) from sells (token out).
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// TradeStatus is the settlement state of a single per-wallet sub-trade.
type TradeStatus string

const (
	TradePending  TradeStatus = "pending"
	TradeComplete TradeStatus = "complete"
	TradeFailed   TradeStatus = "failed"
)

// Trade is one per-wallet sub-trade. An operation fans out into N of these;
// rows are written once per execution attempt and only ever touched again to
// fill in a late-arriving output amount.
type Trade struct {
	gorm.Model
	WalletID     uint        `gorm:"index;not null"`
	OperationID  uint        `gorm:"index"`
	FromToken    string      `gorm:"size:42;not null"`
	ToToken      string      `gorm:"size:42;not null"`
	AmountIn     Wei         `gorm:"type:varchar(80)"`
	AmountOut    Wei         `gorm:"type:varchar(80)"`
	UserOpHash   string      `gorm:"size:66;index"`
	TxHash       string      `gorm:"size:66;index"`
	Status       TradeStatus `gorm:"size:12;index;not null"`
	ErrorMessage string      `gorm:"type:text"`
}

// FundingRecord is one master-to-member native transfer.
type FundingRecord struct {
	gorm.Model
	FromWalletID uint        `gorm:"index;not null"`
	ToWalletID   uint        `gorm:"index;not null"`
	OperationID  uint        `gorm:"index"`
	AmountWei    Wei         `gorm:"type:varchar(80)"`
	UserOpHash   string      `gorm:"size:66"`
	TxHash       string      `gorm:"size:66"`
	Status       TradeStatus `gorm:"size:12;not null"`
	ErrorMessage string      `gorm:"type:text"`
}

// Position is the running per-(wallet, coin) ledger, updated only by
// successful trades. RealizedPnlWei always equals TotalReceivedWei minus
// TotalCostWei; HoldingsRaw accumulates signed deltas.
type Position struct {
	gorm.Model
	WalletID         uint      `gorm:"uniqueIndex:idx_position_wallet_coin;not null"`
	CoinAddress      string    `gorm:"size:42;uniqueIndex:idx_position_wallet_coin;not null"`
	TotalCostWei     Wei       `gorm:"type:varchar(80)"`
	TotalReceivedWei Wei       `gorm:"type:varchar(80)"`
	HoldingsRaw      Wei       `gorm:"type:varchar(80)"`
	RealizedPnlWei   Wei       `gorm:"type:varchar(80)"`
	BuyCount         int       `gorm:"default:0"`
	SellCount        int       `gorm:"default:0"`
	LastActionAt     time.Time `gorm:"index"`
}
