package models

import (
	"encoding/json"
	"fmt"
)

// FundingPayload carries a FUNDING_REQUEST's parameters.
type FundingPayload struct {
	TotalWei Wei `json:"total_wei"`
}

// TradePayload carries a SUPPORT_COIN or EXIT_COIN request.
type TradePayload struct {
	CoinAddress string       `json:"coin_address"`
	TotalWei    Wei          `json:"total_wei"`
	SlippageBps int          `json:"slippage_bps"`
	Strategy    StrategyMode `json:"strategy,omitempty"` // empty = cluster default
	Signal      string       `json:"signal,omitempty"`   // originating signal, informational
}

// OperationPayload is the tagged union behind Operation.Payload. Exactly one
// variant is set, keyed by the operation type; serialization happens only at
// the storage boundary.
type OperationPayload struct {
	Funding *FundingPayload `json:"funding,omitempty"`
	Trade   *TradePayload   `json:"trade,omitempty"`
}

// EncodePayload serializes the variant matching typ into the stored form.
func EncodePayload(typ OperationType, p OperationPayload) (string, error) {
	switch typ {
	case OpFundingRequest:
		if p.Funding == nil {
			return "", fmt.Errorf("funding payload required for %s", typ)
		}
		p.Trade = nil
	case OpSupportCoin, OpExitCoin:
		if p.Trade == nil {
			return "", fmt.Errorf("trade payload required for %s", typ)
		}
		p.Funding = nil
	default:
		return "", fmt.Errorf("unknown operation type %q", typ)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return string(raw), nil
}

// DecodePayload parses the stored payload and checks the variant matches typ.
func DecodePayload(typ OperationType, stored string) (*OperationPayload, error) {
	var p OperationPayload
	if err := json.Unmarshal([]byte(stored), &p); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	switch typ {
	case OpFundingRequest:
		if p.Funding == nil {
			return nil, fmt.Errorf("stored payload missing funding variant for %s", typ)
		}
	case OpSupportCoin, OpExitCoin:
		if p.Trade == nil {
			return nil, fmt.Errorf("stored payload missing trade variant for %s", typ)
		}
	default:
		return nil, fmt.Errorf("unknown operation type %q", typ)
	}
	return &p, nil
}

// Side maps an operation type to the trade side it executes. Funding
// requests have no side.
func (t OperationType) Side() TradeSide {
	if t == OpExitCoin {
		return SideSell
	}
	return SideBuy
}
