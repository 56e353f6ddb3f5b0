package fleet

import (
	"context"
	"fmt"
	"math/big"

	"github.com/klawleybot/fleet-sub000/internal/bundler"
	"github.com/klawleybot/fleet-sub000/internal/metrics"
	"github.com/klawleybot/fleet-sub000/internal/models"
	"github.com/klawleybot/fleet-sub000/internal/utils"
)

// FundingOutcome summarizes a master-to-fleet distribution.
type FundingOutcome struct {
	Attempted      int        `json:"attempted"`
	Completed      int        `json:"completed"`
	Failed         int        `json:"failed"`
	Distributed    models.Wei `json:"distributed"`
	DistributedEth string     `json:"distributed_eth"`
}

// ExecuteFunding distributes totalWei from the master wallet across the
// cluster's member wallets with varied per-wallet amounts. Transfers run
// sequentially; the master wallet nonce does not tolerate concurrent
// submissions. A failed transfer is recorded and skipped, not retried.
func (e *Executor) ExecuteFunding(ctx context.Context, operationID uint, wallets []models.Wallet, totalWei *big.Int) (*FundingOutcome, error) {
	if totalWei == nil || totalWei.Sign() <= 0 {
		return nil, fmt.Errorf("funding total must be positive")
	}

	master, err := e.store.MasterWallet(ctx)
	if err != nil {
		return nil, fmt.Errorf("master wallet lookup failed: %w", err)
	}

	recipients := utils.Filter(wallets, func(w models.Wallet) bool { return w.ID != master.ID })
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no wallets to fund")
	}

	amounts, err := SplitWithVariance(totalWei, len(recipients), e.cfg.JiggleFactor)
	if err != nil {
		return nil, err
	}

	outcome := &FundingOutcome{}
	distributed := new(big.Int)
	for i, w := range recipients {
		outcome.Attempted++
		record := models.FundingRecord{
			FromWalletID: master.ID,
			ToWalletID:   w.ID,
			OperationID:  operationID,
			AmountWei:    models.NewWei(amounts[i]),
		}

		res, err := e.backend.Transfer(ctx, master.SignerHandle, w.Address, amounts[i])
		if err != nil {
			record.Status = models.TradeFailed
			record.ErrorMessage = err.Error()
		} else if !bundler.Succeeded(res.Status) {
			record.Status = models.TradeFailed
			record.ErrorMessage = fmt.Sprintf("backend returned status %q", res.Status)
			record.UserOpHash = res.UserOpHash
			record.TxHash = res.TxHash
		} else {
			record.Status = models.TradeComplete
			record.UserOpHash = res.UserOpHash
			record.TxHash = res.TxHash
		}

		if storeErr := e.store.CreateFundingRecord(ctx, &record); storeErr != nil {
			e.logger.Error().Err(storeErr).Uint("wallet_id", w.ID).Msg("Failed to record funding transfer")
		}
		metrics.RecordFundingTransfer(string(record.Status))

		if record.Status == models.TradeFailed {
			outcome.Failed++
			e.logger.Warn().
				Str("wallet", w.Address).
				Str("error", record.ErrorMessage).
				Msg("Funding transfer failed")
			continue
		}
		outcome.Completed++
		distributed.Add(distributed, amounts[i])

		if ctx.Err() != nil {
			break
		}
	}

	outcome.Distributed = models.NewWei(distributed)
	outcome.DistributedEth = formatEth(distributed)
	e.logger.Info().
		Uint("operation_id", operationID).
		Int("completed", outcome.Completed).
		Int("failed", outcome.Failed).
		Str("distributed", distributed.String()).
		Msg("Funding distribution finished")

	return outcome, nil
}
