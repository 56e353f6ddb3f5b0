package fleet

import (
	"fmt"
	"math/big"
	"math/rand"
	"sort"
	"time"
)

// multiplierScale fixes the precision used when applying float multipliers
// to big integer amounts.
const multiplierScale = 1_000_000_000

// SplitWithVariance splits total into count amounts that sum exactly to
// total. Each share is drawn from a uniform multiplier in
// [1-factor, 1+factor], rescaled so the multipliers keep the mean, floored,
// with the rounding remainder assigned to the last element. count=1 returns
// the total untouched.
func SplitWithVariance(total *big.Int, count int, factor float64) ([]*big.Int, error) {
	if count <= 0 {
		return nil, fmt.Errorf("split count must be positive, got %d", count)
	}
	if total == nil || total.Sign() < 0 {
		return nil, fmt.Errorf("split total must be non-negative")
	}
	if factor < 0 || factor >= 1 {
		return nil, fmt.Errorf("variance factor must be in [0, 1), got %f", factor)
	}
	if count == 1 {
		return []*big.Int{new(big.Int).Set(total)}, nil
	}
	if factor == 0 {
		return splitEven(total, count), nil
	}

	multipliers := make([]float64, count)
	var sum float64
	for i := range multipliers {
		multipliers[i] = 1 - factor + 2*factor*rand.Float64()
		sum += multipliers[i]
	}
	// Rescale so the multipliers sum to exactly count, preserving the mean.
	rescale := float64(count) / sum

	countBig := big.NewInt(int64(count))
	den := new(big.Int).Mul(countBig, big.NewInt(multiplierScale))
	out := make([]*big.Int, count)
	remainder := new(big.Int).Set(total)
	for i := 0; i < count-1; i++ {
		scaled := int64(multipliers[i] * rescale * multiplierScale)
		share := new(big.Int).Mul(total, big.NewInt(scaled))
		share.Quo(share, den)
		// Tiny totals can floor a share to zero; every wallet still gets
		// at least one unit when the total allows it.
		if share.Sign() == 0 && total.Cmp(countBig) >= 0 {
			share.SetInt64(1)
		}
		out[i] = share
		remainder.Sub(remainder, share)
	}
	if remainder.Sign() <= 0 && total.Sign() > 0 {
		// Degenerate draw on a tiny total; an even split keeps the sum
		// exact and every element positive.
		return splitEven(total, count), nil
	}
	out[count-1] = remainder
	return out, nil
}

// splitEven divides total into near-equal parts with the remainder on the
// last element.
func splitEven(total *big.Int, count int) []*big.Int {
	q, r := new(big.Int).QuoRem(total, big.NewInt(int64(count)), new(big.Int))
	out := make([]*big.Int, count)
	for i := range out {
		out[i] = new(big.Int).Set(q)
	}
	out[count-1].Add(out[count-1], r)
	return out
}

// Shuffle permutes items in place with a Fisher-Yates pass. Execution order
// is shuffled per operation so the same wallet is not always first.
func Shuffle[T any](items []T) {
	for i := len(items) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		items[i], items[j] = items[j], items[i]
	}
}

// DripEvent is one scheduled sub-trade in a drip execution.
type DripEvent struct {
	WalletID uint
	Amount   *big.Int
	Delay    time.Duration
}

// BuildDripSchedule splits each wallet's amount into intervals sub-amounts
// and assigns every sub-amount a delay drawn uniformly within its slot of
// the total duration. The returned events are sorted ascending by delay;
// that ordering is the global execution order across all wallets.
func BuildDripSchedule(walletIDs []uint, perWalletAmounts []*big.Int, duration time.Duration, intervals int, jiggle bool, jiggleFactor float64) ([]DripEvent, error) {
	if len(walletIDs) != len(perWalletAmounts) {
		return nil, fmt.Errorf("wallet and amount counts differ: %d vs %d", len(walletIDs), len(perWalletAmounts))
	}
	if intervals <= 0 {
		return nil, fmt.Errorf("interval count must be positive, got %d", intervals)
	}
	slot := duration / time.Duration(intervals)
	if slot <= 0 {
		return nil, fmt.Errorf("duration %s too short for %d intervals", duration, intervals)
	}

	var events []DripEvent
	for i, walletID := range walletIDs {
		var parts []*big.Int
		if jiggle {
			var err error
			parts, err = SplitWithVariance(perWalletAmounts[i], intervals, jiggleFactor)
			if err != nil {
				return nil, err
			}
		} else {
			parts = splitEven(perWalletAmounts[i], intervals)
		}
		for s, amount := range parts {
			if amount.Sign() <= 0 {
				continue
			}
			offset := time.Duration(rand.Int63n(int64(slot)))
			events = append(events, DripEvent{
				WalletID: walletID,
				Amount:   amount,
				Delay:    time.Duration(s)*slot + offset,
			})
		}
	}

	sort.Slice(events, func(a, b int) bool { return events[a].Delay < events[b].Delay })
	return events, nil
}
