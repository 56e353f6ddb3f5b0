package autonomy

import "strings"

// OwnActivityDiscount weighs a detected signal by how much of the coin's
// recent swap activity came from addresses outside the fleet. A coin whose
// volume is mostly our own wallets returns a low discount; acting on it
// would mean trading against our own footprint.
//
// senders is the raw list of swap sender addresses over the lookback window,
// one entry per swap. own is the fleet's wallet address set, lowercased.
// With no observed activity there is nothing to discount and the full weight
// of 1.0 applies.
func OwnActivityDiscount(senders []string, own map[string]struct{}) float64 {
	if len(senders) == 0 || len(own) == 0 {
		return 1.0
	}
	ours := 0
	for _, sender := range senders {
		if _, ok := own[strings.ToLower(sender)]; ok {
			ours++
		}
	}
	discount := 1.0 - float64(ours)/float64(len(senders))
	if discount < 0 {
		return 0
	}
	return discount
}
