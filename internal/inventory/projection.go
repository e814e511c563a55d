package inventory

import (
	"sort"
	"time"

	"github.com/ledgerwise/wms/internal/masterdata"
	"github.com/ledgerwise/wms/internal/shared"
)

// apply folds one transaction into a balance. Both live recording and
// Replay go through it so the projection cannot drift from history.
//
// A RECEIVE into an empty batch (re)captures its units-per-carton; stock
// already on hand keeps the value it arrived with, so outbound movements
// draw down the oldest receipt first. An empty batch holds no units.
func apply(b Balance, tx Transaction) Balance {
	wasEmpty := b.CurrentCartons <= 0
	b.CurrentCartons += tx.Delta()
	b.CurrentUnits += tx.UnitsDelta()
	if b.CurrentCartons <= 0 {
		b.CurrentUnits = 0
	}
	if b.LastTransactionDate == nil || tx.TransactionDate.After(*b.LastTransactionDate) {
		d := tx.TransactionDate
		b.LastTransactionDate = &d
	}
	if tx.Type != TypeReceive {
		return b
	}
	if _, has := b.ReceivedUnitsPerCarton(); (!has || wasEmpty) && tx.UnitsPerCarton > 0 {
		b.UnitsPerCarton = intPtr(tx.UnitsPerCarton)
	}
	if _, has := b.BatchConfig(); has {
		return b
	}
	if cfg, ok := tx.PalletConfig(); ok {
		b.StorageCartonsPerPallet = intPtr(cfg.StorageCartonsPerPallet)
		if cfg.ShippingCartonsPerPallet > 0 {
			b.ShippingCartonsPerPallet = intPtr(cfg.ShippingCartonsPerPallet)
		}
	}
	return b
}

// Replay recomputes a balance from the full history of one key. Events are
// folded in insertion order, which for a single key is the order the live
// path applied them under its lock.
func Replay(key BalanceKey, txs []Transaction) Balance {
	ordered := make([]Transaction, len(txs))
	copy(ordered, txs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })
	b := Balance{BalanceKey: key}
	for _, tx := range ordered {
		b = apply(b, tx)
	}
	if b.CurrentCartons < 0 {
		b.CurrentCartons = 0
	}
	return b
}

// SortForReplay orders transactions by business date, then insertion sequence.
func SortForReplay(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		di, dj := txs[i].TransactionDate, txs[j].TransactionDate
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return txs[i].Seq < txs[j].Seq
	})
}

// BalanceAsOf sums movements dated on or before asOf. Running totals are
// not gated; a negative result is reported as zero.
func BalanceAsOf(txs []Transaction, asOf time.Time) int64 {
	cutoff := shared.DateOf(asOf)
	var sum int64
	for _, tx := range txs {
		if shared.DateOf(tx.TransactionDate).After(cutoff) {
			continue
		}
		sum += tx.Delta()
	}
	if sum < 0 {
		return 0
	}
	return sum
}

// PalletsFor is ceil(cartons / cartonsPerPallet); zero without a ratio.
func PalletsFor(cartons int64, cartonsPerPallet int) int64 {
	if cartons <= 0 || cartonsPerPallet <= 0 {
		return 0
	}
	per := int64(cartonsPerPallet)
	return (cartons + per - 1) / per
}

func withPallets(b Balance, fallback masterdata.PalletConfig) Balance {
	cfg, ok := b.BatchConfig()
	if !ok {
		cfg = fallback
	}
	b.CurrentPallets = PalletsFor(b.CurrentCartons, cfg.StorageCartonsPerPallet)
	return b
}

func intPtr(v int) *int { return &v }
