// Copyright (c) 2013-2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"bytes"
	"math/bits"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// LockPoints caches the chain height and median time past that would be
// necessary to satisfy all relative lock time constraints (BIP68) of a
// transaction, given the view of the chain at the time the entry was
// validated.  As long as the current chain descends from the highest block
// containing one of the inputs used in the calculation, the cached values
// remain valid even after a reorg.
type LockPoints struct {
	// Height is the minimum chain height at which the transaction is
	// final with respect to its relative lock times.
	Height int32

	// Time is the minimum median time past at which the transaction is
	// final with respect to its relative lock times.
	Time int64

	// MaxInputBlock is the hash of the highest block containing one of
	// the inputs used in the lock point calculation, or nil when the
	// calculation did not depend on any particular block.
	MaxInputBlock *chainhash.Hash
}

// TxEntry stores data about a transaction in the pool, as well as aggregate
// data about all in-pool transactions that depend on it (its descendants)
// and that it depends on (its ancestors).
//
// When a new entry is added to the pool, the descendant state of all of its
// ancestors is updated to include it, and its own ancestor state is set to
// the sum over its ancestor set.  The aggregates always include the entry
// itself, so both counts are at least one.
type TxEntry struct {
	tx *btcutil.Tx

	// Cached to avoid expensive parent-transaction lookups.
	fee btcutil.Amount
	// ... and to avoid recomputing the transaction size.
	txSize int64
	// ... and the total memory usage.
	usageSize int64

	// time is the local time, in unix seconds, when the transaction
	// entered the pool.
	time int64

	// entryHeight is the chain height when the transaction entered the
	// pool.
	entryHeight int32

	// spendsCoinbase tracks whether any input spends a coinbase output,
	// which matters for maturity re-checks after a reorg.
	spendsCoinbase bool

	// sigChecks is the total number of signature checks the transaction
	// performs, as computed by the validation engine.
	sigChecks int64

	// feeDelta is the operator-assigned prioritisation adjustment.  It is
	// folded into the modified fee used for mining ordering but never
	// into the relay ordering.
	feeDelta btcutil.Amount

	// lockPoints caches the height and time at which the transaction was
	// final.  It is refreshed by the reorg filter.
	lockPoints LockPoints

	// parents and children are the sets of in-pool transactions directly
	// spent by, respectively spending, this transaction.  They are
	// non-owning references that are only valid while the pool mutex is
	// held.
	parents  map[chainhash.Hash]*TxEntry
	children map[chainhash.Hash]*TxEntry

	// Aggregate state over this entry and all of its in-pool
	// descendants.  If this entry is removed, all of those descendants
	// must be removed as well.
	countWithDescendants     int64
	sizeWithDescendants      int64
	modFeesWithDescendants   btcutil.Amount
	sigChecksWithDescendants int64

	// Analogous aggregate state over this entry and its ancestors.
	countWithAncestors     int64
	sizeWithAncestors      int64
	modFeesWithAncestors   btcutil.Amount
	sigChecksWithAncestors int64

	// epochMarker is the traversal generation this entry was last
	// visited in.  See epoch.
	epochMarker uint64
}

// NewTxEntry returns a pool entry for the given transaction.  The fee and
// signature check total must have been computed by the validation engine;
// the entry caches the serialized size and a dynamic memory usage estimate.
func NewTxEntry(tx *btcutil.Tx, fee btcutil.Amount, time int64,
	entryHeight int32, spendsCoinbase bool, sigChecks int64,
	lp LockPoints) *TxEntry {

	txSize := int64(tx.MsgTx().SerializeSize())
	entry := &TxEntry{
		tx:             tx,
		fee:            fee,
		txSize:         txSize,
		usageSize:      txDynamicUsage(tx) + entryOverhead,
		time:           time,
		entryHeight:    entryHeight,
		spendsCoinbase: spendsCoinbase,
		sigChecks:      sigChecks,
		lockPoints:     lp,
		parents:        make(map[chainhash.Hash]*TxEntry),
		children:       make(map[chainhash.Hash]*TxEntry),

		countWithDescendants:     1,
		sizeWithDescendants:      txSize,
		modFeesWithDescendants:   fee,
		sigChecksWithDescendants: sigChecks,

		countWithAncestors:     1,
		sizeWithAncestors:      txSize,
		modFeesWithAncestors:   fee,
		sigChecksWithAncestors: sigChecks,
	}
	return entry
}

// Tx returns the transaction associated with the entry.
func (e *TxEntry) Tx() *btcutil.Tx { return e.tx }

// TxHash returns the id of the transaction associated with the entry.
func (e *TxEntry) TxHash() *chainhash.Hash { return e.tx.Hash() }

// Fee returns the base fee of the transaction, without any prioritisation
// delta applied.
func (e *TxEntry) Fee() btcutil.Amount { return e.fee }

// ModifiedFee returns the base fee plus the prioritisation delta.  This is
// the fee used for mining order.
func (e *TxEntry) ModifiedFee() btcutil.Amount { return e.fee + e.feeDelta }

// FeeDelta returns the operator-assigned prioritisation adjustment.
func (e *TxEntry) FeeDelta() btcutil.Amount { return e.feeDelta }

// TxSize returns the serialized size of the transaction.
func (e *TxEntry) TxSize() int64 { return e.txSize }

// TxVirtualSize returns the virtual size of the transaction, accounting for
// its signature check density.
func (e *TxEntry) TxVirtualSize() int64 {
	return GetVirtualTransactionSize(e.txSize, e.sigChecks)
}

// DynamicMemoryUsage returns the cached memory usage estimate for the entry
// and its transaction.
func (e *TxEntry) DynamicMemoryUsage() int64 { return e.usageSize }

// Time returns the unix time at which the transaction entered the pool.
func (e *TxEntry) Time() int64 { return e.time }

// Height returns the chain height at which the transaction entered the
// pool.
func (e *TxEntry) Height() int32 { return e.entryHeight }

// SpendsCoinbase returns whether any of the transaction inputs spend a
// coinbase output.
func (e *TxEntry) SpendsCoinbase() bool { return e.spendsCoinbase }

// SigChecks returns the total number of signature checks the transaction
// performs.
func (e *TxEntry) SigChecks() int64 { return e.sigChecks }

// LockPoints returns the cached lock points of the entry.
func (e *TxEntry) LockPoints() LockPoints { return e.lockPoints }

// UpdateLockPoints replaces the cached lock points, typically after a reorg
// filter has re-evaluated the entry against the new tip.
func (e *TxEntry) UpdateLockPoints(lp LockPoints) { e.lockPoints = lp }

// CountWithDescendants returns the number of in-pool descendants, including
// the entry itself.
func (e *TxEntry) CountWithDescendants() int64 { return e.countWithDescendants }

// SizeWithDescendants returns the total size of the entry and its in-pool
// descendants.
func (e *TxEntry) SizeWithDescendants() int64 { return e.sizeWithDescendants }

// VirtualSizeWithDescendants returns the total virtual size of the entry
// and its in-pool descendants.
func (e *TxEntry) VirtualSizeWithDescendants() int64 {
	return GetVirtualTransactionSize(e.sizeWithDescendants,
		e.sigChecksWithDescendants)
}

// ModFeesWithDescendants returns the total modified fees of the entry and
// its in-pool descendants.
func (e *TxEntry) ModFeesWithDescendants() btcutil.Amount {
	return e.modFeesWithDescendants
}

// SigChecksWithDescendants returns the total signature checks of the entry
// and its in-pool descendants.
func (e *TxEntry) SigChecksWithDescendants() int64 {
	return e.sigChecksWithDescendants
}

// CountWithAncestors returns the number of in-pool ancestors, including the
// entry itself.
func (e *TxEntry) CountWithAncestors() int64 { return e.countWithAncestors }

// SizeWithAncestors returns the total size of the entry and its in-pool
// ancestors.
func (e *TxEntry) SizeWithAncestors() int64 { return e.sizeWithAncestors }

// VirtualSizeWithAncestors returns the total virtual size of the entry and
// its in-pool ancestors.
func (e *TxEntry) VirtualSizeWithAncestors() int64 {
	return GetVirtualTransactionSize(e.sizeWithAncestors,
		e.sigChecksWithAncestors)
}

// ModFeesWithAncestors returns the total modified fees of the entry and its
// in-pool ancestors.
func (e *TxEntry) ModFeesWithAncestors() btcutil.Amount {
	return e.modFeesWithAncestors
}

// SigChecksWithAncestors returns the total signature checks of the entry
// and its in-pool ancestors.
func (e *TxEntry) SigChecksWithAncestors() int64 {
	return e.sigChecksWithAncestors
}

// updateDescendantState adjusts the descendant aggregates by the given
// amounts.
func (e *TxEntry) updateDescendantState(modifySize int64,
	modifyFee btcutil.Amount, modifyCount, modifySigChecks int64) {

	e.sizeWithDescendants += modifySize
	e.modFeesWithDescendants += modifyFee
	e.countWithDescendants += modifyCount
	e.sigChecksWithDescendants += modifySigChecks
}

// updateAncestorState adjusts the ancestor aggregates by the given amounts.
func (e *TxEntry) updateAncestorState(modifySize int64,
	modifyFee btcutil.Amount, modifyCount, modifySigChecks int64) {

	e.sizeWithAncestors += modifySize
	e.modFeesWithAncestors += modifyFee
	e.countWithAncestors += modifyCount
	e.sigChecksWithAncestors += modifySigChecks
}

// updateFeeDelta replaces the prioritisation delta and folds the difference
// into both modified fee aggregates.
func (e *TxEntry) updateFeeDelta(newFeeDelta btcutil.Amount) {
	e.modFeesWithDescendants += newFeeDelta - e.feeDelta
	e.modFeesWithAncestors += newFeeDelta - e.feeDelta
	e.feeDelta = newFeeDelta
}

// compareFeeRates compares fee1/size1 against fee2/size2 without division by
// comparing the cross products fee1*size2 and fee2*size1 in 128 bits, so
// rounding can never affect an ordering decision.  Sizes must be positive;
// fees may be negative because of prioritisation deltas.
func compareFeeRates(fee1 btcutil.Amount, size1 int64,
	fee2 btcutil.Amount, size2 int64) int {

	neg1, neg2 := fee1 < 0, fee2 < 0
	switch {
	case neg1 && !neg2:
		return -1
	case !neg1 && neg2:
		return 1
	}

	abs := func(v int64) uint64 {
		if v < 0 {
			return uint64(-v)
		}
		return uint64(v)
	}
	hi1, lo1 := bits.Mul64(abs(int64(fee1)), uint64(size2))
	hi2, lo2 := bits.Mul64(abs(int64(fee2)), uint64(size1))

	var c int
	switch {
	case hi1 != hi2:
		if hi1 < hi2 {
			c = -1
		} else {
			c = 1
		}
	case lo1 != lo2:
		if lo1 < lo2 {
			c = -1
		} else {
			c = 1
		}
	}
	if neg1 {
		// Both negative: larger magnitude means lower fee rate.
		return -c
	}
	return c
}

// descendantScore returns the modified fee and virtual size whose ratio is
// the entry's descendant score: the maximum of the entry's own fee rate and
// its fee rate including all descendants.
func (e *TxEntry) descendantScore() (btcutil.Amount, int64) {
	if compareFeeRates(e.modFeesWithDescendants,
		e.VirtualSizeWithDescendants(), e.ModifiedFee(),
		e.TxVirtualSize()) > 0 {

		return e.modFeesWithDescendants, e.VirtualSizeWithDescendants()
	}
	return e.ModifiedFee(), e.TxVirtualSize()
}

// ancestorScore returns the modified fee and virtual size whose ratio is
// the entry's ancestor score: the minimum of the entry's own fee rate and
// its fee rate including all ancestors.
func (e *TxEntry) ancestorScore() (btcutil.Amount, int64) {
	if compareFeeRates(e.modFeesWithAncestors,
		e.VirtualSizeWithAncestors(), e.ModifiedFee(),
		e.TxVirtualSize()) < 0 {

		return e.modFeesWithAncestors, e.VirtualSizeWithAncestors()
	}
	return e.ModifiedFee(), e.TxVirtualSize()
}

// compareEntryByDescendantScore orders entries ascending by descendant
// score, so the first entry in the order is the preferred size-limit
// eviction victim.  Entries with equal scores are ordered with the later
// entry time first, deliberately biasing eviction toward newer entries.
func compareEntryByDescendantScore(a, b *TxEntry) int {
	aFee, aSize := a.descendantScore()
	bFee, bSize := b.descendantScore()
	if c := compareFeeRates(aFee, aSize, bFee, bSize); c != 0 {
		return c
	}
	if a.time != b.time {
		if a.time > b.time {
			return -1
		}
		return 1
	}
	return bytes.Compare(a.tx.Hash()[:], b.tx.Hash()[:])
}

// compareEntryByAncestorScore orders entries descending by ancestor score,
// so the first entry in the order is the most attractive package head for a
// block template.  Ties are broken by lower txid first.
func compareEntryByAncestorScore(a, b *TxEntry) int {
	aFee, aSize := a.ancestorScore()
	bFee, bSize := b.ancestorScore()
	if c := compareFeeRates(aFee, aSize, bFee, bSize); c != 0 {
		return -c
	}
	return bytes.Compare(a.tx.Hash()[:], b.tx.Hash()[:])
}

// compareEntryByEntryTime orders entries ascending by the time they entered
// the pool.
func compareEntryByEntryTime(a, b *TxEntry) int {
	if a.time != b.time {
		if a.time < b.time {
			return -1
		}
		return 1
	}
	return bytes.Compare(a.tx.Hash()[:], b.tx.Hash()[:])
}

// compareEntryByScore orders entries descending by the fee rate of the
// entry alone.  The unmodified fee is used on purpose: this ordering is
// only used for relay, and using the modified fee would leak prioritisation
// via the sort order.  Ties are broken by higher txid first.
func compareEntryByScore(a, b *TxEntry) int {
	if c := compareFeeRates(a.fee, a.txSize, b.fee, b.txSize); c != 0 {
		return -c
	}
	return bytes.Compare(b.tx.Hash()[:], a.tx.Hash()[:])
}
