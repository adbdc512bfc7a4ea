// Copyright (c) 2013-2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// TestLinearChainAggregates submits a chain of three transactions and
// checks the aggregate bookkeeping in both directions.
func TestLinearChainAggregates(t *testing.T) {
	h := newPoolHarness(t)

	txA := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	entryA := h.addTx(txA, 1000)
	txB := h.spendTx(txA, 0, 1)
	entryB := h.addTx(txB, 2000)
	txC := h.spendTx(txB, 0, 1)
	entryC := h.addTx(txC, 500)

	totalSize := entryA.TxSize() + entryB.TxSize() + entryC.TxSize()

	// Ancestors of C are the whole chain.
	require.Equal(t, int64(3), entryC.CountWithAncestors())
	require.Equal(t, totalSize, entryC.SizeWithAncestors())
	require.Equal(t, btcutil.Amount(3500), entryC.ModFeesWithAncestors())
	require.Equal(t, int64(3), entryC.SigChecksWithAncestors())

	// Descendants of A are the whole chain as well.
	require.Equal(t, int64(3), entryA.CountWithDescendants())
	require.Equal(t, totalSize, entryA.SizeWithDescendants())
	require.Equal(t, btcutil.Amount(3500), entryA.ModFeesWithDescendants())

	// The middle entry sees the chain split around it.
	require.Equal(t, int64(2), entryB.CountWithAncestors())
	require.Equal(t, int64(2), entryB.CountWithDescendants())

	// A's descendant score is the package rate, which beats its own
	// 1000-satoshi fee rate here.
	fee, size := entryA.descendantScore()
	require.Equal(t, btcutil.Amount(3500), fee)
	require.Equal(t, entryA.VirtualSizeWithDescendants(), size)

	// C's ancestor score is its own low fee rate.
	fee, size = entryC.ancestorScore()
	require.Equal(t, entryC.ModifiedFee(), fee)
	require.Equal(t, entryC.TxVirtualSize(), size)

	// Graph links are symmetric.
	require.Contains(t, entryB.parents, *txA.Hash())
	require.Contains(t, entryA.children, *txB.Hash())
	require.Contains(t, entryC.parents, *txB.Hash())
	require.Contains(t, entryB.children, *txC.Hash())

	// Totals cover the whole pool.
	require.Equal(t, totalSize, h.mp.TotalTxSize())
	require.Equal(t, btcutil.Amount(3500), h.mp.TotalFee())

	h.mp.Check(nil, 200)
}

// TestDuplicateRejected checks that resubmitting a pool transaction fails
// with a duplicate rejection.
func TestDuplicateRejected(t *testing.T) {
	h := newPoolHarness(t)

	tx := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTx(tx, 1000)

	err := h.mp.AcceptTransaction(h.newEntry(tx, 1000))
	requireRejectCode(t, err, wire.RejectDuplicate)
	require.Contains(t, err.Error(), "already have transaction")
}

// TestDescendantLimit checks that a submission pushing an ancestor over
// its descendant count limit is rejected with a reason naming the
// ancestor.
func TestDescendantLimit(t *testing.T) {
	policy := DefaultPolicy()
	policy.LimitDescendantCount = 2
	h := newPoolHarnessWithPolicy(t, policy)

	txA := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTx(txA, 1000)
	txB := h.spendTx(txA, 0, 1)
	h.addTx(txB, 2000)

	txC := h.spendTx(txB, 0, 1)
	err := h.mp.AcceptTransaction(h.newEntry(txC, 500))
	requireRejectCode(t, err, wire.RejectNonstandard)
	require.Contains(t, err.Error(), "too many descendants")
	require.Contains(t, err.Error(), txA.Hash().String())
	require.False(t, h.mp.Exists(txC.Hash()))
}

// TestAncestorLimit checks the ancestor count limit on a deep chain.
func TestAncestorLimit(t *testing.T) {
	policy := DefaultPolicy()
	policy.LimitAncestorCount = 3
	policy.LimitDescendantCount = 100
	h := newPoolHarnessWithPolicy(t, policy)

	tip := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTx(tip, 1000)
	for i := 0; i < 2; i++ {
		tip = h.spendTx(tip, 0, 1)
		h.addTx(tip, 1000)
	}

	over := h.spendTx(tip, 0, 1)
	err := h.mp.AcceptTransaction(h.newEntry(over, 1000))
	requireRejectCode(t, err, wire.RejectNonstandard)
	require.Contains(t, err.Error(), "too many unconfirmed ancestors")
}

// TestConflictAndReplacement checks that a double spend of a pool input is
// rejected, and that the caller-driven replacement flow works: remove the
// resident package with reason "replaced", then submit the replacement.
func TestConflictAndReplacement(t *testing.T) {
	h := newPoolHarness(t)

	sharedInput := h.confirmedOutPoint()
	txA := h.createTx([]wire.OutPoint{sharedInput}, 1)
	h.addTx(txA, 1000)
	txChild := h.spendTx(txA, 0, 1)
	h.addTx(txChild, 1000)

	txA2 := h.createTx([]wire.OutPoint{sharedInput}, 2)
	err := h.mp.AcceptTransaction(h.newEntry(txA2, 5000))
	requireRejectCode(t, err, wire.RejectDuplicate)
	require.Contains(t, err.Error(), "already spent")

	// The conflict detector points at the resident transaction.
	require.Equal(t, txA.Hash(), h.mp.GetConflictTx(sharedInput).Hash())

	var removed []*NTTxRemovedData
	h.mp.Subscribe(func(n *Notification) {
		if n.Type == NTTxRemoved {
			removed = append(removed, n.Data.(*NTTxRemovedData))
		}
	})

	h.mp.RemoveRecursive(txA, RemovalReasonReplaced)
	require.False(t, h.mp.Exists(txA.Hash()))
	require.False(t, h.mp.Exists(txChild.Hash()))
	require.Len(t, removed, 2)
	for _, r := range removed {
		require.Equal(t, RemovalReasonReplaced, r.Reason)
	}

	require.NoError(t, h.mp.AcceptTransaction(h.newEntry(txA2, 5000)))
	h.mp.Check(nil, 200)
}

// TestRemoveForBlock checks that block inclusion removes only the included
// transaction while adjusting the ancestor aggregates of its surviving
// descendants, and that conflicting transactions go with their
// descendants.
func TestRemoveForBlock(t *testing.T) {
	h := newPoolHarness(t)

	txA := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	entryA := h.addTx(txA, 1000)
	txB := h.spendTx(txA, 0, 1)
	entryB := h.addTx(txB, 2000)
	txC := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTx(txC, 3000)

	require.Equal(t, int64(2), entryA.CountWithDescendants())
	require.Equal(t, int64(2), entryB.CountWithAncestors())

	h.mp.RemoveForBlock([]*btcutil.Tx{txA}, 101)

	require.False(t, h.mp.Exists(txA.Hash()))
	require.True(t, h.mp.Exists(txB.Hash()))
	require.True(t, h.mp.Exists(txC.Hash()))

	// B no longer counts A among its ancestors and the link is gone.
	require.Equal(t, int64(1), entryB.CountWithAncestors())
	require.Equal(t, entryB.TxSize(), entryB.SizeWithAncestors())
	require.Equal(t, btcutil.Amount(2000), entryB.ModFeesWithAncestors())
	require.Empty(t, entryB.parents)

	h.mp.Check(nil, 200)
}

// TestRemoveForBlockConflicts checks that a block transaction spending the
// same outpoint as a pool transaction evicts the pool transaction with
// reason "conflict".
func TestRemoveForBlockConflicts(t *testing.T) {
	h := newPoolHarness(t)

	sharedInput := h.confirmedOutPoint()
	txPool := h.createTx([]wire.OutPoint{sharedInput}, 1)
	h.addTx(txPool, 1000)
	txDep := h.spendTx(txPool, 0, 1)
	h.addTx(txDep, 1000)

	var reasons []RemovalReason
	h.mp.Subscribe(func(n *Notification) {
		if n.Type == NTTxRemoved {
			reasons = append(reasons,
				n.Data.(*NTTxRemovedData).Reason)
		}
	})

	// The block confirms a different spend of the shared input.
	txBlock := h.createTx([]wire.OutPoint{sharedInput}, 2)
	h.mp.RemoveForBlock([]*btcutil.Tx{txBlock}, 101)

	require.False(t, h.mp.Exists(txPool.Hash()))
	require.False(t, h.mp.Exists(txDep.Hash()))
	require.Equal(t, []RemovalReason{RemovalReasonConflict,
		RemovalReasonConflict}, reasons)
	require.Zero(t, h.mp.Count())
}

// TestRemovalNotificationOrder checks that batch removals report
// descendants before their ancestors with strictly increasing sequence
// numbers.
func TestRemovalNotificationOrder(t *testing.T) {
	h := newPoolHarness(t)

	txA := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTx(txA, 1000)
	txB := h.spendTx(txA, 0, 1)
	h.addTx(txB, 1000)
	txC := h.spendTx(txB, 0, 1)
	h.addTx(txC, 1000)

	var events []*NTTxRemovedData
	h.mp.Subscribe(func(n *Notification) {
		if n.Type == NTTxRemoved {
			events = append(events, n.Data.(*NTTxRemovedData))
		}
	})

	h.mp.RemoveRecursive(txA, RemovalReasonReorg)

	require.Len(t, events, 3)
	require.Equal(t, txC.Hash(), events[0].Tx.Hash())
	require.Equal(t, txB.Hash(), events[1].Tx.Hash())
	require.Equal(t, txA.Hash(), events[2].Tx.Hash())
	require.Less(t, events[0].Sequence, events[1].Sequence)
	require.Less(t, events[1].Sequence, events[2].Sequence)
}

// TestExpire checks age-based expiry takes descendants along and is
// idempotent.
func TestExpire(t *testing.T) {
	h := newPoolHarness(t)

	txA := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTx(txA, 1000)

	h.clock.advance(time.Hour)
	// B is young, but as a descendant of expired A it must go too.
	txB := h.spendTx(txA, 0, 1)
	h.addTx(txB, 1000)
	txC := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTx(txC, 1000)

	cutoff := h.clock.now.Add(-30 * time.Minute)
	require.Equal(t, 2, h.mp.Expire(cutoff))
	require.False(t, h.mp.Exists(txA.Hash()))
	require.False(t, h.mp.Exists(txB.Hash()))
	require.True(t, h.mp.Exists(txC.Hash()))

	// A second run with the same cutoff removes nothing.
	require.Zero(t, h.mp.Expire(cutoff))
	h.mp.Check(nil, 200)
}

// TestTrimToSize evicts the lowest descendant score package and raises the
// rolling minimum fee rate to at least the package's fee rate.
func TestTrimToSize(t *testing.T) {
	h := newPoolHarness(t)

	txRich := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTx(txRich, 50000)
	txPoor := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	entryPoor := h.addTx(txPoor, 100)
	txPoorChild := h.spendTx(txPoor, 0, 1)
	h.addTx(txPoorChild, 100)

	poorRate := feeRatePerKB(entryPoor.ModFeesWithDescendants(),
		entryPoor.SizeWithDescendants())

	var noSpends []wire.OutPoint
	h.mp.TrimToSize(h.mp.DynamicMemoryUsage()-1, &noSpends)

	// The poor package is gone, the rich transaction stays.
	require.True(t, h.mp.Exists(txRich.Hash()))
	require.False(t, h.mp.Exists(txPoor.Hash()))
	require.False(t, h.mp.Exists(txPoorChild.Hash()))

	// The confirmed outpoint the evicted package spent now has no
	// spender in the pool.
	require.Contains(t, noSpends, txPoor.MsgTx().TxIn[0].PreviousOutPoint)

	// The rolling minimum rose to at least the package rate plus the
	// incremental fee.
	minFee := h.mp.GetMinFee(DefaultMaxPoolSize)
	require.GreaterOrEqual(t, minFee,
		poorRate+h.mp.cfg.Policy.IncrementalRelayFee)

	h.mp.Check(nil, 200)
}

// TestLimitSize runs expiry then trim in one call.
func TestLimitSize(t *testing.T) {
	h := newPoolHarness(t)

	txOld := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTx(txOld, 1000)
	h.clock.advance(2 * time.Hour)
	txNew := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTx(txNew, 1000)

	h.mp.LimitSize(DefaultMaxPoolSize, time.Hour)
	require.False(t, h.mp.Exists(txOld.Hash()))
	require.True(t, h.mp.Exists(txNew.Hash()))

	// The configured limits are far looser, so the convenience form
	// leaves the remaining transaction alone.
	h.mp.LimitPool()
	require.True(t, h.mp.Exists(txNew.Hash()))
}

// TestPrioritise checks fee delta handling for both resident and future
// transactions.
func TestPrioritise(t *testing.T) {
	h := newPoolHarness(t)

	txA := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	entryA := h.addTx(txA, 1000)
	txB := h.spendTx(txA, 0, 1)
	entryB := h.addTx(txB, 1000)

	h.mp.PrioritiseTransaction(txA.Hash(), 500)
	require.Equal(t, btcutil.Amount(1500), entryA.ModifiedFee())
	// The base fee and the pool fee total are unaffected.
	require.Equal(t, btcutil.Amount(1000), entryA.Fee())
	require.Equal(t, btcutil.Amount(2000), h.mp.TotalFee())
	// The delta propagates into B's ancestor aggregates.
	require.Equal(t, btcutil.Amount(2500), entryB.ModFeesWithAncestors())
	require.Equal(t, btcutil.Amount(2500), entryA.ModFeesWithDescendants())

	require.Equal(t, btcutil.Amount(1700),
		h.mp.ApplyDelta(txA.Hash(), 1200))

	// Deltas registered before arrival stick to the entry when it shows
	// up.
	txFuture := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.mp.PrioritiseTransaction(txFuture.Hash(), 900)
	entryFuture := h.addTx(txFuture, 100)
	require.Equal(t, btcutil.Amount(1000), entryFuture.ModifiedFee())

	h.mp.ClearPrioritisation(txFuture.Hash())
	require.Equal(t, btcutil.Amount(77),
		h.mp.ApplyDelta(txFuture.Hash(), 77))

	h.mp.Check(nil, 200)
}

// TestRelayOrdering checks TxHashes and CompareDepthAndScore: parents sort
// before children regardless of fee rate, and equal depth sorts by entry
// fee rate.
func TestRelayOrdering(t *testing.T) {
	h := newPoolHarness(t)

	txA := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTx(txA, 100)
	// The child pays a far higher fee rate, but has depth 2.
	txB := h.spendTx(txA, 0, 1)
	h.addTx(txB, 100000)
	// An independent transaction out-paying A at the same depth.
	txC := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTx(txC, 9000)

	hashes := h.mp.TxHashes()
	require.Len(t, hashes, 3)
	require.Equal(t, txC.Hash(), hashes[0])
	require.Equal(t, txA.Hash(), hashes[1])
	require.Equal(t, txB.Hash(), hashes[2])

	require.True(t, h.mp.CompareDepthAndScore(txC.Hash(), txA.Hash()))
	require.True(t, h.mp.CompareDepthAndScore(txA.Hash(), txB.Hash()))
	require.False(t, h.mp.CompareDepthAndScore(txB.Hash(), txC.Hash()))

	// Missing transactions sort last.
	var absent chainhash.Hash
	require.True(t, h.mp.CompareDepthAndScore(txA.Hash(), &absent))
	require.False(t, h.mp.CompareDepthAndScore(&absent, txA.Hash()))
}

// TestMiningDescs checks the block template feed: ancestor score order
// with ancestor aggregates attached, and the update counter bumping.
func TestMiningDescs(t *testing.T) {
	h := newPoolHarness(t)

	updatesBefore := h.mp.GetTransactionsUpdated()

	txLow := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTx(txLow, 100)
	txHigh := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTx(txHigh, 50000)

	require.Equal(t, updatesBefore+2, h.mp.GetTransactionsUpdated())

	descs := h.mp.MiningDescs()
	require.Len(t, descs, 2)
	require.Equal(t, txHigh.Hash(), descs[0].Tx.Hash())
	require.Equal(t, txLow.Hash(), descs[1].Tx.Hash())
	require.Equal(t, int64(1), descs[0].AncestorCount)
	require.Equal(t, btcutil.Amount(50000), descs[0].AncestorFees)
}

// TestGetTransactionAncestry checks the ancestry report for a chain.
func TestGetTransactionAncestry(t *testing.T) {
	h := newPoolHarness(t)

	txA := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	entryA := h.addTx(txA, 1000)
	txB := h.spendTx(txA, 0, 1)
	entryB := h.addTx(txB, 2000)
	txC := h.spendTx(txB, 0, 1)
	h.addTx(txC, 500)

	ancestors, descendants, ancestorSize, ancestorFees :=
		h.mp.GetTransactionAncestry(txB.Hash())
	require.Equal(t, int64(2), ancestors)
	require.Equal(t, int64(3), descendants)
	require.Equal(t, entryA.TxSize()+entryB.TxSize(), ancestorSize)
	require.Equal(t, btcutil.Amount(3000), ancestorFees)

	ancestors, descendants, _, _ = h.mp.GetTransactionAncestry(txC.Hash())
	require.Equal(t, int64(3), ancestors)
	require.Equal(t, int64(3), descendants)

	var absent chainhash.Hash
	ancestors, descendants, _, _ = h.mp.GetTransactionAncestry(&absent)
	require.Zero(t, ancestors)
	require.Zero(t, descendants)
}

// TestCheckPackageLimits checks the union limit estimate for packages that
// are not in the pool yet.
func TestCheckPackageLimits(t *testing.T) {
	policy := DefaultPolicy()
	policy.LimitDescendantCount = 3
	h := newPoolHarnessWithPolicy(t, policy)

	txA := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTx(txA, 1000)
	txB := h.spendTx(txA, 0, 2)
	h.addTx(txB, 1000)

	// A two-transaction package hanging off B would give A four
	// descendants, one over the limit.
	txP1 := h.spendTx(txB, 0, 1)
	txP2 := h.spendTx(txB, 1, 1)
	pkg := []*TxEntry{h.newEntry(txP1, 500), h.newEntry(txP2, 500)}

	err := h.mp.CheckPackageLimits(pkg)
	requireRejectCode(t, err, wire.RejectNonstandard)
	require.Contains(t, err.Error(), "too many descendants")

	// A single transaction still fits.
	require.NoError(t, h.mp.CheckPackageLimits(pkg[:1]))
}

// TestHasNoInputsOf checks the pool dependency probe.
func TestHasNoInputsOf(t *testing.T) {
	h := newPoolHarness(t)

	txA := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTx(txA, 1000)

	dependent := h.spendTx(txA, 0, 1)
	independent := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	require.False(t, h.mp.HasNoInputsOf(dependent))
	require.True(t, h.mp.HasNoInputsOf(independent))
}

// TestUnbroadcastSet checks the unbroadcast tracking lifecycle, including
// implicit removal when the transaction leaves the pool.
func TestUnbroadcastSet(t *testing.T) {
	h := newPoolHarness(t)

	txA := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTx(txA, 1000)

	// Unknown transactions are not tracked.
	var absent chainhash.Hash
	h.mp.AddUnbroadcastTx(&absent)
	require.Empty(t, h.mp.GetUnbroadcastTxs())

	h.mp.AddUnbroadcastTx(txA.Hash())
	require.True(t, h.mp.IsUnbroadcastTx(txA.Hash()))
	require.Len(t, h.mp.GetUnbroadcastTxs(), 1)

	h.mp.RemoveUnbroadcastTx(txA.Hash())
	require.False(t, h.mp.IsUnbroadcastTx(txA.Hash()))

	// Removal from the pool drops the tracking too.
	h.mp.AddUnbroadcastTx(txA.Hash())
	h.mp.RemoveRecursive(txA, RemovalReasonBlock)
	require.False(t, h.mp.IsUnbroadcastTx(txA.Hash()))
}

// TestClear checks that Clear resets the pool but keeps prioritisation
// deltas for future arrivals.
func TestClear(t *testing.T) {
	h := newPoolHarness(t)

	txA := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTx(txA, 1000)
	h.mp.PrioritiseTransaction(txA.Hash(), 700)

	h.mp.Clear()
	require.Zero(t, h.mp.Count())
	require.Zero(t, h.mp.TotalTxSize())
	require.Zero(t, h.mp.TotalFee())
	require.Zero(t, h.mp.DynamicMemoryUsage())

	// The delta survives and reapplies.
	entry := h.addTx(txA, 1000)
	require.Equal(t, btcutil.Amount(1700), entry.ModifiedFee())
}

// TestEstimateFee checks the admission threshold is the max of the static
// and rolling floors.
func TestEstimateFee(t *testing.T) {
	h := newPoolHarness(t)

	require.Equal(t, DefaultMinRelayTxFee, h.mp.EstimateFee())

	// Raise the rolling floor above the static minimum.
	h.mp.mtx.Lock()
	h.mp.trackPackageRemoved(25000)
	h.mp.mtx.Unlock()
	require.Equal(t, btcutil.Amount(25000), h.mp.EstimateFee())
}
