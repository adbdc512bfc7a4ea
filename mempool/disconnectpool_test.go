// Copyright (c) 2017-2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// reorgAcceptor returns an accept callback that wraps transactions into
// entries with the given fee and submits them, recording the order.
func (p *poolHarness) reorgAcceptor(fee btcutil.Amount,
	order *[]chainhash.Hash) func(*btcutil.Tx) error {

	return func(tx *btcutil.Tx) error {
		*order = append(*order, *tx.Hash())
		return p.mp.AcceptTransaction(p.newEntry(tx, fee))
	}
}

// noFilter keeps every entry after a reorg.
func noFilter(*TxEntry) bool { return false }

// TestDisconnectPoolReplay disconnects a block containing a parent and its
// child, replays it, and checks the pool ends up with correct linkage.
func TestDisconnectPoolReplay(t *testing.T) {
	h := newPoolHarness(t)

	coinbase := createCoinbaseTx()
	txX := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	txY := h.spendTx(txX, 0, 1)

	d := NewDisconnectedBlockTransactions()
	d.AddForBlock([]*btcutil.Tx{coinbase, txX, txY})

	// The coinbase is never staged.
	require.Equal(t, 2, d.Count())
	require.False(t, d.Contains(coinbase.Hash()))
	require.True(t, d.Contains(txX.Hash()))
	require.Positive(t, d.DynamicMemoryUsage())

	var order []chainhash.Hash
	d.UpdateMempoolForReorg(h.mp, true, h.reorgAcceptor(1000, &order),
		noFilter)

	// Replay ran parent first, in block order.
	require.Equal(t, []chainhash.Hash{*txX.Hash(), *txY.Hash()}, order)
	require.True(t, d.IsEmpty())

	// Both are back with their dependency linked up.
	require.True(t, h.mp.Exists(txX.Hash()))
	require.True(t, h.mp.Exists(txY.Hash()))
	entryX, _ := h.mp.pool.get(txX.Hash())
	entryY, _ := h.mp.pool.get(txY.Hash())
	require.Contains(t, entryY.parents, *txX.Hash())
	require.Contains(t, entryX.children, *txY.Hash())
	require.Equal(t, int64(2), entryX.CountWithDescendants())
	require.Equal(t, int64(2), entryY.CountWithAncestors())

	h.mp.Check(nil, 200)
}

// TestDisconnectPoolRoundTrip checks that disconnect, replay, and
// re-connect of the same block leaves the pool where it started.
func TestDisconnectPoolRoundTrip(t *testing.T) {
	h := newPoolHarness(t)

	// A transaction that stays in the pool across the reorg.
	txKeep := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTx(txKeep, 4000)

	sizeBefore := h.mp.TotalTxSize()
	countBefore := h.mp.Count()

	// Disconnect a block with [X, Y], replay it into the pool, then
	// connect the same block again.
	txX := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	txY := h.spendTx(txX, 0, 1)

	d := NewDisconnectedBlockTransactions()
	d.AddForBlock([]*btcutil.Tx{txX, txY})
	var order []chainhash.Hash
	d.UpdateMempoolForReorg(h.mp, true, h.reorgAcceptor(1000, &order),
		noFilter)
	require.Equal(t, countBefore+2, h.mp.Count())

	h.mp.RemoveForBlock([]*btcutil.Tx{txX, txY}, 102)

	require.Equal(t, sizeBefore, h.mp.TotalTxSize())
	require.Equal(t, countBefore, h.mp.Count())
	require.True(t, h.mp.Exists(txKeep.Hash()))
	h.mp.Check(nil, 200)
}

// TestDisconnectPoolNoAddBack checks that draining without re-adding
// removes pool descendants of the staged transactions.
func TestDisconnectPoolNoAddBack(t *testing.T) {
	h := newPoolHarness(t)

	// X was confirmed; its child C lives in the pool.
	txX := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	txC := h.spendTx(txX, 0, 1)
	h.addTx(txC, 1000)

	d := NewDisconnectedBlockTransactions()
	d.AddForBlock([]*btcutil.Tx{txX})
	d.UpdateMempoolForReorg(h.mp, false, nil, noFilter)

	// X was not added back, so C is an orphan and had to go.
	require.False(t, h.mp.Exists(txX.Hash()))
	require.False(t, h.mp.Exists(txC.Hash()))
	require.True(t, d.IsEmpty())
}

// TestDisconnectPoolRemoveForBlock checks that staged transactions
// confirmed by a new block are pruned from the buffer.
func TestDisconnectPoolRemoveForBlock(t *testing.T) {
	h := newPoolHarness(t)

	txX := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	txY := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)

	d := NewDisconnectedBlockTransactions()
	d.AddForBlock([]*btcutil.Tx{txX, txY})
	d.RemoveForBlock([]*btcutil.Tx{txX})

	require.Equal(t, 1, d.Count())
	require.False(t, d.Contains(txX.Hash()))
	require.True(t, d.Contains(txY.Hash()))

	d.Clear()
	require.True(t, d.IsEmpty())
	require.Zero(t, d.DynamicMemoryUsage())
}

// TestReorgFilter checks that the consensus-supplied filter drives
// post-reorg removal and lock point refreshes.
func TestReorgFilter(t *testing.T) {
	h := newPoolHarness(t)

	txA := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTx(txA, 1000)
	txB := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	entryB := h.addTx(txB, 1000)

	var reasons []RemovalReason
	h.mp.Subscribe(func(n *Notification) {
		if n.Type == NTTxRemoved {
			reasons = append(reasons,
				n.Data.(*NTTxRemovedData).Reason)
		}
	})

	// Drop A, refresh B's lock points.
	h.mp.RemoveForReorg(func(entry *TxEntry) bool {
		if entry.TxHash().IsEqual(txA.Hash()) {
			return true
		}
		entry.UpdateLockPoints(LockPoints{Height: 150, Time: 9999})
		return false
	})

	require.False(t, h.mp.Exists(txA.Hash()))
	require.True(t, h.mp.Exists(txB.Hash()))
	require.Equal(t, []RemovalReason{RemovalReasonReorg}, reasons)
	require.Equal(t, int32(150), entryB.LockPoints().Height)
}

// TestImportMempool drains the whole pool into the buffer children first.
func TestImportMempool(t *testing.T) {
	h := newPoolHarness(t)

	txA := h.createTx([]wire.OutPoint{h.confirmedOutPoint()}, 1)
	h.addTx(txA, 1000)
	txB := h.spendTx(txA, 0, 1)
	h.addTx(txB, 1000)

	d := NewDisconnectedBlockTransactions()
	d.ImportMempool(h.mp)

	require.Zero(t, h.mp.Count())
	require.Equal(t, 2, d.Count())

	// Replaying restores the pool with the parent accepted first.
	var order []chainhash.Hash
	d.UpdateMempoolForReorg(h.mp, true, h.reorgAcceptor(1000, &order),
		noFilter)
	require.Equal(t, []chainhash.Hash{*txA.Hash(), *txB.Hash()}, order)
	require.Equal(t, 2, h.mp.Count())
	h.mp.Check(nil, 200)
}
