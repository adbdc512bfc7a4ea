// Copyright (c) 2017-2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"sort"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/emirpasic/gods/maps/linkedhashmap"
)

// queuedTxOverhead approximates the per-transaction bookkeeping bytes of
// the buffer's hash plus sequence indexing.
const queuedTxOverhead = 6 * 8

// DisconnectedBlockTransactions is a side buffer holding the transactions
// of disconnected blocks during a reorg.  Re-accepting into the pool is
// expensive and most disconnected transactions are typically re-confirmed
// in the new chain, so they are staged here, pruned as new blocks connect,
// and only the remainder is replayed into the pool once the new tip is
// active.
//
// The buffer is dual-indexed: by txid for the pruning lookups and by
// insertion order so replay can reconstruct a parents-before-children
// ordering.  Blocks are disconnected tip first and AddForBlock records each
// block's transactions in reverse, so walking the whole sequence backwards
// visits parents before their children.
//
// The buffer must be drained (UpdateMempoolForReorg or Clear) before it is
// dropped; transactions silently left behind here indicate a logic bug in
// the reorg processing.
//
// It is not safe for concurrent access; the reorg path that owns it is
// single threaded under the chain lock.
type DisconnectedBlockTransactions struct {
	// queuedTx maps chainhash.Hash to *btcutil.Tx, preserving insertion
	// order.
	queuedTx   *linkedhashmap.Map
	innerUsage int64
}

// NewDisconnectedBlockTransactions returns an empty reorg buffer.
func NewDisconnectedBlockTransactions() *DisconnectedBlockTransactions {
	return &DisconnectedBlockTransactions{
		queuedTx: linkedhashmap.New(),
	}
}

// addTransaction appends the transaction to the sequence.
func (d *DisconnectedBlockTransactions) addTransaction(tx *btcutil.Tx) {
	d.queuedTx.Put(*tx.Hash(), tx)
	d.innerUsage += txDynamicUsage(tx) + queuedTxOverhead
}

// AddForBlock stages the transactions of a block that is being
// disconnected.  Blocks must be disconnected walking the chain from the
// tip backwards; each block's transactions are recorded in reverse block
// order so that the whole sequence read backwards is topologically sorted.
// The coinbase is skipped since it can never return to the pool.
func (d *DisconnectedBlockTransactions) AddForBlock(vtx []*btcutil.Tx) {
	for i := len(vtx) - 1; i >= 0; i-- {
		tx := vtx[i]
		if blockchain.IsCoinBase(tx) {
			continue
		}
		if _, exists := d.queuedTx.Get(*tx.Hash()); exists {
			continue
		}
		d.addTransaction(tx)
	}
}

// RemoveForBlock drops any staged transactions that were included in a
// newly connected block, since they no longer need replaying.
func (d *DisconnectedBlockTransactions) RemoveForBlock(vtx []*btcutil.Tx) {
	// Short-circuit in the common case of a block being added to the
	// tip with no reorg in progress.
	if d.queuedTx.Empty() {
		return
	}
	for _, tx := range vtx {
		if staged, exists := d.queuedTx.Get(*tx.Hash()); exists {
			d.innerUsage -= txDynamicUsage(staged.(*btcutil.Tx)) +
				queuedTxOverhead
			d.queuedTx.Remove(*tx.Hash())
		}
	}
}

// ImportMempool drains every transaction out of the pool into the buffer,
// children first so the backwards replay walk stays topological, and clears
// the pool.  This is used to reprocess the entire pool through validation,
// for example when a fork (de)activation changes which transactions are
// acceptable.  Prioritisation deltas survive in the pool and reapply on
// re-acceptance.
func (d *DisconnectedBlockTransactions) ImportMempool(pool *TxMempool) {
	pool.mtx.Lock()
	entries := make([]*TxEntry, 0, pool.pool.size())
	pool.pool.forEach(func(entry *TxEntry) bool {
		entries = append(entries, entry)
		return true
	})
	pool.mtx.Unlock()

	// Children have strictly more in-pool ancestors than any of their
	// ancestors, so ordering by descending ancestor count places every
	// child before its parents in the sequence.
	sortEntriesByAncestorCountDesc(entries)
	for _, entry := range entries {
		if _, exists := d.queuedTx.Get(*entry.TxHash()); !exists {
			d.addTransaction(entry.Tx())
		}
	}
	pool.Clear()
}

// UpdateMempoolForReorg makes the pool consistent after a reorg by
// replaying the buffered transactions and then re-filtering the pool
// against the new tip.
//
// When addBack is true each staged transaction is handed to accept, oldest
// block first and in block order within a block; accept is expected to
// re-validate it and submit it to the pool.  Transactions that are not
// added back, either by choice or because acceptance failed, have any
// dependents that did make it into the pool removed recursively.  The
// successfully re-added transactions then get their in-pool descendant
// links and aggregates fixed up, queueing anything that now exceeds the
// ancestor limits for recursive removal.
//
// Finally filter is applied to every pool entry via RemoveForReorg to drop
// entries that are no longer final or mature on the new tip.  The buffer is
// empty when this returns.
func (d *DisconnectedBlockTransactions) UpdateMempoolForReorg(pool *TxMempool,
	addBack bool, accept func(*btcutil.Tx) error,
	filter func(*TxEntry) bool) {

	var txidsToUpdate []chainhash.Hash

	// The newest entry in the sequence is the first transaction of the
	// last disconnected (lowest) block, so the backwards walk starts
	// with the earliest transaction previously seen in a block.
	it := d.queuedTx.Iterator()
	for it.End(); it.Prev(); {
		tx := it.Value().(*btcutil.Tx)
		added := false
		if addBack && accept != nil {
			if err := accept(tx); err != nil {
				log.Debugf("Transaction %v from disconnected "+
					"block not re-accepted: %v", tx.Hash(),
					err)
			} else {
				added = true
			}
		}
		if !added {
			// Anything in the pool that depends on it is an
			// orphan now.
			pool.RemoveRecursive(tx, RemovalReasonReorg)
		} else if pool.Exists(tx.Hash()) {
			txidsToUpdate = append(txidsToUpdate, *tx.Hash())
		}
	}
	d.Clear()

	// Entries replayed from blocks may have had in-pool children all
	// along; reconnect them and settle the aggregates.
	pool.UpdateTransactionsFromBlock(txidsToUpdate,
		pool.cfg.Policy.LimitAncestorSize,
		pool.cfg.Policy.LimitAncestorCount)

	pool.RemoveForReorg(filter)
}

// IsEmpty returns whether the buffer holds no transactions.
func (d *DisconnectedBlockTransactions) IsEmpty() bool {
	return d.queuedTx.Empty()
}

// Count returns the number of staged transactions.
func (d *DisconnectedBlockTransactions) Count() int {
	return d.queuedTx.Size()
}

// Contains returns whether the given txid is staged in the buffer.
func (d *DisconnectedBlockTransactions) Contains(txHash *chainhash.Hash) bool {
	_, exists := d.queuedTx.Get(*txHash)
	return exists
}

// DynamicMemoryUsage returns an estimate of the memory held by the staged
// transactions and the buffer's indexes.
func (d *DisconnectedBlockTransactions) DynamicMemoryUsage() int64 {
	return d.innerUsage
}

// Clear drops all staged transactions.
func (d *DisconnectedBlockTransactions) Clear() {
	d.queuedTx.Clear()
	d.innerUsage = 0
}

// sortEntriesByAncestorCountDesc orders entries so that every entry comes
// before all of its in-pool ancestors.
func sortEntriesByAncestorCountDesc(entries []*TxEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CountWithAncestors() != entries[j].CountWithAncestors() {
			return entries[i].CountWithAncestors() >
				entries[j].CountWithAncestors()
		}
		return compareEntryByEntryTime(entries[i], entries[j]) > 0
	})
}
