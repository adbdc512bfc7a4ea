// Copyright (c) 2015-2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// CoinsView is the read-only interface to a source of unspent transaction
// outputs.  A nil return means the outpoint is unknown to the view.
type CoinsView interface {
	// GetCoin returns the unspent output for the given outpoint, or nil
	// when the view does not contain it.
	GetCoin(outpoint wire.OutPoint) *blockchain.UtxoEntry
}

// ViewpointCoins adapts a blockchain.UtxoViewpoint to the CoinsView
// interface.
type ViewpointCoins struct {
	View *blockchain.UtxoViewpoint
}

// GetCoin returns the unspent output for the given outpoint from the
// wrapped viewpoint.
func (v ViewpointCoins) GetCoin(outpoint wire.OutPoint) *blockchain.UtxoEntry {
	if v.View == nil {
		return nil
	}
	return v.View.LookupEntry(outpoint)
}

// CoinsViewMemPool brings the outputs created by pool transactions into
// view on top of a base UTXO view, plus a per-package scratch layer for
// transactions that are being evaluated together but have not been
// submitted yet.  Lookups check the scratch layer first, then the pool,
// then the base; nothing is ever written through to the base.
//
// This is what lets a caller evaluate a child transaction whose parent is
// unconfirmed: the parent's outputs are "available" here even though no
// block contains them.
type CoinsViewMemPool struct {
	base CoinsView
	pool *TxMempool

	// tempAdded holds coins created by transactions under package
	// evaluation.  They are materialized into a viewpoint so they carry
	// the same entry type as every other layer.
	tempAdded *blockchain.UtxoViewpoint

	// poolCoins caches pool transaction outputs that have been resolved
	// through this view, avoiding re-materializing them per lookup.
	poolCoins *blockchain.UtxoViewpoint
}

// NewCoinsViewMemPool returns a view layering the pool's outputs over the
// given base view.
func NewCoinsViewMemPool(base CoinsView, pool *TxMempool) *CoinsViewMemPool {
	return &CoinsViewMemPool{
		base:      base,
		pool:      pool,
		tempAdded: blockchain.NewUtxoViewpoint(),
		poolCoins: blockchain.NewUtxoViewpoint(),
	}
}

// PackageAddTransaction makes the coins created by the transaction
// available to subsequent lookups through this view.  The coins live only
// in the scratch layer and cannot reach the base view; this exists so
// dependent transactions of a package can be evaluated before any of them
// is submitted.
func (v *CoinsViewMemPool) PackageAddTransaction(tx *btcutil.Tx) {
	v.tempAdded.AddTxOuts(tx, MempoolHeight)
}

// GetCoin returns the first hit for the outpoint across the scratch layer,
// the pool's transaction outputs, and the base view, in that order.
func (v *CoinsViewMemPool) GetCoin(outpoint wire.OutPoint) *blockchain.UtxoEntry {
	if entry := v.tempAdded.LookupEntry(outpoint); entry != nil &&
		!entry.IsSpent() {

		return entry
	}

	if tx := v.pool.Get(&outpoint.Hash); tx != nil {
		if int(outpoint.Index) >= len(tx.MsgTx().TxOut) {
			return nil
		}
		if entry := v.poolCoins.LookupEntry(outpoint); entry != nil {
			return entry
		}
		v.poolCoins.AddTxOuts(tx, MempoolHeight)
		return v.poolCoins.LookupEntry(outpoint)
	}

	if v.base == nil {
		return nil
	}
	return v.base.GetCoin(outpoint)
}
