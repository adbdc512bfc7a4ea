// Copyright (c) 2013-2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package mempool provides the transaction memory pool: the in-memory staging
area for validated, unconfirmed transactions that are candidates for the
next block.

The pool is shared state between several subsystems.  The relay path
inserts transactions accepted from the network with AcceptTransaction, the
block template builder reads the ancestor-score ordering through
MiningDescs and polls GetTransactionsUpdated to invalidate its cache, the
validation engine reconciles the pool with the chain through RemoveForBlock
and the DisconnectedBlockTransactions reorg buffer, and wallets observe
their transactions through the notification callbacks.

Each entry tracks its direct in-pool parents and children, and aggregate
count, size, modified fee, and signature check totals over its transitive
ancestor and descendant sets.  The aggregates are maintained incrementally
on every mutation and drive three orderings kept alongside the primary hash
index: descendant score (eviction victims first), ancestor score (block
template candidates first), and entry time (expiry order).

Resource usage is bounded on several axes: per-entry ancestor and
descendant count and size limits enforced on acceptance, total memory usage
enforced by TrimToSize, age enforced by Expire, and a rolling minimum fee
rate floor that is raised by evictions and decays with a twelve hour
half-life.

The pool performs no consensus validation and holds no cryptographic code:
callers submit entries carrying precomputed fees and signature check
totals, and supply the predicates used to re-filter the pool after a reorg.
*/
package mempool
