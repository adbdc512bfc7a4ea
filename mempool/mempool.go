// Copyright (c) 2013-2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// MempoolHeight is the fake chain height used for coins that are
	// created by pool transactions and therefore only exist in memory.
	MempoolHeight = 0x7FFFFFFF

	// RollingFeeHalflife is the decay half-life of the rolling minimum
	// fee rate, in seconds.
	RollingFeeHalflife = 60 * 60 * 12

	// noLimit disables a chain limit in internal ancestor walks.
	noLimit = int64(math.MaxInt64)
)

// Config is a descriptor containing the memory pool configuration.
type Config struct {
	// Policy defines the various mempool configuration options related
	// to policy.
	Policy Policy

	// CheckRatio defines how often Check actually audits the pool: a
	// value n means one call in n runs the audit.  Zero disables the
	// audit entirely, which is the production setting since the audit is
	// quadratic in the pool size.
	CheckRatio int

	// TimeSource defines the function to use to obtain the current time.
	// It defaults to time.Now and exists so tests can drive expiry and
	// fee decay deterministically.
	TimeSource func() time.Time
}

// DefaultPolicy returns the policy with all limits set to their default
// values.
func DefaultPolicy() Policy {
	return Policy{
		LimitAncestorCount:   DefaultAncestorLimit,
		LimitAncestorSize:    DefaultAncestorSizeLimit,
		LimitDescendantCount: DefaultDescendantLimit,
		LimitDescendantSize:  DefaultDescendantSizeLimit,
		MaxPoolSize:          DefaultMaxPoolSize,
		MaxPoolExpiry:        DefaultMempoolExpiry,
		MinRelayTxFee:        DefaultMinRelayTxFee,
		IncrementalRelayFee:  DefaultIncrementalRelayFee,
	}
}

// TxMempoolInfo is a snapshot of information about a single pool entry.
type TxMempoolInfo struct {
	// Tx is the transaction itself.
	Tx *btcutil.Tx

	// Time is the unix time the transaction entered the pool.
	Time int64

	// Fee is the base fee of the transaction.
	Fee btcutil.Amount

	// VirtualSize is the virtual size of the transaction.
	VirtualSize int64

	// FeeDelta is the prioritisation adjustment applied to the entry.
	FeeDelta btcutil.Amount
}

// TxDesc is a descriptor for a pool transaction handed to the block
// template builder.  The ancestor aggregates let the builder assemble
// packages greedily without re-walking the graph.
type TxDesc struct {
	// Tx is the transaction associated with the entry.
	Tx *btcutil.Tx

	// Added is the time when the entry was added to the pool.
	Added time.Time

	// Height is the chain height when the entry was added to the pool.
	Height int32

	// Fee is the total base fee the transaction pays.
	Fee btcutil.Amount

	// FeePerKB is the base fee the transaction pays per kilobyte.
	FeePerKB btcutil.Amount

	// AncestorCount, AncestorSize, and AncestorFees are the entry's
	// ancestor aggregates, including the entry itself.
	AncestorCount int64
	AncestorSize  int64
	AncestorFees  btcutil.Amount
}

// TxMempool holds validated transactions that are candidates for inclusion
// in the next block.  It is the shared staging area between the relay path,
// which inserts transactions accepted from the network, the block template
// builder, which reads the ancestor-score ordering, the validation engine,
// which reconciles the pool with the chain on block connect and disconnect,
// and the wallet.
//
// The pool tracks, for every entry, the set of in-pool transactions it
// depends on (ancestors) and that depend on it (descendants), together with
// aggregate size, fee, and signature check totals over both sets.  Keeping
// those aggregates incrementally correct is what most of the bookkeeping
// here is for: a recompute-from-scratch on every mutation would be
// quadratic.
//
// All exported methods are safe for concurrent access.  Consistency with
// the chain tip is the caller's concern: a caller holding only the pool
// lock sees a pool consistent with some recently active chain state and
// fully replayed; callers that need tip consistency must serialize pool
// writes with their chain lock, taking the chain lock first.
type TxMempool struct {
	// The following variables must only be used atomically.
	lastUpdated         atomic.Int64  // last time pool was updated
	transactionsUpdated atomic.Uint32 // bumped on every add/remove

	mtx  sync.RWMutex
	cfg  Config
	pool *indexedTxSet

	// mapNextTx maps each outpoint spent by a pool transaction to the
	// entry spending it.  It is the in-pool double spend detector.
	mapNextTx map[wire.OutPoint]*TxEntry

	// mapDeltas holds prioritisation deltas keyed by txid.  Deltas
	// persist for transactions that are not currently in the pool so
	// they apply on a later arrival.
	mapDeltas map[chainhash.Hash]btcutil.Amount

	// unbroadcast tracks locally submitted transactions until the relay
	// path has seen them come back or proved them included.
	unbroadcast map[chainhash.Hash]struct{}

	// Global accounting over all entries.
	totalTxSize int64
	totalFee    btcutil.Amount
	innerUsage  int64

	// Rolling minimum fee rate state.  The rate is in Satoshi/kB and
	// decays exponentially; it only starts decaying once a block has
	// arrived after the last bump.
	lastRollingFeeUpdate         int64
	blockSinceLastRollingFeeBump bool
	rollingMinimumFeeRate        float64

	// epoch issues traversal generations for visited-marking.
	epoch epoch

	// sequenceNumber is bumped on every insertion and removal and
	// surfaced through notifications so external trackers can order
	// events.
	sequenceNumber uint64

	isLoaded bool

	notificationsLock sync.RWMutex
	notifications     []NotificationCallback
}

// New returns a new memory pool for holding validated transactions until
// they are mined into a block.
func New(cfg *Config) *TxMempool {
	mp := &TxMempool{
		cfg:            *cfg,
		pool:           newIndexedTxSet(),
		mapNextTx:      make(map[wire.OutPoint]*TxEntry),
		mapDeltas:      make(map[chainhash.Hash]btcutil.Amount),
		unbroadcast:    make(map[chainhash.Hash]struct{}),
		sequenceNumber: 1,
	}
	if mp.cfg.TimeSource == nil {
		mp.cfg.TimeSource = time.Now
	}
	mp.lastUpdated.Store(mp.cfg.TimeSource().Unix())
	return mp
}

// now returns the current time according to the configured time source.
func (mp *TxMempool) now() time.Time {
	return mp.cfg.TimeSource()
}

// getAndIncrementSequence returns the current sequence number and bumps it.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxMempool) getAndIncrementSequence() uint64 {
	seq := mp.sequenceNumber
	mp.sequenceNumber++
	return seq
}

// GetSequence returns the current sequence number.
//
// This function is safe for concurrent access.
func (mp *TxMempool) GetSequence() uint64 {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()
	return mp.sequenceNumber
}

// AcceptTransaction adds a validated transaction to the pool.  The caller
// has already verified the transaction against consensus rules and computed
// its fee and signature check total; the pool enforces only its own chain
// limits here.
//
// The returned error is a RuleError when the transaction is a duplicate,
// conflicts with a pool transaction on one of its inputs, or would exceed
// an ancestor or descendant limit.
//
// This function is safe for concurrent access.
func (mp *TxMempool) AcceptTransaction(entry *TxEntry) error {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	return mp.acceptTransaction(entry)
}

// acceptTransaction is the internal function which implements the public
// AcceptTransaction.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxMempool) acceptTransaction(entry *TxEntry) error {
	txHash := entry.TxHash()

	// Don't accept the transaction if it already exists in the pool.
	if _, exists := mp.pool.get(txHash); exists {
		str := fmt.Sprintf("already have transaction %v", txHash)
		return txRuleError(wire.RejectDuplicate, str)
	}

	// The transaction may not use any of the same outputs as other
	// transactions already in the pool.  Whether a conflicting arrival
	// should instead displace the resident transaction is the caller's
	// policy; it can remove the conflict with reason "replaced" and
	// resubmit.
	for _, txIn := range entry.Tx().MsgTx().TxIn {
		if conflict, exists := mp.mapNextTx[txIn.PreviousOutPoint]; exists {
			str := fmt.Sprintf("output %v already spent by "+
				"transaction %v in the memory pool",
				txIn.PreviousOutPoint, conflict.TxHash())
			return txRuleError(wire.RejectDuplicate, str)
		}
	}

	ancestors, err := mp.calculateMemPoolAncestors(entry,
		mp.cfg.Policy.LimitAncestorCount, mp.cfg.Policy.LimitAncestorSize,
		mp.cfg.Policy.LimitDescendantCount,
		mp.cfg.Policy.LimitDescendantSize, true)
	if err != nil {
		// Ancestor and descendant limit failures share one reject
		// reason; the detail names the limit that was exceeded.
		return txRuleError(wire.RejectNonstandard,
			"too-long-mempool-chain: "+err.Error())
	}

	mp.addUnchecked(entry, ancestors)
	return nil
}

// calculateMemPoolAncestors calculates all in-pool ancestors of entry and
// checks the chain limits.  The returned set does not include the entry
// itself, but the limits are applied as if it were a member.
//
// When searchForParents is true the entry's inputs are scanned against the
// pool to locate direct parents, which is required for entries that are not
// in the pool yet.  Otherwise the entry's recorded parent set is used.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxMempool) calculateMemPoolAncestors(entry *TxEntry,
	limitAncestorCount, limitAncestorSize, limitDescendantCount,
	limitDescendantSize int64,
	searchForParents bool) (map[chainhash.Hash]*TxEntry, error) {

	staged := make(map[chainhash.Hash]*TxEntry)
	if searchForParents {
		// Get parents of this transaction that are in the pool.
		for _, txIn := range entry.Tx().MsgTx().TxIn {
			parent, exists := mp.pool.get(&txIn.PreviousOutPoint.Hash)
			if !exists {
				continue
			}
			if _, ok := staged[*parent.TxHash()]; ok {
				continue
			}
			staged[*parent.TxHash()] = parent
			if int64(len(staged))+1 > limitAncestorCount {
				str := fmt.Sprintf("too many unconfirmed "+
					"parents [limit: %d]", limitAncestorCount)
				return nil, txRuleError(wire.RejectNonstandard, str)
			}
		}
	} else {
		// The entry is already in the pool, so its parent set is
		// authoritative.
		for hash, parent := range entry.parents {
			staged[hash] = parent
		}
	}

	return mp.calculateAncestorsAndCheckLimits(entry.TxSize(), 1, staged,
		limitAncestorCount, limitAncestorSize, limitDescendantCount,
		limitDescendantSize)
}

// calculateAncestorsAndCheckLimits expands staged into the full transitive
// ancestor set while enforcing the ancestor and descendant limits for a
// prospective addition of entryCount transactions totalling entrySize
// bytes.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxMempool) calculateAncestorsAndCheckLimits(entrySize,
	entryCount int64, staged map[chainhash.Hash]*TxEntry,
	limitAncestorCount, limitAncestorSize, limitDescendantCount,
	limitDescendantSize int64) (map[chainhash.Hash]*TxEntry, error) {

	ancestors := make(map[chainhash.Hash]*TxEntry)
	queue := make([]*TxEntry, 0, len(staged))
	for _, parent := range staged {
		queue = append(queue, parent)
	}

	totalSizeWithAncestors := entrySize
	for len(queue) > 0 {
		stage := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if _, ok := ancestors[*stage.TxHash()]; ok {
			continue
		}
		ancestors[*stage.TxHash()] = stage
		totalSizeWithAncestors += stage.TxSize()

		switch {
		case stage.SizeWithDescendants()+entrySize > limitDescendantSize:
			str := fmt.Sprintf("exceeds descendant size limit "+
				"for tx %v [limit: %d]", stage.TxHash(),
				limitDescendantSize)
			return nil, txRuleError(wire.RejectNonstandard, str)

		case stage.CountWithDescendants()+entryCount > limitDescendantCount:
			str := fmt.Sprintf("too many descendants for tx %v "+
				"[limit: %d]", stage.TxHash(),
				limitDescendantCount)
			return nil, txRuleError(wire.RejectNonstandard, str)

		case totalSizeWithAncestors > limitAncestorSize:
			str := fmt.Sprintf("exceeds ancestor size limit "+
				"[limit: %d]", limitAncestorSize)
			return nil, txRuleError(wire.RejectNonstandard, str)

		case int64(len(ancestors))+entryCount > limitAncestorCount:
			str := fmt.Sprintf("too many unconfirmed ancestors "+
				"[limit: %d]", limitAncestorCount)
			return nil, txRuleError(wire.RejectNonstandard, str)
		}

		for hash, parent := range stage.parents {
			if _, ok := ancestors[hash]; !ok {
				queue = append(queue, parent)
			}
		}
	}

	return ancestors, nil
}

// CheckPackageLimits checks that a package of transactions that are not in
// the pool yet, but may depend on each other, would respect the chain
// limits if added together.  The limits are applied to the union of all
// package transactions and their in-pool ancestors.
//
// This function is safe for concurrent access.
func (mp *TxMempool) CheckPackageLimits(pkg []*TxEntry) error {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	staged := make(map[chainhash.Hash]*TxEntry)
	var totalSize int64
	for _, entry := range pkg {
		totalSize += entry.TxSize()
		for _, txIn := range entry.Tx().MsgTx().TxIn {
			parent, exists := mp.pool.get(&txIn.PreviousOutPoint.Hash)
			if !exists {
				continue
			}
			staged[*parent.TxHash()] = parent
		}
	}

	_, err := mp.calculateAncestorsAndCheckLimits(totalSize,
		int64(len(pkg)), staged, mp.cfg.Policy.LimitAncestorCount,
		mp.cfg.Policy.LimitAncestorSize,
		mp.cfg.Policy.LimitDescendantCount,
		mp.cfg.Policy.LimitDescendantSize)
	return err
}

// addUnchecked wires a new entry into the pool without re-checking limits.
// The ancestor set must have been produced by calculateMemPoolAncestors for
// this entry.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxMempool) addUnchecked(entry *TxEntry,
	ancestors map[chainhash.Hash]*TxEntry) {

	txHash := entry.TxHash()

	// Apply any prioritisation delta that was registered before the
	// transaction arrived.
	if delta, ok := mp.mapDeltas[*txHash]; ok && delta != 0 {
		entry.updateFeeDelta(delta)
	}

	mp.pool.insert(entry)
	mp.totalTxSize += entry.TxSize()
	mp.totalFee += entry.Fee()
	mp.innerUsage += entry.DynamicMemoryUsage()

	// Mark the referenced outpoints as spent by the pool and collect the
	// distinct parent ids.
	parentIDs := make(map[chainhash.Hash]struct{})
	for _, txIn := range entry.Tx().MsgTx().TxIn {
		mp.mapNextTx[txIn.PreviousOutPoint] = entry
		parentIDs[txIn.PreviousOutPoint.Hash] = struct{}{}
	}

	// Link direct parents.  A newly added transaction normally has no
	// in-pool children (they would have been orphans), so only the
	// parent direction is discovered here; reorg replay fixes up
	// children via UpdateTransactionsFromBlock.
	for parentHash := range parentIDs {
		parentHash := parentHash
		if parent, exists := mp.pool.get(&parentHash); exists {
			mp.updateParent(entry, parent, true)
		}
	}

	mp.updateAncestorsOf(true, entry, ancestors)
	mp.updateEntryForAncestors(entry, ancestors)

	mp.transactionsUpdated.Add(1)
	mp.lastUpdated.Store(mp.now().Unix())
	seq := mp.getAndIncrementSequence()
	mp.sendNotification(NTTxAccepted, &NTTxAcceptedData{
		Tx:       entry.Tx(),
		Sequence: seq,
	})

	log.DebugS(context.Background(), "Accepted transaction",
		"tx_hash", txHash,
		"pool_size", mp.pool.size(),
		"total_bytes", mp.totalTxSize)
}

// updateAncestorsOf adds or removes entry as a child of each of its direct
// parents and folds its size, modified fee, count, and sigchecks into (or
// out of) the descendant aggregates of every ancestor.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxMempool) updateAncestorsOf(add bool, entry *TxEntry,
	ancestors map[chainhash.Hash]*TxEntry) {

	for _, parent := range entry.parents {
		mp.updateChild(parent, entry, add)
	}

	updateCount := int64(1)
	if !add {
		updateCount = -1
	}
	updateSize := updateCount * entry.TxSize()
	updateSigChecks := updateCount * entry.SigChecks()
	updateFee := btcutil.Amount(updateCount) * entry.ModifiedFee()
	for _, ancestor := range ancestors {
		ancestor := ancestor
		mp.pool.reindex(ancestor, func() {
			ancestor.updateDescendantState(updateSize, updateFee,
				updateCount, updateSigChecks)
		})
	}
}

// updateEntryForAncestors folds the ancestor set's totals into the entry's
// ancestor aggregates.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxMempool) updateEntryForAncestors(entry *TxEntry,
	ancestors map[chainhash.Hash]*TxEntry) {

	var (
		count     int64
		size      int64
		fee       btcutil.Amount
		sigChecks int64
	)
	for _, ancestor := range ancestors {
		count++
		size += ancestor.TxSize()
		fee += ancestor.ModifiedFee()
		sigChecks += ancestor.SigChecks()
	}
	mp.pool.reindex(entry, func() {
		entry.updateAncestorState(size, fee, count, sigChecks)
	})
}

// updateParent adds or removes parent from entry's parent set.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxMempool) updateParent(entry, parent *TxEntry, add bool) {
	if add {
		entry.parents[*parent.TxHash()] = parent
	} else {
		delete(entry.parents, *parent.TxHash())
	}
}

// updateChild adds or removes child from entry's child set.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxMempool) updateChild(entry, child *TxEntry, add bool) {
	if add {
		entry.children[*child.TxHash()] = child
	} else {
		delete(entry.children, *child.TxHash())
	}
}

// calculateDescendants adds entry and all of its in-pool descendants to
// descendants.  An epoch guard must be active; entries already visited in
// the current traversal generation are skipped, which lets a caller
// accumulate the descendant sets of several roots into one batch.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxMempool) calculateDescendants(entry *TxEntry,
	descendants map[chainhash.Hash]*TxEntry) {

	if mp.epoch.visited(entry) {
		return
	}
	stage := []*TxEntry{entry}
	for len(stage) > 0 {
		desc := stage[len(stage)-1]
		stage = stage[:len(stage)-1]
		descendants[*desc.TxHash()] = desc
		for _, child := range desc.children {
			if !mp.epoch.visited(child) {
				stage = append(stage, child)
			}
		}
	}
}

// removeStaged removes a set of transactions from the pool.  If a
// transaction is in the set, all of its in-pool descendants must be too,
// unless it is being removed for being in a block.  Set updateDescendants
// to true when removing transactions that were included in a block so that
// the surviving descendants have their ancestor aggregates adjusted.
//
// Removals are reported descendants-first.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxMempool) removeStaged(stage map[chainhash.Hash]*TxEntry,
	updateDescendants bool, reason RemovalReason) {

	mp.updateForRemoveFromMempool(stage, updateDescendants)

	ordered := make([]*TxEntry, 0, len(stage))
	for _, entry := range stage {
		ordered = append(ordered, entry)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.CountWithAncestors() != b.CountWithAncestors() {
			return a.CountWithAncestors() > b.CountWithAncestors()
		}
		return compareEntryByEntryTime(a, b) < 0
	})
	for _, entry := range ordered {
		mp.removeUnchecked(entry, reason)
	}
}

// updateForRemoveFromMempool severs the batch from the surviving graph: it
// subtracts every removed entry from its surviving ancestors' descendant
// aggregates, unlinks it from parents and children outside the batch, and,
// when updateDescendants is set, subtracts it from its surviving
// descendants' ancestor aggregates.
//
// The ancestor walks here rely on each entry's parent set, so no entry may
// be erased from the pool before the whole batch has been processed.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxMempool) updateForRemoveFromMempool(
	entriesToRemove map[chainhash.Hash]*TxEntry, updateDescendants bool) {

	if updateDescendants {
		// A block-included transaction leaves its descendants behind,
		// valid; their ancestor aggregates must forget it.
		for _, removeEntry := range entriesToRemove {
			descendants := make(map[chainhash.Hash]*TxEntry)
			guard := mp.epoch.guard()
			mp.calculateDescendants(removeEntry, descendants)
			guard.release()
			delete(descendants, *removeEntry.TxHash())

			modifySize := -removeEntry.TxSize()
			modifyFee := -removeEntry.ModifiedFee()
			modifySigChecks := -removeEntry.SigChecks()
			for _, desc := range descendants {
				desc := desc
				mp.pool.reindex(desc, func() {
					desc.updateAncestorState(modifySize,
						modifyFee, -1, modifySigChecks)
				})
			}
		}
	}

	for _, removeEntry := range entriesToRemove {
		// Since this entry is still in the pool, searchForParents is
		// false: its recorded parent set is authoritative.  No limits
		// apply on removal.
		ancestors, err := mp.calculateMemPoolAncestors(removeEntry,
			noLimit, noLimit, noLimit, noLimit, false)
		if err != nil {
			// Unreachable with no limits; keep the log so a logic
			// change here can't fail silently.
			log.Errorf("ancestor walk failed during removal of "+
				"%v: %v", removeEntry.TxHash(), err)
		}
		mp.updateAncestorsOf(false, removeEntry, ancestors)
	}

	for _, removeEntry := range entriesToRemove {
		for _, child := range removeEntry.children {
			mp.updateParent(child, removeEntry, false)
		}
	}
}

// removeUnchecked erases a single entry from all indexes and updates the
// global accounting.  updateForRemoveFromMempool must have been called on
// the entire batch beforehand.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxMempool) removeUnchecked(entry *TxEntry, reason RemovalReason) {
	seq := mp.getAndIncrementSequence()
	mp.sendNotification(NTTxRemoved, &NTTxRemovedData{
		Tx:       entry.Tx(),
		Reason:   reason,
		Sequence: seq,
	})

	for _, txIn := range entry.Tx().MsgTx().TxIn {
		delete(mp.mapNextTx, txIn.PreviousOutPoint)
	}
	mp.totalTxSize -= entry.TxSize()
	mp.totalFee -= entry.Fee()
	mp.innerUsage -= entry.DynamicMemoryUsage()
	mp.pool.erase(entry)
	delete(mp.unbroadcast, *entry.TxHash())

	mp.transactionsUpdated.Add(1)
	mp.lastUpdated.Store(mp.now().Unix())

	log.TraceS(context.Background(), "Removed transaction",
		"tx_hash", entry.TxHash(),
		"reason", reason.String(),
		"sequence", seq)
}

// RemoveRecursive removes the passed transaction and all of its in-pool
// descendants from the pool with the given reason.  The transaction itself
// does not need to be in the pool: any pool transactions spending its
// outputs are removed along with their descendants either way.
//
// This function is safe for concurrent access.
func (mp *TxMempool) RemoveRecursive(tx *btcutil.Tx, reason RemovalReason) {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	mp.removeRecursive(tx, reason)
}

// removeRecursive is the internal function which implements the public
// RemoveRecursive.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxMempool) removeRecursive(tx *btcutil.Tx, reason RemovalReason) {
	txHash := tx.Hash()
	txToRemove := make(map[chainhash.Hash]*TxEntry)
	if entry, exists := mp.pool.get(txHash); exists {
		txToRemove[*txHash] = entry
	} else {
		// The transaction is not in the pool, but it may spend the
		// same outputs as children that are, e.g. during a reorg.
		for i := range tx.MsgTx().TxOut {
			prevOut := wire.OutPoint{Hash: *txHash, Index: uint32(i)}
			if child, exists := mp.mapNextTx[prevOut]; exists {
				txToRemove[*child.TxHash()] = child
			}
		}
	}

	stage := make(map[chainhash.Hash]*TxEntry)
	guard := mp.epoch.guard()
	for _, entry := range txToRemove {
		mp.calculateDescendants(entry, stage)
	}
	guard.release()

	// A replacement displaces the whole package; remember the fee rate
	// the package paid so the admission floor reflects it.
	if reason == RemovalReasonReplaced {
		for _, entry := range txToRemove {
			mp.trackPackageRemoved(feeRatePerKB(
				entry.ModFeesWithDescendants(),
				entry.SizeWithDescendants()))
		}
	}

	mp.removeStaged(stage, false, reason)
}

// RemoveForBlock removes from the pool every transaction included in the
// connected block, then removes anything that conflicts with one of the
// block's transactions.  Included transactions leave their pool descendants
// behind with adjusted ancestor aggregates; conflicting transactions are
// removed recursively with reason "conflict".
//
// A new block also resets the rolling minimum fee rate bump.
//
// This function is safe for concurrent access.
func (mp *TxMempool) RemoveForBlock(txs []*btcutil.Tx, height int32) {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	for _, tx := range txs {
		if entry, exists := mp.pool.get(tx.Hash()); exists {
			stage := map[chainhash.Hash]*TxEntry{
				*entry.TxHash(): entry,
			}
			mp.removeStaged(stage, true, RemovalReasonBlock)
		}
		mp.removeConflicts(tx)
		mp.clearPrioritisation(tx.Hash())
	}

	mp.lastRollingFeeUpdate = mp.now().Unix()
	mp.blockSinceLastRollingFeeBump = true

	log.DebugS(context.Background(), "Removed block transactions",
		"height", height,
		"block_txns", len(txs),
		"pool_size", mp.pool.size())
}

// removeConflicts removes every pool transaction that spends an outpoint
// also spent by the passed transaction, along with its descendants.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxMempool) removeConflicts(tx *btcutil.Tx) {
	for _, txIn := range tx.MsgTx().TxIn {
		conflict, exists := mp.mapNextTx[txIn.PreviousOutPoint]
		if !exists || conflict.TxHash().IsEqual(tx.Hash()) {
			continue
		}
		mp.removeRecursive(conflict.Tx(), RemovalReasonConflict)
	}
}

// RemoveForReorg applies the consensus-supplied filter to every entry after
// a reorg and recursively removes each entry for which it returns true.
// The filter re-checks finality and coinbase maturity against the new tip
// and is also responsible for refreshing the entry's cached lock points.
//
// This function is safe for concurrent access.
func (mp *TxMempool) RemoveForReorg(filter func(*TxEntry) bool) {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	var txToRemove []*TxEntry
	mp.pool.forEach(func(entry *TxEntry) bool {
		if filter(entry) {
			txToRemove = append(txToRemove, entry)
		}
		return true
	})

	stage := make(map[chainhash.Hash]*TxEntry)
	guard := mp.epoch.guard()
	for _, entry := range txToRemove {
		mp.calculateDescendants(entry, stage)
	}
	guard.release()
	mp.removeStaged(stage, false, RemovalReasonReorg)
}

// UpdateTransactionsFromBlock is called when transactions from a
// disconnected block have been re-accepted into the pool.  Unlike a normal
// arrival, such transactions may have in-pool children, so the parent and
// child links and both aggregate directions are fixed up here.
//
// Ancestor limits are only evaluated during this fix-up pass: entries whose
// ancestor count or size now exceeds the passed limits are collected and
// then removed recursively, rather than rejected outright.
//
// The txids must be in the order the transactions were re-accepted.
//
// This function is safe for concurrent access.
func (mp *TxMempool) UpdateTransactionsFromBlock(
	txidsToUpdate []chainhash.Hash,
	ancestorSizeLimit, ancestorCountLimit int64) {

	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	descendantsToRemove := make(map[chainhash.Hash]struct{})
	cachedDescendants := make(map[chainhash.Hash]map[chainhash.Hash]*TxEntry)
	alreadyIncluded := make(map[chainhash.Hash]struct{}, len(txidsToUpdate))
	for i := range txidsToUpdate {
		alreadyIncluded[txidsToUpdate[i]] = struct{}{}
	}

	// Iterate in reverse so that when a transaction is processed, all of
	// its in-pool descendants from the update set already have been.
	for i := len(txidsToUpdate) - 1; i >= 0; i-- {
		txid := txidsToUpdate[i]
		entry, exists := mp.pool.get(&txid)
		if !exists {
			continue
		}

		// First reconnect the children: the next-output index knows
		// which pool transactions spend this one even though the
		// links were not established when they were added.
		guard := mp.epoch.guard()
		for outIdx := range entry.Tx().MsgTx().TxOut {
			prevOut := wire.OutPoint{
				Hash:  txid,
				Index: uint32(outIdx),
			}
			child, ok := mp.mapNextTx[prevOut]
			if !ok || mp.epoch.visited(child) {
				continue
			}
			if _, excluded := alreadyIncluded[*child.TxHash()]; excluded {
				continue
			}
			mp.updateChild(entry, child, true)
			mp.updateParent(child, entry, true)
		}
		guard.release()

		mp.updateForDescendants(entry, cachedDescendants,
			alreadyIncluded, descendantsToRemove,
			ancestorSizeLimit, ancestorCountLimit)
	}

	for txid := range descendantsToRemove {
		txid := txid
		if entry, exists := mp.pool.get(&txid); exists {
			mp.removeRecursive(entry.Tx(), RemovalReasonSizeLimit)
		}
	}
}

// updateForDescendants updates the descendant aggregates of updateEntry for
// all of its descendants that are not in setExclude, and each such
// descendant's ancestor aggregates to include updateEntry.  Descendant sets
// computed along the way are memoized in cachedDescendants so chains shared
// between several updated transactions are only walked once.  Descendants
// that now exceed the ancestor limits are recorded in descendantsToRemove.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxMempool) updateForDescendants(updateEntry *TxEntry,
	cachedDescendants map[chainhash.Hash]map[chainhash.Hash]*TxEntry,
	setExclude map[chainhash.Hash]struct{},
	descendantsToRemove map[chainhash.Hash]struct{},
	ancestorSizeLimit, ancestorCountLimit int64) {

	descendants := make(map[chainhash.Hash]*TxEntry)
	stage := make([]*TxEntry, 0, len(updateEntry.children))
	for _, child := range updateEntry.children {
		stage = append(stage, child)
	}
	for len(stage) > 0 {
		desc := stage[len(stage)-1]
		stage = stage[:len(stage)-1]
		if _, ok := descendants[*desc.TxHash()]; ok {
			continue
		}
		descendants[*desc.TxHash()] = desc
		for childHash, child := range desc.children {
			if cached, ok := cachedDescendants[childHash]; ok {
				// Already walked from this child, just splice
				// in its result.
				for hash, cachedEntry := range cached {
					descendants[hash] = cachedEntry
				}
			} else if _, ok := descendants[childHash]; !ok {
				stage = append(stage, child)
			}
		}
	}

	var (
		modifySize      int64
		modifyFee       btcutil.Amount
		modifyCount     int64
		modifySigChecks int64
	)
	cacheLine := make(map[chainhash.Hash]*TxEntry)
	for hash, desc := range descendants {
		if _, excluded := setExclude[hash]; excluded {
			continue
		}
		desc := desc
		modifySize += desc.TxSize()
		modifyFee += desc.ModifiedFee()
		modifyCount++
		modifySigChecks += desc.SigChecks()
		cacheLine[hash] = desc

		mp.pool.reindex(desc, func() {
			desc.updateAncestorState(updateEntry.TxSize(),
				updateEntry.ModifiedFee(), 1,
				updateEntry.SigChecks())
		})
		if desc.CountWithAncestors() > ancestorCountLimit ||
			desc.SizeWithAncestors() > ancestorSizeLimit {

			descendantsToRemove[hash] = struct{}{}
		}
	}
	if len(cacheLine) > 0 {
		cachedDescendants[*updateEntry.TxHash()] = cacheLine
	}

	mp.pool.reindex(updateEntry, func() {
		updateEntry.updateDescendantState(modifySize, modifyFee,
			modifyCount, modifySigChecks)
	})
}

// Expire removes every transaction, and its descendants, that entered the
// pool before the cutoff time.  It returns the number of transactions
// removed.
//
// This function is safe for concurrent access.
func (mp *TxMempool) Expire(cutoff time.Time) int {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	return mp.expire(cutoff)
}

// expire is the internal function which implements the public Expire.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxMempool) expire(cutoff time.Time) int {
	var toRemove []*TxEntry
	cutoffUnix := cutoff.Unix()
	mp.pool.forEachByEntryTime(func(entry *TxEntry) bool {
		if entry.Time() >= cutoffUnix {
			return false
		}
		toRemove = append(toRemove, entry)
		return true
	})
	if len(toRemove) == 0 {
		return 0
	}

	stage := make(map[chainhash.Hash]*TxEntry)
	guard := mp.epoch.guard()
	for _, entry := range toRemove {
		mp.calculateDescendants(entry, stage)
	}
	guard.release()
	mp.removeStaged(stage, false, RemovalReasonExpiry)
	return len(stage)
}

// TrimToSize evicts packages from the pool, worst descendant score first,
// until its dynamic memory usage is no more than sizeLimit.  Each evicted
// package raises the rolling minimum fee rate to its fee rate plus the
// incremental relay fee.
//
// When noSpendsRemaining is non-nil it is populated with the outpoints
// spent by evicted transactions that are not in the pool and now have no
// remaining spender in it.
//
// This function is safe for concurrent access.
func (mp *TxMempool) TrimToSize(sizeLimit int64,
	noSpendsRemaining *[]wire.OutPoint) {

	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	mp.trimToSize(sizeLimit, noSpendsRemaining)
}

// trimToSize is the internal function which implements the public
// TrimToSize.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxMempool) trimToSize(sizeLimit int64,
	noSpendsRemaining *[]wire.OutPoint) {

	txnRemoved := 0
	maxFeeRateRemoved := btcutil.Amount(0)
	for mp.pool.size() > 0 && mp.dynamicMemoryUsage() > sizeLimit {
		victim := mp.pool.minDescendantScore()

		// The fee rate the evicted package paid, plus the incremental
		// relay fee, becomes the new admission floor: anything paying
		// less than an evicted package would be evicted again.
		removedRate := feeRatePerKB(victim.ModFeesWithDescendants(),
			victim.SizeWithDescendants()) +
			mp.cfg.Policy.IncrementalRelayFee
		mp.trackPackageRemoved(removedRate)
		if removedRate > maxFeeRateRemoved {
			maxFeeRateRemoved = removedRate
		}

		stage := make(map[chainhash.Hash]*TxEntry)
		guard := mp.epoch.guard()
		mp.calculateDescendants(victim, stage)
		guard.release()
		txnRemoved += len(stage)

		var evicted []*btcutil.Tx
		if noSpendsRemaining != nil {
			for _, entry := range stage {
				evicted = append(evicted, entry.Tx())
			}
		}

		mp.removeStaged(stage, false, RemovalReasonSizeLimit)

		if noSpendsRemaining != nil {
			for _, tx := range evicted {
				for _, txIn := range tx.MsgTx().TxIn {
					prevOut := txIn.PreviousOutPoint
					if _, exists := mp.pool.get(&prevOut.Hash); exists {
						continue
					}
					if _, spent := mp.mapNextTx[prevOut]; !spent {
						*noSpendsRemaining = append(
							*noSpendsRemaining, prevOut)
					}
				}
			}
		}
	}

	if maxFeeRateRemoved > 0 {
		log.InfoS(context.Background(), "Trimmed pool to size",
			"removed_txns", txnRemoved,
			"fee_rate_floor", maxFeeRateRemoved)
	}
}

// LimitSize reduces the pool by first expiring entries older than age and
// then trimming to the byte limit.
//
// This function is safe for concurrent access.
func (mp *TxMempool) LimitSize(sizeLimit int64, age time.Duration) {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	expired := mp.expire(mp.now().Add(-age))
	if expired > 0 {
		log.Debugf("Expired %d transactions from the memory pool",
			expired)
	}
	mp.trimToSize(sizeLimit, nil)
}

// LimitPool reduces the pool using the configured maximum size and age.
//
// This function is safe for concurrent access.
func (mp *TxMempool) LimitPool() {
	mp.LimitSize(mp.cfg.Policy.MaxPoolSize,
		time.Duration(mp.cfg.Policy.MaxPoolExpiry)*time.Second)
}

// trackPackageRemoved raises the rolling minimum fee rate to the given
// package fee rate if it exceeds the current value.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxMempool) trackPackageRemoved(rate btcutil.Amount) {
	if float64(rate) > mp.rollingMinimumFeeRate {
		mp.rollingMinimumFeeRate = float64(rate)
		mp.blockSinceLastRollingFeeBump = false
	}
}

// GetMinFee returns the rolling minimum fee rate, in Satoshi/kB, required
// for a transaction to enter the pool.  The rate decays with a twelve hour
// half-life, quartered or halved when the pool is under a quarter or half
// of sizeLimit, and snaps to zero once below half the incremental relay
// fee.  It only begins decaying once a block has arrived after the last
// bump.
//
// This function is safe for concurrent access.
func (mp *TxMempool) GetMinFee(sizeLimit int64) btcutil.Amount {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	return mp.getMinFee(sizeLimit)
}

// getMinFee is the internal function which implements the public GetMinFee.
//
// This function MUST be called with the mempool lock held (for writes) as
// it updates the decay state.
func (mp *TxMempool) getMinFee(sizeLimit int64) btcutil.Amount {
	if !mp.blockSinceLastRollingFeeBump || mp.rollingMinimumFeeRate == 0 {
		return btcutil.Amount(math.Ceil(mp.rollingMinimumFeeRate))
	}

	now := mp.now().Unix()
	if now > mp.lastRollingFeeUpdate+10 {
		halflife := float64(RollingFeeHalflife)
		switch {
		case mp.dynamicMemoryUsage() < sizeLimit/4:
			halflife /= 4
		case mp.dynamicMemoryUsage() < sizeLimit/2:
			halflife /= 2
		}

		mp.rollingMinimumFeeRate /= math.Pow(2,
			float64(now-mp.lastRollingFeeUpdate)/halflife)
		mp.lastRollingFeeUpdate = now

		if mp.rollingMinimumFeeRate <
			float64(mp.cfg.Policy.IncrementalRelayFee)/2 {

			mp.rollingMinimumFeeRate = 0
			return 0
		}
	}

	rate := btcutil.Amount(math.Round(mp.rollingMinimumFeeRate))
	if rate < mp.cfg.Policy.IncrementalRelayFee {
		return mp.cfg.Policy.IncrementalRelayFee
	}
	return rate
}

// EstimateFee returns the fee rate, in Satoshi/kB, a new transaction should
// pay to be admitted: the greater of the configured minimum relay fee and
// the rolling minimum.
//
// This function is safe for concurrent access.
func (mp *TxMempool) EstimateFee() btcutil.Amount {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	rate := mp.getMinFee(mp.cfg.Policy.MaxPoolSize)
	if rate < mp.cfg.Policy.MinRelayTxFee {
		rate = mp.cfg.Policy.MinRelayTxFee
	}
	return rate
}

// PrioritiseTransaction adjusts the mining priority of a transaction by
// adding delta to its fee delta.  The adjustment is persisted by txid and
// applies when the transaction later arrives if it is not currently in the
// pool.  Relay ordering is unaffected.
//
// This function is safe for concurrent access.
func (mp *TxMempool) PrioritiseTransaction(txHash *chainhash.Hash,
	delta btcutil.Amount) {

	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	newDelta := mp.mapDeltas[*txHash] + delta
	mp.mapDeltas[*txHash] = newDelta

	if entry, exists := mp.pool.get(txHash); exists {
		mp.pool.reindex(entry, func() {
			entry.updateFeeDelta(newDelta)
		})

		// Fold the adjustment into the descendant aggregates of every
		// ancestor and the ancestor aggregates of every descendant.
		ancestors, _ := mp.calculateMemPoolAncestors(entry, noLimit,
			noLimit, noLimit, noLimit, false)
		for _, ancestor := range ancestors {
			ancestor := ancestor
			mp.pool.reindex(ancestor, func() {
				ancestor.updateDescendantState(0, delta, 0, 0)
			})
		}

		descendants := make(map[chainhash.Hash]*TxEntry)
		guard := mp.epoch.guard()
		mp.calculateDescendants(entry, descendants)
		guard.release()
		delete(descendants, *txHash)
		for _, desc := range descendants {
			desc := desc
			mp.pool.reindex(desc, func() {
				desc.updateAncestorState(0, delta, 0, 0)
			})
		}

		mp.transactionsUpdated.Add(1)
	}

	log.Infof("Priority for transaction %v updated, new delta: %v",
		txHash, newDelta)
}

// ApplyDelta returns the passed fee adjusted by any prioritisation delta
// registered for the txid.
//
// This function is safe for concurrent access.
func (mp *TxMempool) ApplyDelta(txHash *chainhash.Hash,
	fee btcutil.Amount) btcutil.Amount {

	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	return fee + mp.mapDeltas[*txHash]
}

// ClearPrioritisation removes any prioritisation delta registered for the
// txid.
//
// This function is safe for concurrent access.
func (mp *TxMempool) ClearPrioritisation(txHash *chainhash.Hash) {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	mp.clearPrioritisation(txHash)
}

// clearPrioritisation is the internal function which implements the public
// ClearPrioritisation.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxMempool) clearPrioritisation(txHash *chainhash.Hash) {
	delete(mp.mapDeltas, *txHash)
}

// Get returns the transaction for the given txid, or nil if it is not in
// the pool.
//
// This function is safe for concurrent access.
func (mp *TxMempool) Get(txHash *chainhash.Hash) *btcutil.Tx {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	entry, exists := mp.pool.get(txHash)
	if !exists {
		return nil
	}
	return entry.Tx()
}

// Exists returns whether the passed transaction exists in the pool.
//
// This function is safe for concurrent access.
func (mp *TxMempool) Exists(txHash *chainhash.Hash) bool {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	_, exists := mp.pool.get(txHash)
	return exists
}

// HaveTransaction returns whether the passed transaction exists in the
// pool.
//
// This function is safe for concurrent access.
func (mp *TxMempool) HaveTransaction(txHash *chainhash.Hash) bool {
	return mp.Exists(txHash)
}

// Info returns a snapshot of the entry for the given txid, or nil if it is
// not in the pool.
//
// This function is safe for concurrent access.
func (mp *TxMempool) Info(txHash *chainhash.Hash) *TxMempoolInfo {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	entry, exists := mp.pool.get(txHash)
	if !exists {
		return nil
	}
	return entryToInfo(entry)
}

func entryToInfo(entry *TxEntry) *TxMempoolInfo {
	return &TxMempoolInfo{
		Tx:          entry.Tx(),
		Time:        entry.Time(),
		Fee:         entry.Fee(),
		VirtualSize: entry.TxVirtualSize(),
		FeeDelta:    entry.FeeDelta(),
	}
}

// InfoAll returns a snapshot of every entry in the pool, ordered by
// ancestor depth and then score, the same order TxHashes uses.
//
// This function is safe for concurrent access.
func (mp *TxMempool) InfoAll() []*TxMempoolInfo {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	sorted := mp.sortedDepthAndScore()
	infos := make([]*TxMempoolInfo, 0, len(sorted))
	for _, entry := range sorted {
		infos = append(infos, entryToInfo(entry))
	}
	return infos
}

// sortedDepthAndScore returns all entries ordered first by the number of
// in-pool ancestors ascending, so parents relay before children, and then
// by the fee rate of the entry alone.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxMempool) sortedDepthAndScore() []*TxEntry {
	entries := make([]*TxEntry, 0, mp.pool.size())
	mp.pool.forEach(func(entry *TxEntry) bool {
		entries = append(entries, entry)
		return true
	})
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.CountWithAncestors() != b.CountWithAncestors() {
			return a.CountWithAncestors() < b.CountWithAncestors()
		}
		return compareEntryByScore(a, b) < 0
	})
	return entries
}

// TxHashes returns the ids of all pool transactions in relay order:
// ancestor depth first, then entry fee rate.
//
// This function is safe for concurrent access.
func (mp *TxMempool) TxHashes() []*chainhash.Hash {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	sorted := mp.sortedDepthAndScore()
	hashes := make([]*chainhash.Hash, 0, len(sorted))
	for _, entry := range sorted {
		hashCopy := *entry.TxHash()
		hashes = append(hashes, &hashCopy)
	}
	return hashes
}

// CompareDepthAndScore reports whether the first transaction should relay
// before the second: fewer in-pool ancestors first, then the higher entry
// fee rate.  A transaction missing from the pool sorts last.
//
// This function is safe for concurrent access.
func (mp *TxMempool) CompareDepthAndScore(txHashA,
	txHashB *chainhash.Hash) bool {

	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	entryA, existsA := mp.pool.get(txHashA)
	if !existsA {
		return false
	}
	entryB, existsB := mp.pool.get(txHashB)
	if !existsB {
		return true
	}
	if entryA.CountWithAncestors() != entryB.CountWithAncestors() {
		return entryA.CountWithAncestors() < entryB.CountWithAncestors()
	}
	return compareEntryByScore(entryA, entryB) < 0
}

// Count returns the number of transactions in the pool.
//
// This function is safe for concurrent access.
func (mp *TxMempool) Count() int {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	return mp.pool.size()
}

// TotalTxSize returns the sum of the serialized sizes of all pool
// transactions.
//
// This function is safe for concurrent access.
func (mp *TxMempool) TotalTxSize() int64 {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	return mp.totalTxSize
}

// TotalFee returns the sum of the base fees of all pool transactions,
// without prioritisation deltas.
//
// This function is safe for concurrent access.
func (mp *TxMempool) TotalFee() btcutil.Amount {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	return mp.totalFee
}

// DynamicMemoryUsage returns an estimate of the total memory held by pool
// entries.
//
// This function is safe for concurrent access.
func (mp *TxMempool) DynamicMemoryUsage() int64 {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	return mp.dynamicMemoryUsage()
}

// dynamicMemoryUsage is the internal function which implements the public
// DynamicMemoryUsage.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxMempool) dynamicMemoryUsage() int64 {
	return mp.innerUsage
}

// HasNoInputsOf returns whether none of the transaction's inputs spend a
// pool transaction, meaning it does not depend on the pool to be mined.
//
// This function is safe for concurrent access.
func (mp *TxMempool) HasNoInputsOf(tx *btcutil.Tx) bool {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	for _, txIn := range tx.MsgTx().TxIn {
		if _, exists := mp.pool.get(&txIn.PreviousOutPoint.Hash); exists {
			return false
		}
	}
	return true
}

// GetConflictTx returns the pool transaction spending the given outpoint,
// or nil when the outpoint is unspent by the pool.
//
// This function is safe for concurrent access.
func (mp *TxMempool) GetConflictTx(prevOut wire.OutPoint) *btcutil.Tx {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	entry, exists := mp.mapNextTx[prevOut]
	if !exists {
		return nil
	}
	return entry.Tx()
}

// IsSpent returns whether the given outpoint is spent by a pool
// transaction.
//
// This function is safe for concurrent access.
func (mp *TxMempool) IsSpent(prevOut wire.OutPoint) bool {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	_, exists := mp.mapNextTx[prevOut]
	return exists
}

// GetTransactionAncestry returns the ancestor count of the given
// transaction, including itself; the largest descendant count, each
// including the root itself, over its parentless in-pool ancestors (the
// transaction itself when it has no in-pool parents); and the total size
// and modified fees of the ancestor set.  All values are zero when the
// transaction is not in the pool.
//
// This function is safe for concurrent access.
func (mp *TxMempool) GetTransactionAncestry(txHash *chainhash.Hash) (int64,
	int64, int64, btcutil.Amount) {

	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	entry, exists := mp.pool.get(txHash)
	if !exists {
		return 0, 0, 0, 0
	}
	return entry.CountWithAncestors(),
		mp.calculateDescendantMaximum(entry),
		entry.SizeWithAncestors(), entry.ModFeesWithAncestors()
}

// calculateDescendantMaximum returns the maximum descendant count over the
// parentless ancestors of the entry, which is the number of pool
// transactions tied to it from above.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxMempool) calculateDescendantMaximum(entry *TxEntry) int64 {
	var maximum int64
	counted := make(map[chainhash.Hash]struct{})
	candidates := []*TxEntry{entry}
	for len(candidates) > 0 {
		candidate := candidates[len(candidates)-1]
		candidates = candidates[:len(candidates)-1]
		if _, ok := counted[*candidate.TxHash()]; ok {
			continue
		}
		counted[*candidate.TxHash()] = struct{}{}
		if len(candidate.parents) == 0 {
			if candidate.CountWithDescendants() > maximum {
				maximum = candidate.CountWithDescendants()
			}
			continue
		}
		for _, parent := range candidate.parents {
			candidates = append(candidates, parent)
		}
	}
	return maximum
}

// MiningDescs returns a descriptor for every pool transaction in ancestor
// score order, best package heads first, which is the order the block
// template builder consumes greedily.
//
// This function is safe for concurrent access.
func (mp *TxMempool) MiningDescs() []*TxDesc {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	descs := make([]*TxDesc, 0, mp.pool.size())
	mp.pool.forEachByAncestorScore(func(entry *TxEntry) bool {
		descs = append(descs, &TxDesc{
			Tx:            entry.Tx(),
			Added:         time.Unix(entry.Time(), 0),
			Height:        entry.Height(),
			Fee:           entry.Fee(),
			FeePerKB:      feeRatePerKB(entry.Fee(), entry.TxSize()),
			AncestorCount: entry.CountWithAncestors(),
			AncestorSize:  entry.SizeWithAncestors(),
			AncestorFees:  entry.ModFeesWithAncestors(),
		})
		return true
	})
	return descs
}

// LastUpdated returns the last time a transaction was added to or removed
// from the pool.
//
// This function is safe for concurrent access.
func (mp *TxMempool) LastUpdated() time.Time {
	return time.Unix(mp.lastUpdated.Load(), 0)
}

// GetTransactionsUpdated returns the update counter, which is bumped on
// every insertion and removal.  The block template builder polls it to
// invalidate its cache.
//
// This function is safe for concurrent access.
func (mp *TxMempool) GetTransactionsUpdated() uint32 {
	return mp.transactionsUpdated.Load()
}

// AddTransactionsUpdated adds n to the update counter.
//
// This function is safe for concurrent access.
func (mp *TxMempool) AddTransactionsUpdated(n uint32) {
	mp.transactionsUpdated.Add(n)
}

// AddUnbroadcastTx adds the txid to the unbroadcast set if the transaction
// is in the pool.
//
// This function is safe for concurrent access.
func (mp *TxMempool) AddUnbroadcastTx(txHash *chainhash.Hash) {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	if _, exists := mp.pool.get(txHash); exists {
		mp.unbroadcast[*txHash] = struct{}{}
	}
}

// RemoveUnbroadcastTx removes the txid from the unbroadcast set, typically
// because the transaction was seen returning through the relay path or was
// proved included in a block.
//
// This function is safe for concurrent access.
func (mp *TxMempool) RemoveUnbroadcastTx(txHash *chainhash.Hash) {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	if _, exists := mp.unbroadcast[*txHash]; exists {
		log.Debugf("Removed %v from set of unbroadcast transactions",
			txHash)
		delete(mp.unbroadcast, *txHash)
	}
}

// GetUnbroadcastTxs returns a copy of the unbroadcast set.
//
// This function is safe for concurrent access.
func (mp *TxMempool) GetUnbroadcastTxs() map[chainhash.Hash]struct{} {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	set := make(map[chainhash.Hash]struct{}, len(mp.unbroadcast))
	for txHash := range mp.unbroadcast {
		set[txHash] = struct{}{}
	}
	return set
}

// IsUnbroadcastTx returns whether the txid is in the unbroadcast set.
//
// This function is safe for concurrent access.
func (mp *TxMempool) IsUnbroadcastTx(txHash *chainhash.Hash) bool {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	_, exists := mp.unbroadcast[*txHash]
	return exists
}

// IsLoaded returns whether the startup loader has finished feeding the
// pool.
//
// This function is safe for concurrent access.
func (mp *TxMempool) IsLoaded() bool {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	return mp.isLoaded
}

// SetIsLoaded sets the loaded state.
//
// This function is safe for concurrent access.
func (mp *TxMempool) SetIsLoaded(loaded bool) {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	mp.isLoaded = loaded
}

// Clear removes every entry from the pool and resets the accounting and
// the rolling fee state.  Prioritisation deltas are kept since they apply
// to future arrivals.
//
// This function is safe for concurrent access.
func (mp *TxMempool) Clear() {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	mp.pool = newIndexedTxSet()
	mp.mapNextTx = make(map[wire.OutPoint]*TxEntry)
	mp.unbroadcast = make(map[chainhash.Hash]struct{})
	mp.totalTxSize = 0
	mp.totalFee = 0
	mp.innerUsage = 0
	mp.lastRollingFeeUpdate = mp.now().Unix()
	mp.blockSinceLastRollingFeeBump = false
	mp.rollingMinimumFeeRate = 0
	mp.transactionsUpdated.Add(1)
}

// Check audits every pool invariant from scratch: parent and child set
// symmetry against the transaction inputs, ancestor and descendant
// aggregate sums, next-output index bijectivity, input availability in the
// pool or the passed view, and the global totals.  It panics on the first
// violation.
//
// The audit is quadratic in the pool size, so it only runs one call in
// CheckRatio, and never when CheckRatio is zero.
//
// This function is safe for concurrent access.
func (mp *TxMempool) Check(view CoinsView, spendHeight int32) {
	if mp.cfg.CheckRatio <= 0 {
		return
	}
	if rand.Intn(mp.cfg.CheckRatio) >= 1 {
		return
	}

	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	log.Debugf("Checking mempool with %d transactions and %d deltas",
		mp.pool.size(), len(mp.mapDeltas))

	var (
		checkTotalSize int64
		checkTotalFee  btcutil.Amount
		checkUsage     int64
	)
	mp.pool.forEach(func(entry *TxEntry) bool {
		txHash := entry.TxHash()
		checkTotalSize += entry.TxSize()
		checkTotalFee += entry.Fee()
		checkUsage += entry.DynamicMemoryUsage()

		if entry.CountWithAncestors() < 1 ||
			entry.CountWithDescendants() < 1 {

			panic(fmt.Sprintf("mempool check: entry %v has "+
				"non-self-inclusive aggregates", txHash))
		}

		// The parent set must be exactly the in-pool transactions
		// referenced by the inputs, and every input must be spendable
		// from the pool or the view.
		parentCheck := make(map[chainhash.Hash]struct{})
		for _, txIn := range entry.Tx().MsgTx().TxIn {
			prevOut := txIn.PreviousOutPoint
			if parent, exists := mp.pool.get(&prevOut.Hash); exists {
				if int(prevOut.Index) >= len(parent.Tx().MsgTx().TxOut) {
					panic(fmt.Sprintf("mempool check: %v "+
						"spends nonexistent output %v",
						txHash, prevOut))
				}
				parentCheck[*parent.TxHash()] = struct{}{}
			} else if view != nil {
				coin := view.GetCoin(prevOut)
				if coin == nil || coin.IsSpent() {
					panic(fmt.Sprintf("mempool check: %v "+
						"input %v unavailable", txHash,
						prevOut))
				}
				if coin.IsCoinBase() {
					if !entry.SpendsCoinbase() {
						panic(fmt.Sprintf("mempool "+
							"check: %v spends "+
							"coinbase %v without "+
							"the flag set", txHash,
							prevOut))
					}
					if spendHeight <= coin.BlockHeight() {
						panic(fmt.Sprintf("mempool "+
							"check: %v spends "+
							"immature coinbase %v",
							txHash, prevOut))
					}
				}
			}
			spender, exists := mp.mapNextTx[prevOut]
			if !exists || spender != entry {
				panic(fmt.Sprintf("mempool check: next-output "+
					"index missing %v spent by %v", prevOut,
					txHash))
			}
		}
		if len(parentCheck) != len(entry.parents) {
			panic(fmt.Sprintf("mempool check: parent set mismatch "+
				"for %v", txHash))
		}
		for parentHash := range parentCheck {
			parent, ok := entry.parents[parentHash]
			if !ok {
				panic(fmt.Sprintf("mempool check: missing "+
					"parent link %v -> %v", txHash,
					parentHash))
			}
			if _, ok := parent.children[*txHash]; !ok {
				panic(fmt.Sprintf("mempool check: asymmetric "+
					"edge %v -> %v", parentHash, txHash))
			}
		}

		// Recompute the ancestor aggregates from scratch.
		ancestors, err := mp.calculateMemPoolAncestors(entry, noLimit,
			noLimit, noLimit, noLimit, true)
		if err != nil {
			panic(fmt.Sprintf("mempool check: ancestor walk of %v "+
				"failed: %v", txHash, err))
		}
		var (
			ancestorCount     = int64(1)
			ancestorSize      = entry.TxSize()
			ancestorFees      = entry.ModifiedFee()
			ancestorSigChecks = entry.SigChecks()
		)
		for _, ancestor := range ancestors {
			ancestorCount++
			ancestorSize += ancestor.TxSize()
			ancestorFees += ancestor.ModifiedFee()
			ancestorSigChecks += ancestor.SigChecks()
		}
		if ancestorCount != entry.CountWithAncestors() ||
			ancestorSize != entry.SizeWithAncestors() ||
			ancestorFees != entry.ModFeesWithAncestors() ||
			ancestorSigChecks != entry.SigChecksWithAncestors() {

			panic(fmt.Sprintf("mempool check: ancestor aggregates "+
				"of %v inconsistent", txHash))
		}

		// The child set must be exactly the pool transactions
		// spending this entry's outputs.
		childCheck := make(map[chainhash.Hash]struct{})
		for i := range entry.Tx().MsgTx().TxOut {
			prevOut := wire.OutPoint{Hash: *txHash, Index: uint32(i)}
			if child, exists := mp.mapNextTx[prevOut]; exists {
				childCheck[*child.TxHash()] = struct{}{}
				if _, ok := entry.children[*child.TxHash()]; !ok {
					panic(fmt.Sprintf("mempool check: "+
						"missing child link %v -> %v",
						txHash, child.TxHash()))
				}
			}
		}
		if len(childCheck) != len(entry.children) {
			panic(fmt.Sprintf("mempool check: child set mismatch "+
				"for %v", txHash))
		}

		// Recompute the descendant aggregates from scratch.
		descendants := make(map[chainhash.Hash]*TxEntry)
		walk := []*TxEntry{entry}
		for len(walk) > 0 {
			cur := walk[len(walk)-1]
			walk = walk[:len(walk)-1]
			if _, ok := descendants[*cur.TxHash()]; ok {
				continue
			}
			descendants[*cur.TxHash()] = cur
			for _, child := range cur.children {
				walk = append(walk, child)
			}
		}
		var (
			descCount     int64
			descSize      int64
			descFees      btcutil.Amount
			descSigChecks int64
		)
		for _, desc := range descendants {
			descCount++
			descSize += desc.TxSize()
			descFees += desc.ModifiedFee()
			descSigChecks += desc.SigChecks()
		}
		if descCount != entry.CountWithDescendants() ||
			descSize != entry.SizeWithDescendants() ||
			descFees != entry.ModFeesWithDescendants() ||
			descSigChecks != entry.SigChecksWithDescendants() {

			panic(fmt.Sprintf("mempool check: descendant "+
				"aggregates of %v inconsistent", txHash))
		}

		return true
	})

	// Every next-output mapping must point at a pool transaction that
	// actually spends the outpoint.
	for prevOut, entry := range mp.mapNextTx {
		if _, exists := mp.pool.get(entry.TxHash()); !exists {
			panic(fmt.Sprintf("mempool check: next-output index "+
				"references evicted transaction %v",
				entry.TxHash()))
		}
		found := false
		for _, txIn := range entry.Tx().MsgTx().TxIn {
			if txIn.PreviousOutPoint == prevOut {
				found = true
				break
			}
		}
		if !found {
			panic(fmt.Sprintf("mempool check: stale next-output "+
				"mapping %v -> %v", prevOut, entry.TxHash()))
		}
	}

	if checkTotalSize != mp.totalTxSize || checkTotalFee != mp.totalFee ||
		checkUsage != mp.innerUsage {

		panic(fmt.Sprintf("mempool check: totals inconsistent "+
			"(size %d/%d, fee %d/%d, usage %d/%d)", checkTotalSize,
			mp.totalTxSize, checkTotalFee, mp.totalFee, checkUsage,
			mp.innerUsage))
	}
}
