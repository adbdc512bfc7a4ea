// Copyright (c) 2013-2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	rbt "github.com/emirpasic/gods/trees/redblacktree"
)

// indexedTxSet owns the set of pool entries and keeps them simultaneously
// ordered by descendant score, entry time, and ancestor score, next to the
// primary hash index.  The ordered indexes are red-black trees keyed by the
// entry itself using comparators that end in a txid tie break, so every
// entry occupies exactly one slot per tree.
//
// Mutating any field that participates in an ordering must go through
// reindex so the trees are removed from and reinserted into atomically;
// mutating an entry in place while it sits in a tree silently corrupts the
// ordering.
type indexedTxSet struct {
	byHash            map[chainhash.Hash]*TxEntry
	byDescendantScore *rbt.Tree
	byEntryTime       *rbt.Tree
	byAncestorScore   *rbt.Tree
}

func entryComparator(compare func(a, b *TxEntry) int) func(a, b interface{}) int {
	return func(a, b interface{}) int {
		return compare(a.(*TxEntry), b.(*TxEntry))
	}
}

// newIndexedTxSet returns an empty indexed entry set.
func newIndexedTxSet() *indexedTxSet {
	return &indexedTxSet{
		byHash:            make(map[chainhash.Hash]*TxEntry),
		byDescendantScore: rbt.NewWith(entryComparator(compareEntryByDescendantScore)),
		byEntryTime:       rbt.NewWith(entryComparator(compareEntryByEntryTime)),
		byAncestorScore:   rbt.NewWith(entryComparator(compareEntryByAncestorScore)),
	}
}

// size returns the number of entries in the set.
func (s *indexedTxSet) size() int {
	return len(s.byHash)
}

// get returns the entry for the given txid, if present.
func (s *indexedTxSet) get(hash *chainhash.Hash) (*TxEntry, bool) {
	entry, exists := s.byHash[*hash]
	return entry, exists
}

// insert adds the entry to all indexes.  It is the caller's responsibility
// to have rejected duplicates beforehand; inserting a txid twice is a
// programming error.
func (s *indexedTxSet) insert(entry *TxEntry) {
	s.byHash[*entry.TxHash()] = entry
	s.byDescendantScore.Put(entry, nil)
	s.byEntryTime.Put(entry, nil)
	s.byAncestorScore.Put(entry, nil)
}

// erase removes the entry from all indexes.
func (s *indexedTxSet) erase(entry *TxEntry) {
	s.byDescendantScore.Remove(entry)
	s.byEntryTime.Remove(entry)
	s.byAncestorScore.Remove(entry)
	delete(s.byHash, *entry.TxHash())
}

// reindex applies mutate to the entry while it is detached from the score
// indexes, then reinserts it, keeping all orderings consistent with the
// mutated state.  mutate must not change the txid or the entry time.
func (s *indexedTxSet) reindex(entry *TxEntry, mutate func()) {
	s.byDescendantScore.Remove(entry)
	s.byAncestorScore.Remove(entry)
	mutate()
	s.byDescendantScore.Put(entry, nil)
	s.byAncestorScore.Put(entry, nil)
}

// forEachByDescendantScore walks entries ascending by descendant score,
// eviction victims first, until fn returns false.  The walk is not
// restartable across mutations.
func (s *indexedTxSet) forEachByDescendantScore(fn func(*TxEntry) bool) {
	it := s.byDescendantScore.Iterator()
	for it.Next() {
		if !fn(it.Key().(*TxEntry)) {
			return
		}
	}
}

// forEachByEntryTime walks entries ascending by entry time until fn returns
// false.
func (s *indexedTxSet) forEachByEntryTime(fn func(*TxEntry) bool) {
	it := s.byEntryTime.Iterator()
	for it.Next() {
		if !fn(it.Key().(*TxEntry)) {
			return
		}
	}
}

// forEachByAncestorScore walks entries descending by ancestor score, best
// block template candidates first, until fn returns false.
func (s *indexedTxSet) forEachByAncestorScore(fn func(*TxEntry) bool) {
	it := s.byAncestorScore.Iterator()
	for it.Next() {
		if !fn(it.Key().(*TxEntry)) {
			return
		}
	}
}

// minDescendantScore returns the entry with the lowest descendant score, or
// nil when the set is empty.  This is the next size-limit eviction victim.
func (s *indexedTxSet) minDescendantScore() *TxEntry {
	node := s.byDescendantScore.Left()
	if node == nil {
		return nil
	}
	return node.Key.(*TxEntry)
}

// forEach walks the hash index in unspecified order until fn returns false.
func (s *indexedTxSet) forEach(fn func(*TxEntry) bool) {
	for _, entry := range s.byHash {
		if !fn(entry) {
			return
		}
	}
}
