// Copyright (c) 2020-2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

// epoch is a generation counter shared by all graph traversals of a pool.
// Each traversal opens a guard, which bumps the generation, and then marks
// entries with the current generation as it touches them.  This replaces the
// per-traversal allocation of a visited set: an entry whose marker matches
// the current generation has already been seen by the active traversal.
//
// The epoch is guarded by the pool mutex and guards do not nest.
type epoch struct {
	raw     uint64
	guarded bool
}

// epochGuard is a scoped acquisition of the epoch.  It must be released on
// every exit path of the traversal that opened it.
type epochGuard struct {
	e *epoch
}

// guard opens a new traversal generation.  It panics if a guard is already
// active since interleaved traversals would corrupt each other's visited
// markers.
func (e *epoch) guard() epochGuard {
	if e.guarded {
		panic("mempool: nested epoch guard")
	}
	e.raw++
	e.guarded = true
	return epochGuard{e: e}
}

// release closes the traversal generation opened by guard.
func (g epochGuard) release() {
	g.e.guarded = false
}

// visited marks the given entry as traversed during the lifetime of the
// currently active guard and reports whether it had already been traversed.
// It panics if no guard is active.
func (e *epoch) visited(entry *TxEntry) bool {
	if !e.guarded {
		panic("mempool: visited called without an active epoch guard")
	}
	if entry.epochMarker == e.raw {
		return true
	}
	entry.epochMarker = e.raw
	return false
}
