// Copyright (c) 2019-2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"sync/atomic"
)

// CheckInputsLimiter is a shared budget for parallel input script checks.
// Each worker subtracts the signature checks it performed; once the budget
// goes negative the overall check has failed and all workers observe it.
// The pool itself runs no script checks, it only supplies the abstraction
// to the validation code layered above it.
type CheckInputsLimiter struct {
	remaining atomic.Int64
}

// NewCheckInputsLimiter returns a limiter with the given signature check
// budget.
func NewCheckInputsLimiter(limit int64) *CheckInputsLimiter {
	l := &CheckInputsLimiter{}
	l.remaining.Store(limit)
	return l
}

// ConsumeAndCheck subtracts the consumed amount from the remaining budget
// and reports whether the budget is still non-negative.
func (l *CheckInputsLimiter) ConsumeAndCheck(consumed int64) bool {
	return l.remaining.Add(-consumed) >= 0
}

// Check reports whether the budget is still non-negative without consuming
// any of it.
func (l *CheckInputsLimiter) Check() bool {
	return l.remaining.Load() >= 0
}

// NewTxSigCheckLimiter returns a limiter preloaded with the per-transaction
// signature check budget.
func NewTxSigCheckLimiter() *CheckInputsLimiter {
	return NewCheckInputsLimiter(MaxTxSigChecks)
}

// NewDisabledTxSigCheckLimiter returns a limiter that no real transaction
// can exhaust.  There has never been a transaction anywhere near 20000
// signature checks on mainnet, so this effectively disables the limit.
func NewDisabledTxSigCheckLimiter() *CheckInputsLimiter {
	return NewCheckInputsLimiter(20000)
}
