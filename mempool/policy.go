// Copyright (c) 2013-2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"github.com/btcsuite/btcd/btcutil"
)

const (
	// DefaultAncestorLimit is the default maximum number of in-pool
	// ancestors a transaction may have, counting the transaction itself.
	DefaultAncestorLimit = 50

	// DefaultAncestorSizeLimit is the default maximum total size in bytes
	// of a transaction and all of its in-pool ancestors.
	DefaultAncestorSizeLimit = 101000

	// DefaultDescendantLimit is the default maximum number of in-pool
	// descendants any ancestor of a transaction may have, counting the
	// ancestor itself.
	DefaultDescendantLimit = 50

	// DefaultDescendantSizeLimit is the default maximum total size in
	// bytes of an ancestor and all of its in-pool descendants.
	DefaultDescendantSizeLimit = 101000

	// DefaultMinRelayTxFee is the minimum fee in satoshi that is required
	// for a transaction to be relayed.  It is also used as a base for
	// calculating minimum required fees for larger transactions.  This
	// value is in Satoshi/1000 bytes.
	DefaultMinRelayTxFee = btcutil.Amount(1000)

	// DefaultIncrementalRelayFee is the default fee rate increment, in
	// Satoshi/1000 bytes, used to bound the decay of the rolling minimum
	// fee rate and to compute the fee rate floor after an eviction.
	DefaultIncrementalRelayFee = btcutil.Amount(1000)

	// DefaultMaxPoolSize is the default maximum dynamic memory usage of
	// the pool in bytes before size-based trimming kicks in.
	DefaultMaxPoolSize = 300 * 1000 * 1000

	// DefaultMempoolExpiry is the default age in seconds after which pool
	// entries and their descendants are expired.
	DefaultMempoolExpiry = 336 * 60 * 60 // two weeks

	// defaultBytesPerSigCheck is the number of virtual bytes each
	// signature check accounts for when computing the virtual size of a
	// transaction, so that transactions dense in signature checks pay for
	// the verification cost they impose.
	defaultBytesPerSigCheck = 50

	// MaxTxSigChecks is the maximum number of signature checks a single
	// transaction may perform.
	MaxTxSigChecks = 3000
)

// GetVirtualTransactionSize returns the virtual size for the given raw
// serialized size and signature check count.  The virtual size is the
// greater of the raw size and the size implied by the signature check
// density.
func GetVirtualTransactionSize(size, sigChecks int64) int64 {
	if vsize := sigChecks * defaultBytesPerSigCheck; vsize > size {
		return vsize
	}
	return size
}

// calcMinRequiredTxRelayFee returns the minimum transaction fee required for
// a transaction with the passed serialized size to be accepted into the
// memory pool and relayed.
func calcMinRequiredTxRelayFee(serializedSize int64, minRelayTxFee btcutil.Amount) int64 {
	// Calculate the minimum fee for a transaction to be allowed into the
	// mempool and relayed by scaling the base fee.  minRelayTxFee is in
	// Satoshi/kB so multiply by serializedSize (which is in bytes) and
	// divide by 1000 to get minimum Satoshis.
	minFee := (serializedSize * int64(minRelayTxFee)) / 1000

	if minFee == 0 && minRelayTxFee > 0 {
		minFee = int64(minRelayTxFee)
	}

	// Set the minimum fee to the maximum possible value if the calculated
	// fee is not in the valid range for monetary amounts.
	if minFee < 0 || minFee > btcutil.MaxSatoshi {
		minFee = btcutil.MaxSatoshi
	}

	return minFee
}

// feeRatePerKB returns the fee rate in Satoshi/kB implied by the given fee
// and size.  A zero size yields a zero rate.
func feeRatePerKB(fee btcutil.Amount, size int64) btcutil.Amount {
	if size == 0 {
		return 0
	}
	return btcutil.Amount(int64(fee) * 1000 / size)
}

// Policy houses the policy (configuration parameters) which is used to
// control the mempool.
type Policy struct {
	// LimitAncestorCount is the maximum number of transactions, including
	// itself, a new entry may have as in-pool ancestors.
	LimitAncestorCount int64

	// LimitAncestorSize is the maximum total size in bytes of a new entry
	// together with its in-pool ancestors.
	LimitAncestorSize int64

	// LimitDescendantCount is the maximum number of in-pool descendants,
	// including itself, any ancestor of a new entry may end up with.
	LimitDescendantCount int64

	// LimitDescendantSize is the maximum total size in bytes of any
	// ancestor of a new entry together with its in-pool descendants.
	LimitDescendantSize int64

	// MaxPoolSize is the maximum dynamic memory usage of the pool in
	// bytes enforced by TrimToSize via LimitSize.
	MaxPoolSize int64

	// MaxPoolExpiry is the maximum age in seconds of pool entries
	// enforced by Expire via LimitSize.
	MaxPoolExpiry int64

	// MinRelayTxFee is the configured minimum relay fee rate in
	// Satoshi/1000 bytes.  It acts as the static admission floor;
	// EstimateFee returns the greater of it and the rolling minimum.
	MinRelayTxFee btcutil.Amount

	// IncrementalRelayFee is the fee rate increment in Satoshi/1000
	// bytes.  The rolling minimum fee rate snaps to zero once it decays
	// below half this value, which bounds how long the floor takes to
	// return to zero.
	IncrementalRelayFee btcutil.Amount
}
