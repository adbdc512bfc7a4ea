// Copyright (c) 2016-2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// testClock is a manually advanced time source so expiry and fee decay can
// be driven deterministically.
type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000000, 0)}
}

func (c *testClock) time() time.Time {
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

// poolHarness provides a pool instance with a controllable clock plus
// helpers for fabricating spend chains.
type poolHarness struct {
	t           *testing.T
	clock       *testClock
	mp          *TxMempool
	outpointSeq uint32
}

func newPoolHarness(t *testing.T) *poolHarness {
	return newPoolHarnessWithPolicy(t, DefaultPolicy())
}

func newPoolHarnessWithPolicy(t *testing.T, policy Policy) *poolHarness {
	clock := newTestClock()
	mp := New(&Config{
		Policy:     policy,
		CheckRatio: 1,
		TimeSource: clock.time,
	})
	return &poolHarness{t: t, clock: clock, mp: mp}
}

// confirmedOutPoint returns a unique outpoint standing in for a confirmed
// coin.
func (p *poolHarness) confirmedOutPoint() wire.OutPoint {
	p.outpointSeq++
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], p.outpointSeq)
	return wire.OutPoint{
		Hash:  chainhash.DoubleHashH(buf[:]),
		Index: 0,
	}
}

// createTx returns a transaction spending the given outpoints with the
// requested number of outputs.
func (p *poolHarness) createTx(inputs []wire.OutPoint, numOutputs int) *btcutil.Tx {
	msgTx := wire.NewMsgTx(wire.TxVersion)
	for i := range inputs {
		msgTx.AddTxIn(wire.NewTxIn(&inputs[i], nil, nil))
	}
	for i := 0; i < numOutputs; i++ {
		pkScript := make([]byte, 25)
		pkScript[0] = byte(i)
		msgTx.AddTxOut(wire.NewTxOut(int64(5000), pkScript))
	}
	return btcutil.NewTx(msgTx)
}

// spendTx returns a transaction spending the given output of another
// transaction.
func (p *poolHarness) spendTx(parent *btcutil.Tx, outIdx uint32,
	numOutputs int) *btcutil.Tx {

	return p.createTx([]wire.OutPoint{{
		Hash:  *parent.Hash(),
		Index: outIdx,
	}}, numOutputs)
}

// newEntry wraps a transaction into a pool entry with the given fee.
func (p *poolHarness) newEntry(tx *btcutil.Tx, fee btcutil.Amount) *TxEntry {
	return NewTxEntry(tx, fee, p.clock.now.Unix(), 100, false, 1,
		LockPoints{})
}

// addTx submits a transaction with the given fee and requires acceptance.
func (p *poolHarness) addTx(tx *btcutil.Tx, fee btcutil.Amount) *TxEntry {
	p.t.Helper()
	entry := p.newEntry(tx, fee)
	require.NoError(p.t, p.mp.AcceptTransaction(entry))
	return entry
}

// createCoinbaseTx returns a transaction with the canonical coinbase input.
func createCoinbaseTx() *btcutil.Tx {
	msgTx := wire.NewMsgTx(wire.TxVersion)
	prevOut := wire.OutPoint{Index: wire.MaxPrevOutIndex}
	msgTx.AddTxIn(wire.NewTxIn(&prevOut, []byte{0x01, 0x02}, nil))
	msgTx.AddTxOut(wire.NewTxOut(50e8, make([]byte, 25)))
	return btcutil.NewTx(msgTx)
}

// requireRejectCode asserts that err is a RuleError carrying the given
// reject code.
func requireRejectCode(t *testing.T, err error, code wire.RejectCode) {
	t.Helper()
	require.Error(t, err)
	gotCode, found := extractRejectCode(err)
	require.True(t, found, "no reject code in %v", err)
	require.Equal(t, code, gotCode)
}
