// Copyright (c) 2016-2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"github.com/btcsuite/btcd/btcutil"
)

// RemovalReason identifies why a transaction was removed from the pool.  It
// is attached to every removal notification.
type RemovalReason int

const (
	// RemovalReasonExpiry indicates the transaction exceeded the maximum
	// pool age.
	RemovalReasonExpiry RemovalReason = iota

	// RemovalReasonSizeLimit indicates the transaction was evicted while
	// trimming the pool to its size limit.
	RemovalReasonSizeLimit

	// RemovalReasonReorg indicates the transaction was no longer valid
	// after a chain reorganization.
	RemovalReasonReorg

	// RemovalReasonBlock indicates the transaction was included in a
	// connected block.
	RemovalReasonBlock

	// RemovalReasonConflict indicates the transaction conflicted with a
	// transaction in a connected block.
	RemovalReasonConflict

	// RemovalReasonReplaced indicates the transaction was replaced by the
	// caller's replacement policy.
	RemovalReasonReplaced
)

// removalReasonStrings is a map of removal reasons back to their constant
// names for pretty printing.
var removalReasonStrings = map[RemovalReason]string{
	RemovalReasonExpiry:    "expiry",
	RemovalReasonSizeLimit: "sizelimit",
	RemovalReasonReorg:     "reorg",
	RemovalReasonBlock:     "block",
	RemovalReasonConflict:  "conflict",
	RemovalReasonReplaced:  "replaced",
}

// String returns the RemovalReason in human-readable form.
func (r RemovalReason) String() string {
	if s, ok := removalReasonStrings[r]; ok {
		return s
	}
	return "unknown"
}

// NotificationType represents the type of a notification message.
type NotificationType int

// NotificationCallback is used for a caller to provide a callback for
// notifications about various mempool events.
type NotificationCallback func(*Notification)

// Constants for the type of a notification message.
const (
	// NTTxAccepted indicates a transaction was added to the pool.
	NTTxAccepted NotificationType = iota

	// NTTxRemoved indicates a transaction was removed from the pool.
	NTTxRemoved
)

// notificationTypeStrings is a map of notification types back to their
// constant names for pretty printing.
var notificationTypeStrings = map[NotificationType]string{
	NTTxAccepted: "NTTxAccepted",
	NTTxRemoved:  "NTTxRemoved",
}

// String returns the NotificationType in human-readable form.
func (n NotificationType) String() string {
	if s, ok := notificationTypeStrings[n]; ok {
		return s
	}
	return "Unknown Notification Type"
}

// NTTxAcceptedData is the data associated with NTTxAccepted notifications.
type NTTxAcceptedData struct {
	// Tx is the accepted transaction.
	Tx *btcutil.Tx

	// Sequence is the pool sequence number assigned to the insertion.
	Sequence uint64
}

// NTTxRemovedData is the data associated with NTTxRemoved notifications.
// Within a batch removal, descendants are reported before their ancestors.
type NTTxRemovedData struct {
	// Tx is the removed transaction.
	Tx *btcutil.Tx

	// Reason identifies why the transaction was removed.
	Reason RemovalReason

	// Sequence is the pool sequence number assigned to the removal.
	Sequence uint64
}

// Notification defines a notification that is sent to the caller via the
// callback function provided during a call to Subscribe and consists of a
// notification type as well as associated data that depends on the type as
// follows:
//   - NTTxAccepted: *NTTxAcceptedData
//   - NTTxRemoved:  *NTTxRemovedData
//
// Callbacks run synchronously with the pool mutex held and must not call
// back into the pool.
type Notification struct {
	Type NotificationType
	Data interface{}
}

// Subscribe registers the callback to be invoked for every insertion into
// and removal from the pool.
func (mp *TxMempool) Subscribe(callback NotificationCallback) {
	mp.notificationsLock.Lock()
	mp.notifications = append(mp.notifications, callback)
	mp.notificationsLock.Unlock()
}

// sendNotification generates and sends a notification to all subscribers.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxMempool) sendNotification(typ NotificationType, data interface{}) {
	n := Notification{Type: typ, Data: data}
	mp.notificationsLock.RLock()
	for _, callback := range mp.notifications {
		callback(&n)
	}
	mp.notificationsLock.RUnlock()
}
