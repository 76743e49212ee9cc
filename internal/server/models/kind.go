// Package models defines the persisted data models of the transit queues.
package models

import "fmt"

// TransferKind identifies the operation an outbox item propagates to a peer.
// The set is closed; the delivery worker switches over it exhaustively.
type TransferKind int32

const (
	KindUnknown TransferKind = iota
	KindSaveFile
	KindUpdateFile
	KindDeleteFile
	KindAddReaction
	KindDeleteReaction
	KindReadReceipt
	KindPushNotification
)

var kindNames = map[TransferKind]string{
	KindSaveFile:         "save_file",
	KindUpdateFile:       "update_file",
	KindDeleteFile:       "delete_file",
	KindAddReaction:      "add_reaction",
	KindDeleteReaction:   "delete_reaction",
	KindReadReceipt:      "read_receipt",
	KindPushNotification: "push_notification",
}

func (k TransferKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", int32(k))
}

// Valid reports whether k is one of the closed set of transfer kinds.
func (k TransferKind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}
