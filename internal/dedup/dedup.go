// Package dedup suppresses repeated envelopes. It turns an at-least-once
// upstream into at-most-once admission per (deviceId, messageId) within a
// retention window. It is an idempotency filter, not an ordering or counting
// mechanism.
package dedup

import (
	"context"
	"encoding/base64"
	"strconv"
	"time"
)

// Defaults: half a million keys retained for two days.
const (
	DefaultCapacity = 500_000
	DefaultTTL      = 48 * time.Hour
)

// Key identifies a message for duplicate suppression. Sequence and timestamp
// are not part of it: retransmissions may reorder.
type Key struct {
	DeviceID  string
	MessageID string // base64 of the 16-byte message id
}

// NewKey builds a Key from a device id and raw message id.
func NewKey(deviceID string, messageID []byte) Key {
	return Key{DeviceID: deviceID, MessageID: base64.StdEncoding.EncodeToString(messageID)}
}

// String renders the key as deviceId:base64(messageId).
func (k Key) String() string {
	return k.DeviceID + ":" + k.MessageID
}

// Position names the upstream record that claims a key, as
// topic/partition/offset.
func Position(topic string, partition int32, offset int64) string {
	return topic + "/" + strconv.FormatInt(int64(partition), 10) + "/" + strconv.FormatInt(offset, 10)
}

// Cache is an atomic check-and-mark filter. CheckAndMark reports whether key
// is already held by another claim and, if it is free, records claim as its
// holder. Of any number of concurrent callers with the same key and distinct
// claims, at most one observes seen == false.
//
// A caller presenting the claim that already holds the key is the same
// upstream record read again before its offset was committed, and observes
// seen == false. An empty claim never matches.
type Cache interface {
	CheckAndMark(ctx context.Context, key Key, claim string) (seen bool, err error)
}

func heldBy(holder, claim string) bool {
	return claim != "" && holder == claim
}
