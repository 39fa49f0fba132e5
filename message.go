package relay

import (
	"strings"
	"time"
)

// RawPayload is a message body that has already been serialized to a valid
// JSON fragment. The response encoder writes it to the wire verbatim, with no
// quoting or escaping, so anything placed in a RawPayload must be well-formed
// JSON. Use NewRawPayload to produce one from an arbitrary value.
type RawPayload string

// NewRawPayload serializes v once with the given codec and wraps the result.
// This is the pre-serialization step: a payload published to many connections
// is encoded a single time and then embedded into each response as-is.
func NewRawPayload(v any, codec Codec) (RawPayload, error) {
	data, err := codec.Encode(v)
	if err != nil {
		return "", err
	}
	return RawPayload(data), nil
}

// Message is a single entry in the message store. Messages are immutable once
// added to a store and are shared read-only between all response cycles that
// observe them.
type Message struct {
	// ID is the store sequence number, assigned by MessageStore.Add.
	ID uint64

	// Key is the delivery signal: KeyBroadcast, a connection key, or a
	// group key.
	Key string

	// Source is the ID of the connection that published the message, or
	// empty for server-originated messages.
	Source string

	// Command marks server-internal control messages (group membership
	// changes, forced disconnects). Command messages are consumed by the
	// hub and are never written to a client.
	Command bool

	Payload   RawPayload
	CreatedAt time.Time
}

// KeyBroadcast addresses a message to every connection.
const KeyBroadcast = "*"

const (
	connectionKeyPrefix = "c:"
	groupKeyPrefix      = "g:"
)

// ConnectionKey returns the delivery key that addresses a single connection.
func ConnectionKey(connectionID string) string {
	return connectionKeyPrefix + connectionID
}

// GroupKey returns the delivery key that addresses all members of a group.
func GroupKey(group string) string {
	return groupKeyPrefix + group
}

// GroupFromKey returns the group name for a group delivery key, or false if
// the key does not address a group.
func GroupFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, groupKeyPrefix) {
		return "", false
	}
	return key[len(groupKeyPrefix):], true
}

// ExcludeFunc reports whether a message should be left out of an encoded
// response. It is evaluated once per visited message during an encode and
// must not mutate the message or the envelope.
type ExcludeFunc func(*Message) bool

// ExcludeSource returns an ExcludeFunc that skips messages published by the
// given connection, so a client does not receive its own messages back.
func ExcludeSource(connectionID string) ExcludeFunc {
	return func(m *Message) bool {
		return m.Source == connectionID
	}
}
