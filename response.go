package relay

// ResponseEnvelope holds everything one response cycle sends to a client: the
// new cursor, queued message segments, connection-state flags, and group
// membership deltas. A hub builds a fresh envelope per cycle, the transport
// passes it to EncodeResponse exactly once, and it is then discarded. The
// envelope must not be mutated once encoding has begun.
//
// The envelope performs no validation of its own fields; producers are
// responsible for internal consistency (for example TotalCount is never
// checked against the segment lengths).
type ResponseEnvelope struct {
	// Cursor identifies the last message this response covers. It is
	// mirrored back to the client in every response and is the first field
	// of the encoded object.
	Cursor string

	// Segments are ordered, read-only views into the message store. The
	// backing store must stay valid and unmodified for the duration of the
	// encode; MessageStore guarantees this for the segments it hands out.
	Segments []Segment

	// TotalCount is the number of messages the segments span before any
	// filtering. Count metadata only; it is not encoded.
	TotalCount int

	// Disconnect tells the client the server is terminating the
	// connection. Encoded as D:1 only when true.
	Disconnect bool

	// Aborted marks a cycle the transport abandoned locally. It is never
	// encoded; whether to discard the envelope entirely is the transport's
	// decision.
	Aborted bool

	// TimedOut tells a polling client the wait elapsed with no messages.
	// Encoded as T:1 only when true.
	TimedOut bool

	// AddedGroups and RemovedGroups carry group membership deltas. nil
	// means "no change to report" and suppresses the field entirely; a
	// non-nil empty slice is encoded as an empty array.
	AddedGroups   []string
	RemovedGroups []string

	// ResetGroups selects the key AddedGroups is encoded under: when true
	// the client must replace its whole group set with AddedGroups (key
	// "R"); when false it unions them in (key "G").
	ResetGroups bool

	// LongPollDelay is the suggested client retry delay in milliseconds.
	// Emitted only when positive.
	LongPollDelay int64

	// Exclude is evaluated per message during encoding; messages it
	// reports true for are skipped. nil excludes nothing. It must be
	// referentially stable for the duration of one encode call.
	Exclude ExcludeFunc
}

// MessageCount returns how many payloads an encode of the envelope emits,
// after command and exclusion filtering. Transports use it for delivery
// accounting; it walks the segments without allocating.
func (env *ResponseEnvelope) MessageCount() int {
	cursor := segmentCursor{segments: env.Segments, exclude: env.Exclude}
	n := 0
	for {
		if _, ok := cursor.next(); !ok {
			return n
		}
		n++
	}
}
