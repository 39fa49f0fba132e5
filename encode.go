package relay

import (
	"encoding/json"
	"io"
	"strconv"
)

// Wire keys of the encoded response object. Single characters keep the frame
// small. Emission order is fixed (cursor first, messages last, the rest in
// between in the order below); existing consumers compare frames byte for
// byte, so reordering keys is a breaking change even though JSON decoders
// would not notice.
const (
	keyCursor        = "C"
	keyDisconnect    = "D"
	keyTimedOut      = "T"
	keyGroupsReset   = "R"
	keyGroupsAdded   = "G"
	keyGroupsRemoved = "g"
	keyLongPollDelay = "L"
	keyMessages      = "M"
)

// EncodeResponse writes env to w as a single compact JSON object. The cursor
// field is always written first and the message array is always written last,
// even when empty. Boolean flags are encoded as the integer 1 and omitted
// entirely when false. Message payloads are embedded verbatim; they must
// already be valid JSON fragments (see RawPayload).
//
// The write is synchronous and complete on return. The only failure mode is a
// sink error, which is returned immediately and leaves w partially written;
// callers must not reuse the sink for another attempt.
func EncodeResponse(env *ResponseEnvelope, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.writeString(`{"` + keyCursor + `":`)
	ew.writeJSONString(env.Cursor)

	if env.Disconnect {
		ew.writeString(`,"` + keyDisconnect + `":1`)
	}
	if env.TimedOut {
		ew.writeString(`,"` + keyTimedOut + `":1`)
	}

	if env.AddedGroups != nil {
		// One flag governs the key: a reset replaces the client's whole
		// group set, an add unions into it. Emitting the wrong key makes
		// the client silently diverge from server-side membership.
		key := keyGroupsAdded
		if env.ResetGroups {
			key = keyGroupsReset
		}
		ew.writeString(`,"` + key + `":`)
		ew.writeJSONStrings(env.AddedGroups)
	}
	if env.RemovedGroups != nil {
		ew.writeString(`,"` + keyGroupsRemoved + `":`)
		ew.writeJSONStrings(env.RemovedGroups)
	}

	if env.LongPollDelay > 0 {
		ew.writeString(`,"` + keyLongPollDelay + `":`)
		ew.writeString(strconv.FormatInt(env.LongPollDelay, 10))
	}

	ew.writeString(`,"` + keyMessages + `":[`)
	cursor := segmentCursor{segments: env.Segments, exclude: env.Exclude}
	first := true
	for {
		payload, ok := cursor.next()
		if !ok {
			break
		}
		if !first {
			ew.writeString(",")
		}
		first = false
		ew.writeString(string(payload))
	}
	ew.writeString("]}")

	return ew.err
}

// segmentCursor walks the segments of an envelope as a two-level cursor:
// outer index over segments, inner index within the current segment. It
// yields payloads one at a time so the encoder never materializes a flattened
// message slice. Command messages and messages matched by the exclusion
// predicate are skipped. Single consumption only.
type segmentCursor struct {
	segments []Segment
	exclude  ExcludeFunc
	seg, idx int
}

func (c *segmentCursor) next() (RawPayload, bool) {
	for c.seg < len(c.segments) {
		s := c.segments[c.seg]
		for c.idx < s.Len() {
			m := s.At(c.idx)
			c.idx++
			if m.Command || (c.exclude != nil && c.exclude(m)) {
				continue
			}
			return m.Payload, true
		}
		c.seg++
		c.idx = 0
	}
	return "", false
}

// errWriter latches the first sink error and turns every later write into a
// no-op, so the encoder body can stay free of per-write error checks.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) writeString(s string) {
	if ew.err != nil {
		return
	}
	_, ew.err = io.WriteString(ew.w, s)
}

func (ew *errWriter) writeJSONString(s string) {
	if ew.err != nil {
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		ew.err = err
		return
	}
	_, ew.err = ew.w.Write(data)
}

func (ew *errWriter) writeJSONStrings(ss []string) {
	if ew.err != nil {
		return
	}
	ew.writeString("[")
	for i, s := range ss {
		if i > 0 {
			ew.writeString(",")
		}
		ew.writeJSONString(s)
	}
	ew.writeString("]")
}
