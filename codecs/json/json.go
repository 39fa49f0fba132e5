// Package json provides a JSON codec for relay payloads.
// It uses Go's standard encoding/json package for serialization.
package json

import (
	"encoding/json"

	"github.com/relaykit/relay"
)

// Codec implements relay.Codec using JSON serialization. It is the codec to
// use for payload pre-serialization: the fragments it produces embed directly
// into the JSON response stream.
type Codec struct{}

var _ relay.Codec = &Codec{}

// Encode serializes v to JSON bytes.
func (c *Codec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode deserializes JSON bytes into v.
func (c *Codec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// New creates a new JSON codec.
func New() *Codec {
	return &Codec{}
}
