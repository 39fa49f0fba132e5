// Package msgpack provides a MessagePack codec for relay backplane frames.
// Frames between hub instances never reach a client, so the denser binary
// encoding is safe there; do not use it for payload pre-serialization, which
// must produce JSON fragments.
package msgpack

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/relaykit/relay"
)

type Codec struct{}

var _ relay.Codec = &Codec{}

func (c *Codec) Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (c *Codec) Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func New() *Codec {
	return &Codec{}
}
