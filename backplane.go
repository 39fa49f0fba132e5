package relay

import "context"

// Frame is the unit of traffic between hub instances on a backplane. It
// carries the fields of a Message that must survive the hop; sequence IDs are
// local to each store and are reassigned on arrival.
type Frame struct {
	// Origin identifies the hub instance that published the frame.
	// Subscribers drop frames carrying their own origin.
	Origin  string `json:"origin" msgpack:"origin"`
	Key     string `json:"key" msgpack:"key"`
	Source  string `json:"source,omitempty" msgpack:"source,omitempty"`
	Command bool   `json:"command,omitempty" msgpack:"command,omitempty"`
	Payload string `json:"payload" msgpack:"payload"`
}

// Backplane fans published messages out to every hub instance of a
// deployment. Implementations live in the backplanes subpackages.
type Backplane interface {
	// Publish sends a frame to all subscribed hub instances, including
	// the publisher's own (filtered out by origin). The context bounds
	// the broker round trip.
	Publish(ctx context.Context, f *Frame) error

	// Subscribe registers the handler for incoming frames. The handler
	// may be called from the backplane's own goroutines.
	Subscribe(handler func(*Frame)) error

	// Close cleans up resources and closes connections.
	Close() error
}
