package relay

import (
	"strconv"
	"sync"
	"time"
)

// Connection is the server-side state of one persistent client connection:
// its message cursor, group memberships, and the deltas accumulated since the
// last response cycle. A connection is driven by exactly one transport at a
// time; cycles for the same connection must not run concurrently.
type Connection struct {
	id  string
	hub *Hub

	mu             sync.Mutex
	cursor         uint64
	groups         *GroupSet
	pendingAdded   []string
	pendingRemoved []string
	resetGroups    bool
	kicked         bool
	closed         bool
	receiving      bool
	lastSeen       time.Time

	// wake is signaled (buffered, capacity 1) whenever the hub stores a
	// new message. done is closed when the connection is closed.
	wake chan struct{}
	done chan struct{}
}

// ID returns the connection's identifier.
func (c *Connection) ID() string { return c.id }

// Cursor returns the connection's tracked cursor as the opaque string form
// used on the wire.
func (c *Connection) Cursor() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return formatCursor(c.cursor)
}

// Groups returns a snapshot of the connection's current group memberships in
// join order.
func (c *Connection) Groups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groups.Snapshot()
}

// RequestGroupReset makes the next response cycle carry the connection's full
// group set under the reset key, telling the client to discard whatever set
// it was holding. Transports call this when a client resumes with a cursor
// from a previous connection.
func (c *Connection) RequestGroupReset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetGroups = true
}

// LastSeen returns the time of the connection's last completed cycle.
// Hub.CloseIdle uses it to collect connections whose client went away.
func (c *Connection) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Close detaches the connection from its hub. Any blocked Receive returns
// ErrConnectionClosed. Closing twice is a no-op.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.hub.remove(c.id)
}

func (c *Connection) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// interestedLocked reports whether the connection is a delivery target for m.
// Callers hold c.mu.
func (c *Connection) interestedLocked(m *Message) bool {
	if m.Key == KeyBroadcast || m.Key == ConnectionKey(c.id) {
		return true
	}
	if group, ok := GroupFromKey(m.Key); ok {
		return c.groups.Contains(group)
	}
	return false
}

func formatCursor(cursor uint64) string {
	return strconv.FormatUint(cursor, 10)
}

// parseCursor maps a client-supplied cursor string back to a store sequence.
// An unparsable cursor reads as 0, which resyncs the client from the retained
// tail of the store.
func parseCursor(s string) uint64 {
	cursor, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return cursor
}
