package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrConnectionClosed is returned by Receive when the connection was closed
// before or while waiting for a cycle.
var ErrConnectionClosed = errors.New("relay: connection closed")

// HubOptions configures a hub. Zero values select the defaults.
type HubOptions struct {
	// BlockSize and MaxBlocks size the hub's message store.
	BlockSize int
	MaxBlocks int
}

// Hub owns the message store, the registry of live connections, and group
// membership. It produces one ResponseEnvelope per response cycle; transports
// call Receive in a loop (websocket) or once per request (long-polling) and
// encode whatever comes back.
type Hub struct {
	codec  Codec
	store  *MessageStore
	origin string

	connsMu sync.RWMutex
	conns   map[string]*Connection

	backplane Backplane
}

// NewHub creates a hub that pre-serializes payloads with the given codec.
func NewHub(codec Codec, opts HubOptions) *Hub {
	return &Hub{
		codec:  codec,
		store:  NewMessageStore(opts.BlockSize, opts.MaxBlocks),
		origin: uuid.NewString(),
		conns:  make(map[string]*Connection),
	}
}

// Connect returns the live connection with the given ID, creating it if
// necessary. An empty ID mints a new one. The second return value reports
// whether the connection was newly created; a client resuming with a cursor
// against a freshly created connection has stale state and the transport
// should call RequestGroupReset on it.
func (h *Hub) Connect(id string) (*Connection, bool) {
	if id == "" {
		id = uuid.NewString()
	}

	h.connsMu.Lock()
	defer h.connsMu.Unlock()
	if c, ok := h.conns[id]; ok {
		return c, false
	}

	c := &Connection{
		id:       id,
		hub:      h,
		cursor:   h.store.LastID(),
		groups:   NewGroupSet(),
		lastSeen: time.Now(),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	h.conns[id] = c
	return c, true
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.connsMu.RLock()
	defer h.connsMu.RUnlock()
	return len(h.conns)
}

// Connection looks up a live connection by ID.
func (h *Hub) Connection(id string) (*Connection, bool) {
	h.connsMu.RLock()
	defer h.connsMu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

func (h *Hub) remove(id string) {
	h.connsMu.Lock()
	defer h.connsMu.Unlock()
	delete(h.conns, id)
}

// CloseIdle closes connections that no transport is attending and whose last
// completed cycle is older than maxIdle, returning how many were closed. This
// is how abandoned long-polling connections are collected: a client that
// stops polling leaves its connection registered but never in a Receive.
// Connections currently blocked in a Receive are never idle.
func (h *Hub) CloseIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	h.connsMu.RLock()
	var idle []*Connection
	for _, c := range h.conns {
		c.mu.Lock()
		if !c.receiving && !c.closed && c.lastSeen.Before(cutoff) {
			idle = append(idle, c)
		}
		c.mu.Unlock()
	}
	h.connsMu.RUnlock()

	for _, c := range idle {
		c.Close()
	}
	return len(idle)
}

// Broadcast publishes v to every connection.
func (h *Hub) Broadcast(ctx context.Context, v any) error {
	return h.publishValue(ctx, KeyBroadcast, "", v)
}

// Send publishes v to a single connection.
func (h *Hub) Send(ctx context.Context, connectionID string, v any) error {
	return h.publishValue(ctx, ConnectionKey(connectionID), "", v)
}

// PublishToGroup publishes v to every member of a group.
func (h *Hub) PublishToGroup(ctx context.Context, group string, v any) error {
	return h.publishValue(ctx, GroupKey(group), "", v)
}

func (h *Hub) publishValue(ctx context.Context, key, source string, v any) error {
	payload, err := NewRawPayload(v, h.codec)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return h.PublishMessage(ctx, &Message{Key: key, Source: source, Payload: payload})
}

// PublishMessage stores m, forwards it to the backplane when one is attached,
// and wakes blocked cycles. Transports use this directly when they need to
// stamp the originating connection as the message source. The context bounds
// the backplane publish; local delivery has already happened when a
// backplane error comes back.
func (h *Hub) PublishMessage(ctx context.Context, m *Message) error {
	h.store.Add(m)
	h.notifyAll()

	if h.backplane != nil {
		f := &Frame{
			Origin:  h.origin,
			Key:     m.Key,
			Source:  m.Source,
			Command: m.Command,
			Payload: string(m.Payload),
		}
		if err := h.backplane.Publish(ctx, f); err != nil {
			return fmt.Errorf("backplane publish: %w", err)
		}
	}
	return nil
}

func (h *Hub) notifyAll() {
	h.connsMu.RLock()
	defer h.connsMu.RUnlock()
	for _, c := range h.conns {
		c.notify()
	}
}

// Group membership changes flow through the store as command messages so
// their ordering against data messages is preserved. The connection applies
// them during its next cycle and reports the deltas to the client on the
// same response.

type command struct {
	Op    string `json:"op"`
	Group string `json:"group,omitempty"`
}

const (
	opJoinGroup  = "join"
	opLeaveGroup = "leave"
	opDisconnect = "disconnect"
)

// AddToGroup enqueues a group join for the connection.
func (h *Hub) AddToGroup(ctx context.Context, connectionID, group string) error {
	return h.publishCommand(ctx, connectionID, command{Op: opJoinGroup, Group: group})
}

// RemoveFromGroup enqueues a group leave for the connection.
func (h *Hub) RemoveFromGroup(ctx context.Context, connectionID, group string) error {
	return h.publishCommand(ctx, connectionID, command{Op: opLeaveGroup, Group: group})
}

// Disconnect orders the connection's client to disconnect. The next cycle
// carries the disconnect flag and is the connection's last; the hub drops the
// connection once that cycle is handed to the transport.
func (h *Hub) Disconnect(ctx context.Context, connectionID string) error {
	return h.publishCommand(ctx, connectionID, command{Op: opDisconnect})
}

func (h *Hub) publishCommand(ctx context.Context, connectionID string, cmd command) error {
	payload, err := NewRawPayload(cmd, h.codec)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	return h.PublishMessage(ctx, &Message{
		Key:     ConnectionKey(connectionID),
		Command: true,
		Payload: payload,
	})
}

// UseBackplane attaches a backplane and subscribes to its frames. Call before
// serving traffic; the backplane reference is not guarded by a lock.
func (h *Hub) UseBackplane(b Backplane) error {
	if err := b.Subscribe(h.handleFrame); err != nil {
		return fmt.Errorf("backplane subscribe: %w", err)
	}
	h.backplane = b
	return nil
}

func (h *Hub) handleFrame(f *Frame) {
	if f.Origin == h.origin {
		return
	}
	h.store.Add(&Message{
		Key:     f.Key,
		Source:  f.Source,
		Command: f.Command,
		Payload: RawPayload(f.Payload),
	})
	h.notifyAll()
}

// Close closes every live connection and the backplane, if any.
func (h *Hub) Close() error {
	h.connsMu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.connsMu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if h.backplane != nil {
		return h.backplane.Close()
	}
	return nil
}

// ReceiveOptions tune a single response cycle.
type ReceiveOptions struct {
	// Cursor, when non-empty, overrides the connection's tracked cursor.
	// Long-polling clients carry their cursor on every request; the
	// client-supplied value wins so a response lost in transit is
	// re-covered by the next poll.
	Cursor string

	// Exclude is combined with signal filtering; messages it reports true
	// for are left out of the response.
	Exclude ExcludeFunc

	// LongPollDelay is the suggested client retry delay, emitted on the
	// envelope in milliseconds when positive.
	LongPollDelay time.Duration
}

// Receive runs one response cycle for the connection: it drains everything
// past the cursor, applies queued command messages, and returns an envelope
// as soon as there is something to tell the client. With nothing pending it
// blocks until a message arrives, ctx expires (a timed-out envelope is
// returned, not an error), or the connection is closed.
//
// Cycles for the same connection must be serialized by the caller; the
// returned envelope references live store segments and must be encoded
// before the next cycle for the connection begins.
func (h *Hub) Receive(ctx context.Context, c *Connection, opts ReceiveOptions) (*ResponseEnvelope, error) {
	c.mu.Lock()
	if opts.Cursor != "" {
		c.cursor = parseCursor(opts.Cursor)
	}
	c.receiving = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.receiving = false
		c.mu.Unlock()
	}()

	for {
		env, err := h.buildResponse(c, opts)
		if err != nil {
			return nil, err
		}
		if env != nil {
			if env.Disconnect {
				// The disconnect cycle is the connection's last. Dropping
				// it here keeps a kicked client from receiving the flag
				// again on every subsequent cycle.
				c.Close()
			}
			return env, nil
		}

		select {
		case <-c.wake:
		case <-c.done:
			return nil, ErrConnectionClosed
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return h.timeoutResponse(c, opts), nil
			}
			return nil, ctx.Err()
		}
	}
}

// buildResponse scans everything past the connection's cursor. It returns
// (nil, nil) when the scan produced nothing worth sending, after advancing
// the cursor past consumed commands and foreign-signal messages.
func (h *Hub) buildResponse(c *Connection, opts ReceiveOptions) (*ResponseEnvelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConnectionClosed
	}

	segments := h.store.Since(c.cursor)
	connKey := ConnectionKey(c.id)
	cursor := c.cursor
	total := 0
	deliverable := 0
	for _, seg := range segments {
		for i := 0; i < seg.Len(); i++ {
			m := seg.At(i)
			cursor = m.ID
			total++
			if m.Command {
				if m.Key == connKey {
					h.applyCommandLocked(c, m)
				}
				continue
			}
			if !c.interestedLocked(m) {
				continue
			}
			if opts.Exclude != nil && opts.Exclude(m) {
				continue
			}
			deliverable++
		}
	}

	hasDeltas := c.pendingAdded != nil || c.pendingRemoved != nil || c.resetGroups
	if deliverable == 0 && !hasDeltas && !c.kicked {
		c.cursor = cursor
		return nil, nil
	}

	env := &ResponseEnvelope{
		Cursor:        formatCursor(cursor),
		Segments:      segments,
		TotalCount:    total,
		Disconnect:    c.kicked,
		LongPollDelay: opts.LongPollDelay.Milliseconds(),
		Exclude:       excludeLocked(c, opts.Exclude),
	}
	if c.resetGroups {
		// A reset replaces the client's whole set; pending removals are
		// subsumed by it.
		env.ResetGroups = true
		env.AddedGroups = c.groups.Snapshot()
	} else {
		env.AddedGroups = c.pendingAdded
		env.RemovedGroups = c.pendingRemoved
	}

	c.pendingAdded, c.pendingRemoved, c.resetGroups = nil, nil, false
	c.cursor = cursor
	c.lastSeen = time.Now()
	return env, nil
}

func (h *Hub) timeoutResponse(c *Connection, opts ReceiveOptions) *ResponseEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = time.Now()
	return &ResponseEnvelope{
		Cursor:        formatCursor(c.cursor),
		TimedOut:      true,
		LongPollDelay: opts.LongPollDelay.Milliseconds(),
	}
}

func (h *Hub) applyCommandLocked(c *Connection, m *Message) {
	var cmd command
	if err := h.codec.Decode([]byte(m.Payload), &cmd); err != nil {
		return
	}
	switch cmd.Op {
	case opJoinGroup:
		if !c.groups.Add(cmd.Group) {
			return
		}
		// A join cancelling an unreported leave is a net no-op for the
		// client; otherwise report the addition.
		if containsString(c.pendingRemoved, cmd.Group) {
			c.pendingRemoved = removeString(c.pendingRemoved, cmd.Group)
		} else {
			c.pendingAdded = append(c.pendingAdded, cmd.Group)
		}
	case opLeaveGroup:
		if !c.groups.Remove(cmd.Group) {
			return
		}
		if containsString(c.pendingAdded, cmd.Group) {
			c.pendingAdded = removeString(c.pendingAdded, cmd.Group)
		} else {
			c.pendingRemoved = append(c.pendingRemoved, cmd.Group)
		}
	case opDisconnect:
		c.kicked = true
	}
}

// excludeLocked builds the envelope's exclusion predicate from a membership
// snapshot, so it can run outside the connection lock during encoding.
func excludeLocked(c *Connection, extra ExcludeFunc) ExcludeFunc {
	member := make(map[string]struct{}, c.groups.Len())
	for _, g := range c.groups.order {
		member[g] = struct{}{}
	}
	connKey := ConnectionKey(c.id)

	return func(m *Message) bool {
		switch {
		case m.Key == KeyBroadcast || m.Key == connKey:
		default:
			group, ok := GroupFromKey(m.Key)
			if !ok {
				return true
			}
			if _, in := member[group]; !in {
				return true
			}
		}
		if extra != nil {
			return extra(m)
		}
		return false
	}
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// removeString returns nil when the last element is removed: a nil delta
// means "nothing to report" and suppresses the encoded field.
func removeString(ss []string, s string) []string {
	for i, v := range ss {
		if v == s {
			out := append(ss[:i], ss[i+1:]...)
			if len(out) == 0 {
				return nil
			}
			return out
		}
	}
	return ss
}
