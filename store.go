package relay

import (
	"sync"
	"time"
)

// Defaults for NewMessageStore when zero values are passed.
const (
	DefaultBlockSize = 256
	DefaultMaxBlocks = 64
)

// Segment is a read-only, offset-bounded view into one block of a message
// store. It references the store's backing array directly; nothing is copied
// when a segment is created or read. Segments stay valid after creation
// because messages are immutable once added and blocks are never recycled in
// place.
type Segment struct {
	msgs []*Message
}

// NewSegment wraps an existing message slice as a segment. Used by tests and
// by producers that assemble envelopes without a MessageStore.
func NewSegment(msgs []*Message) Segment {
	return Segment{msgs: msgs}
}

// Len returns the number of messages in the segment.
func (s Segment) Len() int { return len(s.msgs) }

// At returns the message at position i within the segment.
func (s Segment) At(i int) *Message { return s.msgs[i] }

// MessageStore is an append-only, segmented ring of messages. Messages are
// appended to fixed-size blocks; once a block fills, a new one is started and
// the oldest block is dropped when the retention limit is reached. Readers
// get Segment views over the blocks, so a response cycle observes messages
// without copying them out of the store.
//
// Add assigns sequence IDs under a single writer lock. Since may be called
// concurrently from any number of readers.
type MessageStore struct {
	mu        sync.RWMutex
	blockSize int
	maxBlocks int
	blocks    []*storeBlock
	lastID    uint64
}

// storeBlock holds one run of consecutively numbered messages. firstID is the
// ID of msgs[0]; the block's messages are dense, so position within a block
// is ID arithmetic.
type storeBlock struct {
	firstID uint64
	msgs    []*Message
}

// NewMessageStore creates a store with the given block size and block
// retention limit. Zero or negative values select the defaults.
func NewMessageStore(blockSize, maxBlocks int) *MessageStore {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if maxBlocks <= 0 {
		maxBlocks = DefaultMaxBlocks
	}
	return &MessageStore{
		blockSize: blockSize,
		maxBlocks: maxBlocks,
	}
}

// Add assigns m the next sequence ID, stamps its creation time if unset, and
// appends it to the store. It returns the assigned ID.
func (s *MessageStore) Add(m *Message) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastID++
	m.ID = s.lastID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	last := s.tailBlock()
	if last == nil || len(last.msgs) >= s.blockSize {
		last = &storeBlock{
			firstID: m.ID,
			msgs:    make([]*Message, 0, s.blockSize),
		}
		s.blocks = append(s.blocks, last)
		if len(s.blocks) > s.maxBlocks {
			s.blocks = s.blocks[1:]
		}
	}
	last.msgs = append(last.msgs, m)
	return m.ID
}

// Since returns ordered segment views over every retained message with an ID
// greater than cursor. A cursor older than the retained tail yields
// everything still held; a cursor at or past the head yields nil.
func (s *MessageStore) Since(cursor uint64) []Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if cursor >= s.lastID {
		return nil
	}

	var segments []Segment
	for _, b := range s.blocks {
		if len(b.msgs) == 0 {
			continue
		}
		blockLast := b.firstID + uint64(len(b.msgs)) - 1
		if blockLast <= cursor {
			continue
		}
		lo := 0
		if cursor >= b.firstID {
			lo = int(cursor - b.firstID + 1)
		}
		// Slice headers are captured under the read lock; appends to the
		// tail block after this returns cannot disturb them.
		segments = append(segments, Segment{msgs: b.msgs[lo:len(b.msgs):len(b.msgs)]})
	}
	return segments
}

// LastID returns the most recently assigned sequence ID, or 0 for an empty
// store.
func (s *MessageStore) LastID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastID
}

func (s *MessageStore) tailBlock() *storeBlock {
	if len(s.blocks) == 0 {
		return nil
	}
	return s.blocks[len(s.blocks)-1]
}
