// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package edelay

import (
	"fmt"
	"sync"

	"code.hybscloud.com/atomix"
)

const (
	// ChunkSize is the payload capacity of one chunk in bytes.
	ChunkSize = 2048

	// MaxChunks bounds the arena size. Construction, Resize and growth on
	// overflow never allocate more chunks than this.
	MaxChunks = 1 << 20

	minChunks = 2
)

// chunk is one arena slot: a typed header followed by the payload.
type chunk struct {
	used      int  // Payload bytes stored
	offset    int  // Payload bytes already popped, offset <= used
	continues bool // Record extends into the next slot
	data      [ChunkSize]byte
}

// Queue is a single-producer single-consumer FIFO of variable-length byte
// records stored as chains of fixed-size chunks in a circular arena.
//
// Two locks split the queue into a push side (tail) and a pop side (head),
// so one producer and one consumer proceed without contending. Operations
// that move both cursors or replace the arena (Resize, Clear, growth and
// eviction on overflow) take both locks, push side first.
//
// One chunk is always kept free, so head == tail means empty.
//
// Push and Pop never block waiting for each other: Pop on an empty queue
// returns [ErrEmpty], Push on a full queue applies the overflow policy and
// returns [ErrCapacityExceeded] if no room can be made.
type Queue struct {
	_      pad
	tail   atomix.Uint64 // Producer writes here
	_      pad
	head   atomix.Uint64 // Consumer reads from here
	_      pad
	size   atomix.Uint64 // Capacity in chunks
	_      pad
	pushMu sync.Mutex
	popMu  sync.Mutex
	chunks []chunk
	policy OverflowPolicy

	reading bool // Head record partially popped; guarded by popMu
}

// NewQueue allocates a queue holding at least capacity bytes of chunk
// payload. Capacity rounds up to whole chunks, minimum two.
func NewQueue(capacity int, policy OverflowPolicy) (*Queue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity %d", ErrInvalidArgument, capacity)
	}
	if policy > LoopReplace {
		return nil, fmt.Errorf("%w: policy %v", ErrInvalidArgument, policy)
	}
	if capacity > MaxChunks*ChunkSize {
		return nil, fmt.Errorf("%w: capacity %d exceeds %d chunks", ErrAllocationFailure, capacity, MaxChunks)
	}

	n := roundToChunks(capacity)
	q := &Queue{
		chunks: make([]chunk, n),
		policy: policy,
	}
	q.size.StoreRelease(uint64(n))
	return q, nil
}

// Push appends p as one record (producer only).
//
// The record is admitted whole or not at all: the new tail is published
// only after every chunk is written, so a rejected push leaves the queue
// byte-for-byte unchanged. A zero-length record occupies one chunk.
func (q *Queue) Push(p []byte) error {
	n := chunksFor(len(p))

	q.pushMu.Lock()
	defer q.pushMu.Unlock()

	if n >= q.freeChunks() {
		if err := q.makeRoom(n); err != nil {
			return err
		}
	}

	size := q.size.LoadRelaxed()
	idx := q.tail.LoadRelaxed()
	for i := range n {
		c := &q.chunks[idx]
		m := copy(c.data[:], p)
		p = p[m:]
		c.used = m
		c.offset = 0
		c.continues = i < n-1
		if idx++; idx == size {
			idx = 0
		}
	}
	q.tail.StoreRelease(idx)
	return nil
}

// Pop copies the record at the head into p (consumer only).
//
// Copying stops at the end of the record or when p is full. A record that
// does not fit is consumed partially: the next Pop resumes at the first
// byte not yet copied. See [Consumed] for the result encoding.
//
// Returns ErrEmpty if no record is queued, ErrInvalidArgument for an empty
// p, and ErrCorrupted if a chunk header is inconsistent.
func (q *Queue) Pop(p []byte) (Consumed, error) {
	if len(p) == 0 {
		return 0, fmt.Errorf("%w: empty pop buffer", ErrInvalidArgument)
	}

	q.popMu.Lock()
	defer q.popMu.Unlock()

	head := q.head.LoadRelaxed()
	tail := q.tail.LoadAcquire()
	if head == tail {
		return 0, ErrEmpty
	}
	size := q.size.LoadRelaxed()

	remaining, err := q.recordLen(head, tail, size)
	if err != nil {
		return 0, err
	}

	copied := 0
	for {
		c := &q.chunks[head]
		n := copy(p[copied:], c.data[c.offset:c.used])
		copied += n
		if c.offset+n < c.used {
			c.offset += n
			break
		}

		last := !c.continues
		c.used, c.offset, c.continues = 0, 0, false
		if head++; head == size {
			head = 0
		}
		if last {
			q.reading = false
			q.head.StoreRelease(head)
			return Consumed(copied), nil
		}
		if copied == len(p) {
			break
		}
	}

	q.reading = true
	q.head.StoreRelease(head)
	return Consumed(copied - remaining), nil
}

// PeekSize returns the number of bytes of the head record not yet popped.
func (q *Queue) PeekSize() (int, error) {
	q.popMu.Lock()
	defer q.popMu.Unlock()

	head := q.head.LoadRelaxed()
	tail := q.tail.LoadAcquire()
	if head == tail {
		return 0, ErrEmpty
	}
	return q.recordLen(head, tail, q.size.LoadRelaxed())
}

// Resize grows the arena to hold at least capacity bytes.
//
// Records keep their order and content, including when the occupied
// region wraps around the end of the arena. Shrinking is not supported:
// a capacity that rounds below the current one returns ErrShrinkUnsupported.
func (q *Queue) Resize(capacity int) error {
	if capacity <= 0 {
		return fmt.Errorf("%w: capacity %d", ErrInvalidArgument, capacity)
	}
	if capacity > MaxChunks*ChunkSize {
		return fmt.Errorf("%w: capacity %d exceeds %d chunks", ErrAllocationFailure, capacity, MaxChunks)
	}
	n := roundToChunks(capacity)

	var err error
	q.exclusive(func() {
		size := len(q.chunks)
		switch {
		case n < size:
			err = fmt.Errorf("%w: %d < %d chunks", ErrShrinkUnsupported, n, size)
		case n > size:
			q.resizeLocked(n)
		}
	})
	return err
}

// Clear drops every record. The arena is kept.
func (q *Queue) Clear() {
	q.exclusive(func() {
		q.head.StoreRelease(0)
		q.tail.StoreRelease(0)
		q.reading = false
	})
}

// IsEmpty reports whether no record is queued.
func (q *Queue) IsEmpty() bool {
	return q.head.LoadAcquire() == q.tail.LoadAcquire()
}

// Cap returns the queue capacity in chunks.
func (q *Queue) Cap() int {
	return int(q.size.LoadAcquire())
}

// TotalSpace returns the arena payload capacity in bytes.
func (q *Queue) TotalSpace() int {
	return q.Cap() * ChunkSize
}

// FreeSpace returns the payload bytes of the chunks not holding records.
func (q *Queue) FreeSpace() int {
	return q.freeChunks() * ChunkSize
}

// OccupiedSpace returns the payload bytes of the chunks holding records.
func (q *Queue) OccupiedSpace() int {
	return q.TotalSpace() - q.FreeSpace()
}

// State classifies the queue occupancy.
func (q *Queue) State() State {
	switch free := q.freeChunks(); {
	case free >= q.Cap():
		return Empty
	case free <= 1:
		return Full
	default:
		return Partial
	}
}

// Policy returns the overflow policy.
func (q *Queue) Policy() OverflowPolicy {
	return q.policy
}

// freeChunks returns size - occupied from a lock-free snapshot.
func (q *Queue) freeChunks() int {
	size := q.size.LoadAcquire()
	head := q.head.LoadAcquire()
	tail := q.tail.LoadAcquire()
	return int(size - occupied(head, tail, size))
}

func occupied(head, tail, size uint64) uint64 {
	var n uint64
	if tail >= head {
		n = tail - head
	} else {
		n = size - head + tail
	}
	// A snapshot taken across a concurrent resize may mix cursor epochs.
	return min(n, size)
}

// recordLen walks the chunk chain starting at head and returns the bytes
// not yet popped. Caller holds popMu.
func (q *Queue) recordLen(head, tail, size uint64) (int, error) {
	total := 0
	for idx := head; ; {
		c := &q.chunks[idx]
		if c.offset < 0 || c.offset > c.used || c.used > ChunkSize {
			return 0, fmt.Errorf("%w: chunk %d offset %d used %d", ErrCorrupted, idx, c.offset, c.used)
		}
		total += c.used - c.offset
		if !c.continues {
			return total, nil
		}
		if idx++; idx == size {
			idx = 0
		}
		if idx == tail {
			return 0, fmt.Errorf("%w: record at chunk %d runs past the tail", ErrCorrupted, head)
		}
	}
}

// makeRoom applies the overflow policy so that n more chunks fit.
// Caller holds pushMu.
func (q *Queue) makeRoom(n int) error {
	switch q.policy {
	case Resize:
		return q.grow(n)
	case LoopReplace:
		return q.evict(n)
	default:
		return ErrCapacityExceeded
	}
}

// grow doubles the arena, or more if the record needs it.
// Caller holds pushMu.
func (q *Queue) grow(n int) error {
	q.popMu.Lock()
	defer q.popMu.Unlock()

	size := len(q.chunks)
	need := int(occupied(q.head.LoadRelaxed(), q.tail.LoadRelaxed(), uint64(size))) + n + 1
	if need <= size {
		return nil
	}
	target := min(max(2*size, need), MaxChunks)
	if target < need {
		return fmt.Errorf("%w: record of %d chunks exceeds the %d chunk limit", ErrCapacityExceeded, n, MaxChunks)
	}
	q.resizeLocked(target)
	return nil
}

// evict drops whole records from the head until n more chunks fit.
// A head record the consumer has partially popped is never evicted: the
// push fails with ErrCapacityExceeded so the next Pop resumes the same record.
// Caller holds pushMu.
func (q *Queue) evict(n int) error {
	q.popMu.Lock()
	defer q.popMu.Unlock()

	size := q.size.LoadRelaxed()
	if uint64(n) >= size {
		return fmt.Errorf("%w: record of %d chunks exceeds capacity of %d", ErrCapacityExceeded, n, size)
	}

	head := q.head.LoadRelaxed()
	tail := q.tail.LoadRelaxed()
	if q.reading && size-occupied(head, tail, size) <= uint64(n) {
		return fmt.Errorf("%w: head record is partially popped", ErrCapacityExceeded)
	}
	for size-occupied(head, tail, size) <= uint64(n) {
		for {
			c := &q.chunks[head]
			last := !c.continues
			c.used, c.offset, c.continues = 0, 0, false
			if head++; head == size {
				head = 0
			}
			if last || head == tail {
				break
			}
		}
	}
	q.head.StoreRelease(head)
	return nil
}

// resizeLocked replaces the arena with one of n chunks, n > current size.
// Caller holds both locks.
//
// If the occupied region wraps (head > tail), the wrapped prefix [0, tail)
// is moved into the new space after the old end as far as it fits, and
// the rest shifts down to index 0. head never moves.
func (q *Queue) resizeLocked(n int) {
	size := len(q.chunks)
	head := int(q.head.LoadRelaxed())
	tail := int(q.tail.LoadRelaxed())

	chunks := make([]chunk, n)
	copy(chunks, q.chunks)
	if head > tail {
		m := min(tail, n-size)
		copy(chunks[size:size+m], chunks[:m])
		copy(chunks[:tail-m], chunks[m:tail])
		clear(chunks[tail-m : tail])
		tail = (size + tail) % n
	}

	q.chunks = chunks
	q.size.StoreRelease(uint64(n))
	q.tail.StoreRelease(uint64(tail))
}

// exclusive runs fn holding both locks, push side first.
func (q *Queue) exclusive(fn func()) {
	q.pushMu.Lock()
	defer q.pushMu.Unlock()
	q.popMu.Lock()
	defer q.popMu.Unlock()
	fn()
}
