// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package edelay

import "fmt"

// RecordQueue is the combined producer-consumer interface for a record
// queue. [Queue] implements it; the [Scheduler] depends only on it.
type RecordQueue interface {
	RecordProducer
	RecordConsumer
}

// RecordProducer is the interface for appending records.
type RecordProducer interface {
	// Push appends p as one record (non-blocking).
	// The bytes are copied into the queue; p may be reused after Push
	// returns. Returns ErrCapacityExceeded if the record was not admitted.
	Push(p []byte) error
}

// RecordConsumer is the interface for draining records.
type RecordConsumer interface {
	// Pop copies the head record, or the next part of it, into p
	// (non-blocking). Returns ErrEmpty if no record is queued.
	Pop(p []byte) (Consumed, error)
}

// Consumed is the result of a Pop.
//
// A non-negative value means the record was drained by this call and is
// the number of bytes copied. A negative value means p was filled before
// the record ended; its magnitude is the number of record bytes still
// pending, to be retrieved by further calls to Pop.
//
// Example:
//
//	c, err := q.Pop(buf)
//	if err != nil {
//	    return err
//	}
//	data := buf[:c.Copied(len(buf))]
//	if !c.Complete() {
//	    // c.Pending() more bytes follow
//	}
type Consumed int

// Complete reports whether the record was fully drained.
func (c Consumed) Complete() bool {
	return c >= 0
}

// Pending returns the number of record bytes not yet popped.
func (c Consumed) Pending() int {
	if c < 0 {
		return int(-c)
	}
	return 0
}

// Copied returns the number of bytes copied into a buffer of length
// bufLen. A partial pop always fills the buffer.
func (c Consumed) Copied(bufLen int) int {
	if c < 0 {
		return bufLen
	}
	return int(c)
}

// State is the queue occupancy.
//
//	Empty -> Partial -> Full -> Partial -> Empty
//
// Push moves right, Pop moves left, Resize can move Full to Partial.
type State uint8

const (
	// Empty holds no record.
	Empty State = iota
	// Partial holds records and can admit at least one more chunk.
	Partial
	// Full cannot admit another chunk without the overflow policy.
	Full
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Partial:
		return "partial"
	case Full:
		return "full"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}
