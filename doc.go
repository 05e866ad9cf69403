// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package edelay provides the core of a broadcast delay relay: a chunked
// ring-buffer record queue and a scheduler that releases each record a
// fixed delay after it arrived.
//
// Bytes received from a live stream are pushed as records, held for the
// delay, then written downstream in arrival order. The delay window is
// the chance to inspect or suppress content before it becomes visible.
//
// # Quick Start
//
//	q, err := edelay.New(4 * edelay.ChunkSize).Policy(edelay.Resize).Build()
//	if err != nil {
//	    return err
//	}
//	s := edelay.NewScheduler(q, os.Stdout, time.Second)
//
//	go func() { // Consumer
//	    if err := s.Run(ctx); err != nil {
//	        log.Println(err)
//	    }
//	}()
//
//	for { // Producer
//	    n, err := conn.Read(buf[:edelay.MaxSegment])
//	    if err != nil {
//	        break
//	    }
//	    if err := s.Enqueue(buf[:n]); edelay.IsWouldBlock(err) {
//	        // Segment dropped
//	    }
//	}
//	s.Disconnect()
//
// # Queue
//
// [Queue] stores each Push as one record. A record is split into chunks of
// [ChunkSize] payload bytes held in a preallocated circular arena; every
// chunk but the last is marked as continuing into the next slot. Records
// of any length are accepted, including empty ones.
//
//	q, _ := edelay.NewQueue(4*edelay.ChunkSize, edelay.Skip)
//	q.Push([]byte("Hellorld"))
//
//	buf := make([]byte, 64)
//	c, _ := q.Pop(buf)
//	fmt.Printf("%s\n", buf[:c]) // Hellorld
//
// Pop copies at most len(p) bytes. When the record is longer, the rest
// stays queued and the next Pop resumes where the last one stopped. The
// returned [Consumed] is negative in that case, its magnitude being the
// number of bytes still pending:
//
//	q.Push(make([]byte, 2*edelay.ChunkSize))
//	buf := make([]byte, edelay.ChunkSize)
//	c, _ := q.Pop(buf) // c == -ChunkSize, c.Complete() == false
//	c, _ = q.Pop(buf)  // c == ChunkSize, c.Complete() == true
//
// # Overflow Policies
//
// A push is admitted whole or not at all. When the arena lacks room:
//
//	Skip        - reject with ErrCapacityExceeded, queue unchanged
//	Resize      - grow the arena (at least doubling), then admit
//	LoopReplace - evict the oldest whole records, then admit; a record
//	              the consumer has partially popped is never evicted
//
// [Queue.Resize] grows explicitly. Records keep their order even when the
// occupied region wraps around the end of the arena. Shrinking is
// rejected with [ErrShrinkUnsupported].
//
// # Scheduler
//
// [Scheduler.Enqueue] prepends an 8-byte arrival time to the segment and
// pushes it. The arrival time is an offset from the scheduler's creation on
// the monotonic clock, so wall clock adjustments do not move releases. [Scheduler.Run] pops records in order, waits until
// arrival + delay, and writes the payload to the sink. The wait sleeps on
// a timer and spins through its final microseconds.
//
// [Scheduler.Cancel] discards the next record due for release. It is a
// one-shot: the flag clears when it takes effect. It is checked after the
// wait, so it never releases anything early.
//
// # Error Handling
//
// Pop on an empty queue returns [ErrEmpty] and a rejected Push returns
// [ErrCapacityExceeded]. Both wrap [ErrWouldBlock], sourced from
// [code.hybscloud.com/iox]:
//
//	edelay.IsWouldBlock(err)  // true if queue full/empty
//	edelay.IsSemantic(err)    // true if control flow signal
//	edelay.IsFatal(err)       // true if the queue must be discarded
//
// [ErrCorrupted] and [ErrAllocationFailure] are fatal. [ErrInvalidArgument]
// is a programmer error.
//
// # Thread Safety
//
// One producer goroutine and one consumer goroutine. Push takes the push
// side lock, Pop the pop side lock; Resize and Clear take both. The
// introspection methods (IsEmpty, FreeSpace, TotalSpace, State) read
// atomic cursors without locking.
//
// Multiple producers on one queue may interleave the chunks of their
// records. Multiple consumers may split records between them.
//
// # Race Detection
//
// Queue cursors and scheduler flags use [code.hybscloud.com/atomix] with
// explicit memory ordering. The race detector does not observe those as
// synchronization, so concurrent tests are excluded via //go:build !race
// or skipped when [RaceEnabled] is set.
//
// # Dependencies
//
// This package uses [code.hybscloud.com/iox] for semantic errors and
// backoff, [code.hybscloud.com/atomix] for atomic primitives with explicit
// memory ordering, [code.hybscloud.com/spin] for CPU pause instructions,
// and [github.com/joeycumines/logiface] for optional logging.
package edelay
