// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package edelay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/spin"
	"github.com/joeycumines/logiface"
)

const (
	// TimestampSize is the size of the arrival time prepended to every
	// record by [Scheduler.Enqueue].
	TimestampSize = 8

	// MaxSegment is the largest segment whose stamped record fits one chunk.
	MaxSegment = ChunkSize - TimestampSize

	// spinWindow is the tail of a delay wait that spins instead of sleeping.
	spinWindow = 200 * time.Microsecond
)

// Scheduler releases queued records to a sink once their delay expires.
//
// The producer side calls Enqueue for every received segment; the record
// is stamped with its arrival time. The consumer side is Run, which pops
// records in order and writes each payload to the sink no earlier than
// arrival + delay. The delay is measured per record.
//
// One goroutine may call Enqueue and one may call Run, concurrently.
type Scheduler struct {
	q      RecordQueue
	sink   io.Writer
	delay  time.Duration
	epoch  time.Time // Monotonic base of record stamps
	logger *logiface.Logger[logiface.Event]

	connected atomix.Bool
	cancel    atomix.Uint64 // 1 while a cancellation is pending

	in  []byte // Producer scratch
	out []byte // Consumer scratch

	enqueued  atomix.Uint64
	dropped   atomix.Uint64
	released  atomix.Uint64
	cancelled atomix.Uint64
	skipped   atomix.Uint64
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(s *Scheduler)

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(l *logiface.Logger[logiface.Event]) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithScratchSize sets the initial consumer buffer size in bytes.
// Larger records are still delivered whole; the buffer grows to fit.
func WithScratchSize(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.out = make([]byte, n)
		}
	}
}

// SchedulerStats is a snapshot of the scheduler counters.
type SchedulerStats struct {
	Enqueued  uint64 // Records admitted by Enqueue
	Dropped   uint64 // Segments rejected with ErrCapacityExceeded
	Released  uint64 // Records written to the sink
	Cancelled uint64 // Records discarded by Cancel
	Skipped   uint64 // Records too short to carry a timestamp
}

// NewScheduler creates a connected scheduler over q writing to sink.
func NewScheduler(q RecordQueue, sink io.Writer, delay time.Duration, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		q:     q,
		sink:  sink,
		delay: delay,
		epoch: time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.out == nil {
		s.out = make([]byte, ChunkSize)
	}
	s.connected.StoreRelease(true)
	return s
}

// Enqueue stamps segment with its arrival time and pushes it (producer only).
//
// Push errors are returned unchanged. ErrCapacityExceeded means the
// segment was dropped; Enqueue does not retry.
func (s *Scheduler) Enqueue(segment []byte) error {
	n := TimestampSize + len(segment)
	if cap(s.in) < n {
		s.in = make([]byte, n)
	}
	rec := s.in[:n]
	putStamp(rec, time.Since(s.epoch))
	copy(rec[TimestampSize:], segment)

	if err := s.q.Push(rec); err != nil {
		if errors.Is(err, ErrCapacityExceeded) {
			s.dropped.AddAcqRel(1)
		}
		return err
	}
	s.enqueued.AddAcqRel(1)
	return nil
}

// Run is the consumer loop. It returns nil once Disconnect was called,
// ctx.Err() if ctx is done, or the first queue or sink failure.
//
// Records still queued when Run returns are not written.
func (s *Scheduler) Run(ctx context.Context) error {
	backoff := iox.Backoff{}
	for s.connected.LoadAcquire() {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := s.next()
		if err != nil {
			if IsWouldBlock(err) {
				backoff.Wait()
				continue
			}
			return err
		}
		backoff.Reset()

		if len(rec) < TimestampSize {
			s.skipped.AddAcqRel(1)
			continue
		}

		arrival := s.epoch.Add(stamp(rec))
		if err := waitUntil(ctx, arrival.Add(s.delay)); err != nil {
			return err
		}

		// Checked after the wait: a cancellation never shortens the delay.
		if s.cancel.CompareAndSwapAcqRel(1, 0) {
			s.cancelled.AddAcqRel(1)
			s.logger.Debug().
				Time("arrival", arrival).
				Int("bytes", len(rec)-TimestampSize).
				Log("record cancelled")
			continue
		}

		if _, err := s.sink.Write(rec[TimestampSize:]); err != nil {
			return fmt.Errorf("edelay: sink write: %w", err)
		}
		s.released.AddAcqRel(1)
	}
	return nil
}

// Cancel discards the next record that reaches its release time.
// Repeated calls before that record coalesce into one.
func (s *Scheduler) Cancel() {
	s.cancel.StoreRelease(1)
}

// Disconnect stops Run at its next iteration.
func (s *Scheduler) Disconnect() {
	s.connected.StoreRelease(false)
}

// Connected reports whether Run is allowed to continue.
func (s *Scheduler) Connected() bool {
	return s.connected.LoadAcquire()
}

// Delay returns the configured delay.
func (s *Scheduler) Delay() time.Duration {
	return s.delay
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() SchedulerStats {
	return SchedulerStats{
		Enqueued:  s.enqueued.LoadAcquire(),
		Dropped:   s.dropped.LoadAcquire(),
		Released:  s.released.LoadAcquire(),
		Cancelled: s.cancelled.LoadAcquire(),
		Skipped:   s.skipped.LoadAcquire(),
	}
}

// next pops one whole record into the consumer scratch, growing it when
// the record arrives in parts.
func (s *Scheduler) next() ([]byte, error) {
	n := 0
	for {
		c, err := s.q.Pop(s.out[n:])
		if err != nil {
			return nil, err
		}
		if c.Complete() {
			return s.out[:n+int(c)], nil
		}
		n = len(s.out)
		s.out = slices.Grow(s.out, c.Pending())[:n+c.Pending()]
	}
}

// waitUntil sleeps until deadline, spinning through the last spinWindow.
func waitUntil(ctx context.Context, deadline time.Time) error {
	d := time.Until(deadline)
	if d <= 0 {
		return nil
	}
	if d > spinWindow {
		t := time.NewTimer(d - spinWindow)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	sw := spin.Wait{}
	for time.Now().Before(deadline) {
		sw.Once()
	}
	return nil
}

// Stamps are offsets from the scheduler epoch. Adding one back to the epoch
// keeps its monotonic clock reading, so wall clock steps cannot shift a
// release.
func putStamp(rec []byte, d time.Duration) {
	binary.BigEndian.PutUint64(rec, uint64(d))
}

func stamp(rec []byte) time.Duration {
	return time.Duration(binary.BigEndian.Uint64(rec))
}
