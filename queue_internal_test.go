// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package edelay

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestChunksFor(t *testing.T) {
	tests := []struct{ n, want int }{
		{0, 1},
		{1, 1},
		{ChunkSize, 1},
		{ChunkSize + 1, 2},
		{3 * ChunkSize, 3},
	}
	for _, tt := range tests {
		if got := chunksFor(tt.n); got != tt.want {
			t.Fatalf("chunksFor(%d): got %d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestPopCorruptedOffset(t *testing.T) {
	q, err := NewQueue(4*ChunkSize, Skip)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	if err := q.Push([]byte("abc")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	q.chunks[0].offset = q.chunks[0].used + 1

	_, err = q.Pop(make([]byte, 8))
	if !errors.Is(err, ErrCorrupted) {
		t.Fatalf("Pop: got %v, want ErrCorrupted", err)
	}
	if !IsFatal(err) {
		t.Fatalf("IsFatal(%v): got false, want true", err)
	}
	if _, err := q.PeekSize(); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("PeekSize: got %v, want ErrCorrupted", err)
	}
}

func TestPopCorruptedChain(t *testing.T) {
	q, err := NewQueue(4*ChunkSize, Skip)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	if err := q.Push([]byte("abc")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	// The only record claims to continue into the free slot.
	q.chunks[0].continues = true

	if _, err := q.Pop(make([]byte, 8)); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("Pop: got %v, want ErrCorrupted", err)
	}
}

func TestStampRoundTrip(t *testing.T) {
	d := 90*time.Hour + 123456789*time.Nanosecond
	rec := make([]byte, TimestampSize)
	putStamp(rec, d)
	if got := stamp(rec); got != d {
		t.Fatalf("stamp: got %v, want %v", got, d)
	}
	if rec[0] != byte(uint64(d)>>56) || rec[7] != byte(uint64(d)) {
		t.Fatalf("stamp: not big-endian: %x", rec)
	}
}

// TestEnqueueStampsMonotonic checks that stamps are offsets from the
// scheduler epoch and that the decoded arrival carries a monotonic reading.
func TestEnqueueStampsMonotonic(t *testing.T) {
	q, err := NewQueue(4*ChunkSize, Resize)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	s := NewScheduler(q, io.Discard, time.Second)
	if err := s.Enqueue([]byte("x")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	upper := time.Since(s.epoch)

	rec := make([]byte, ChunkSize)
	c, err := q.Pop(rec)
	if err != nil || !c.Complete() {
		t.Fatalf("Pop: got (%d, %v)", c, err)
	}
	d := stamp(rec)
	if d < 0 || d > upper {
		t.Fatalf("stamp: got %v, want in [0, %v]", d, upper)
	}
	arrival := s.epoch.Add(d)
	if !strings.Contains(arrival.String(), " m=") {
		t.Fatalf("arrival %v has no monotonic reading", arrival)
	}
}

func TestWaitUntilPast(t *testing.T) {
	start := time.Now()
	if err := waitUntil(t.Context(), start.Add(-time.Second)); err != nil {
		t.Fatalf("waitUntil: %v", err)
	}
	if d := time.Since(start); d > 50*time.Millisecond {
		t.Fatalf("waitUntil(past): took %v", d)
	}
}

func TestWaitUntilFuture(t *testing.T) {
	deadline := time.Now().Add(5 * time.Millisecond)
	if err := waitUntil(t.Context(), deadline); err != nil {
		t.Fatalf("waitUntil: %v", err)
	}
	if now := time.Now(); now.Before(deadline) {
		t.Fatalf("waitUntil: returned %v before deadline", deadline.Sub(now))
	}
}
