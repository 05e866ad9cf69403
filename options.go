// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package edelay

import (
	"fmt"
	"strings"
)

// OverflowPolicy selects what Push does when a record does not fit.
type OverflowPolicy uint8

const (
	// Skip rejects the record with [ErrCapacityExceeded].
	Skip OverflowPolicy = iota
	// Resize grows the arena and admits the record.
	Resize
	// LoopReplace evicts the oldest whole records until the new one fits.
	LoopReplace
)

// String returns the policy name as accepted by [ParseOverflowPolicy].
func (p OverflowPolicy) String() string {
	switch p {
	case Skip:
		return "skip"
	case Resize:
		return "resize"
	case LoopReplace:
		return "loop-replace"
	default:
		return fmt.Sprintf("OverflowPolicy(%d)", uint8(p))
	}
}

// ParseOverflowPolicy parses "skip", "resize" or "loop-replace"
// (case-insensitive, "_" accepted for "-").
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-") {
	case "skip":
		return Skip, nil
	case "resize":
		return Resize, nil
	case "loop-replace", "loopreplace", "replace":
		return LoopReplace, nil
	}
	return 0, fmt.Errorf("%w: unknown overflow policy %q", ErrInvalidArgument, s)
}

// Options configures queue creation.
type Options struct {
	// Capacity in bytes (rounds up to whole chunks)
	capacity int

	policy OverflowPolicy
}

// Builder creates queues with fluent configuration.
//
// Example:
//
//	// Four chunks, grow on overflow
//	q, err := edelay.New(4 * edelay.ChunkSize).Policy(edelay.Resize).Build()
//
//	// Fixed arena, drop what does not fit
//	q, err := edelay.New(1 << 20).Policy(edelay.Skip).Build()
type Builder struct {
	opts Options
}

// New creates a queue builder with the given capacity in bytes.
//
// Capacity rounds up to the next whole chunk, with a minimum of two chunks.
// The default overflow policy is [Skip].
func New(capacity int) *Builder {
	return &Builder{opts: Options{capacity: capacity}}
}

// Policy sets the overflow policy.
func (b *Builder) Policy(p OverflowPolicy) *Builder {
	b.opts.policy = p
	return b
}

// Build allocates the queue.
// Returns ErrInvalidArgument for a non-positive capacity or an unknown
// policy, and ErrAllocationFailure if the arena would exceed [MaxChunks].
func (b *Builder) Build() (*Queue, error) {
	return NewQueue(b.opts.capacity, b.opts.policy)
}

// chunksFor returns the number of chunks needed to hold n bytes.
// A zero-length record still occupies one chunk.
func chunksFor(n int) int {
	if n <= 0 {
		return 1
	}
	return (n + ChunkSize - 1) / ChunkSize
}

// roundToChunks rounds a capacity in bytes up to whole chunks.
func roundToChunks(capacity int) int {
	n := chunksFor(capacity)
	if n < minChunks {
		return minChunks
	}
	return n
}

// pad is cache line padding to prevent false sharing.
type pad [64]byte
