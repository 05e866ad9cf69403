// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package edelay

import (
	"errors"
	"fmt"

	"code.hybscloud.com/iox"
)

// ErrWouldBlock indicates the operation cannot proceed immediately.
//
// It is never returned bare by this package. [ErrEmpty] and
// [ErrCapacityExceeded] wrap it, so callers that only care about
// "try again later" can test for it with [IsWouldBlock].
//
// This is an alias for [iox.ErrWouldBlock] for ecosystem consistency.
var ErrWouldBlock = iox.ErrWouldBlock

var (
	// ErrEmpty is returned by Pop and PeekSize when no record is queued.
	//
	// For the delay scheduler this is the expected poll signal, not a failure.
	ErrEmpty = fmt.Errorf("edelay: queue empty: %w", iox.ErrWouldBlock)

	// ErrCapacityExceeded is returned by Push when the record does not fit
	// and the overflow policy could not make room for it. Nothing was
	// written. Ingress handles it by dropping the segment.
	ErrCapacityExceeded = fmt.Errorf("edelay: capacity exceeded: %w", iox.ErrWouldBlock)

	// ErrAllocationFailure is returned when a chunk arena of the requested
	// size cannot be allocated (see [MaxChunks]).
	ErrAllocationFailure = errors.New("edelay: allocation failure")

	// ErrInvalidArgument reports a programmer error: an empty buffer, a
	// non-positive capacity, an unknown policy.
	ErrInvalidArgument = errors.New("edelay: invalid argument")

	// ErrShrinkUnsupported is returned by Resize for a capacity below the
	// current one. It wraps [ErrInvalidArgument].
	ErrShrinkUnsupported = fmt.Errorf("%w: shrink unsupported", ErrInvalidArgument)

	// ErrCorrupted reports a broken chunk header invariant, e.g. a consumed
	// offset past the chunk's used length. The queue cannot be trusted
	// afterwards.
	ErrCorrupted = errors.New("edelay: queue corrupted")
)

// IsWouldBlock reports whether err indicates the operation would block.
// Delegates to [iox.IsWouldBlock] for wrapped error support.
func IsWouldBlock(err error) bool {
	return iox.IsWouldBlock(err)
}

// IsSemantic reports whether err is a control flow signal (not a failure).
// Delegates to [iox.IsSemantic].
func IsSemantic(err error) bool {
	return iox.IsSemantic(err)
}

// IsNonFailure reports whether err represents a non-failure condition.
// Returns true for nil, ErrWouldBlock, or ErrMore.
// Delegates to [iox.IsNonFailure].
func IsNonFailure(err error) bool {
	return iox.IsNonFailure(err)
}

// IsFatal reports whether err means the queue must not be used again:
// corruption, or an arena that could not be allocated.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCorrupted) || errors.Is(err, ErrAllocationFailure)
}
