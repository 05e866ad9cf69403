// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package selftest checks a freshly built queue with a fixed sequence of
// literal records before the relay starts serving.
package selftest

import (
	"bytes"
	"errors"
	"fmt"

	"code.hybscloud.com/edelay"
	"github.com/joeycumines/logiface"
)

// ErrFailed is wrapped by every failed check of [Run].
var ErrFailed = errors.New("selftest: failed")

// PopVerify pops one record and reports whether its first bytes equal want.
//
// A mismatch returns false and a nil error; the record is consumed either
// way. An error is returned when the pop fails or the record is shorter
// than want.
func PopVerify(q edelay.RecordConsumer, want []byte) (bool, error) {
	buf := make([]byte, edelay.ChunkSize)
	c, err := q.Pop(buf)
	if err != nil {
		return false, fmt.Errorf("selftest: pop: %w", err)
	}
	n := c.Copied(len(buf))
	if n < len(want) {
		return false, fmt.Errorf("%w: popped %d bytes, want at least %d", ErrFailed, n, len(want))
	}
	return bytes.Equal(buf[:len(want)], want), nil
}

type step struct {
	push  string // Pushed before the check, if non-empty
	check string
	match bool
}

// steps pops "Test2" while "Test1" is at the head, which must mismatch, and
// then pops "Test2" again, which must match.
var steps = []step{
	{push: "Hellorld"},
	{push: "Test1"},
	{push: "Test2"},
	{check: "Hellorld", match: true},
	{check: "Test2", match: false},
	{check: "Test2", match: true},
	{push: "Hellorld", check: "Hellorld", match: true},
}

// Run executes the literal sequence against a new four chunk queue with the
// resize policy. Records carry a trailing NUL.
func Run(logger *logiface.Logger[logiface.Event]) error {
	q, err := edelay.New(4 * edelay.ChunkSize).Policy(edelay.Resize).Build()
	if err != nil {
		return fmt.Errorf("selftest: new queue: %w", err)
	}
	return RunOn(q, logger)
}

// RunOn executes the literal sequence against q, which must be empty.
func RunOn(q edelay.RecordQueue, logger *logiface.Logger[logiface.Event]) error {
	for i, s := range steps {
		if s.push != "" {
			if err := q.Push(cstr(s.push)); err != nil {
				return fmt.Errorf("%w: step %d: push %q: %w", ErrFailed, i, s.push, err)
			}
		}
		if s.check == "" {
			continue
		}
		ok, err := PopVerify(q, cstr(s.check))
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		if ok != s.match {
			return fmt.Errorf("%w: step %d: verify %q: got %v, want %v", ErrFailed, i, s.check, ok, s.match)
		}
		logger.Debug().
			Int("step", i).
			Str("record", s.check).
			Bool("match", ok).
			Log("selftest verify")
	}
	logger.Info().Int("steps", len(steps)).Log("selftest passed")
	return nil
}

func cstr(s string) []byte {
	return append([]byte(s), 0)
}
