// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"code.hybscloud.com/edelay"
	"github.com/google/uuid"
	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// Session relays one connection: its ingress goroutine reads segments and
// enqueues them, its consumer goroutine runs the scheduler.
type Session struct {
	id      uuid.UUID
	conn    net.Conn
	sched   *edelay.Scheduler
	logger  *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter
}

// SessionOption configures a Session.
type SessionOption func(s *Session)

// WithSessionLogger sets the logger. Every line carries the session id.
func WithSessionLogger(l *logiface.Logger[logiface.Event]) SessionOption {
	return func(s *Session) {
		s.logger = l
	}
}

// WithDropLimiter rate-limits the dropped segment warnings. Sessions that
// share a limiter are limited independently, by session id.
func WithDropLimiter(l *catrate.Limiter) SessionOption {
	return func(s *Session) {
		s.limiter = l
	}
}

// NewSession creates a session relaying conn through q to sink after delay.
// q must be empty and must not be used by another session concurrently.
func NewSession(conn net.Conn, q edelay.RecordQueue, sink io.Writer, delay time.Duration, opts ...SessionOption) *Session {
	s := &Session{
		id:   uuid.New(),
		conn: conn,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.Clone().Str("session", s.id.String()).Logger()
	s.sched = edelay.NewScheduler(q, sink, delay, edelay.WithLogger(s.logger))
	return s
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID { return s.id }

// Scheduler returns the session scheduler.
func (s *Session) Scheduler() *edelay.Scheduler { return s.sched }

// Serve relays until the peer closes the connection, ctx is done, or the
// consumer fails. Both goroutines have stopped when Serve returns.
//
// Records still held when the connection ends are discarded. A read error
// other than EOF, a sink failure, and a fatal queue error are returned;
// see [edelay.IsFatal].
func (s *Session) Serve(ctx context.Context) error {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	// Unblock a pending Read when ctx is done or the consumer stops.
	stop := context.AfterFunc(runCtx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	done := make(chan error, 1)
	go func() {
		err := s.sched.Run(runCtx)
		cancelRun()
		done <- err
	}()

	s.logger.Info().
		Str("remote", remoteAddr(s.conn)).
		Dur("delay", s.sched.Delay()).
		Log("session started")

	readErr := s.ingress()

	s.sched.Disconnect()
	cancelRun()
	runErr := <-done
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		runErr = nil
	}

	st := s.sched.Stats()
	s.logger.Info().
		Uint64("enqueued", st.Enqueued).
		Uint64("released", st.Released).
		Uint64("dropped", st.Dropped).
		Uint64("cancelled", st.Cancelled).
		Log("session ended")

	return errors.Join(readErr, runErr)
}

// Cancel discards the next record due for release.
func (s *Session) Cancel() {
	s.sched.Cancel()
	s.logger.Notice().Log("cancel requested")
}

// ingress reads segments until EOF or the read deadline set on shutdown.
func (s *Session) ingress() error {
	buf := make([]byte, edelay.MaxSegment)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			if qerr := s.sched.Enqueue(buf[:n]); qerr != nil {
				if !errors.Is(qerr, edelay.ErrCapacityExceeded) {
					return fmt.Errorf("relay: enqueue: %w", qerr)
				}
				s.dropped(n)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("relay: read: %w", err)
		}
	}
}

func (s *Session) dropped(n int) {
	if _, ok := s.limiter.Allow(s.id); !ok {
		return
	}
	s.logger.Warning().
		Int("bytes", n).
		Uint64("total", s.sched.Stats().Dropped).
		Log("segment dropped: queue full")
}

func remoteAddr(conn net.Conn) string {
	if a := conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
