// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package relay accepts a live stream over TCP and relays it through a
// delay queue to a sink.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/edelay"
	"code.hybscloud.com/iox"
	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// DefaultDropRates bounds dropped segment warnings per session.
var DefaultDropRates = map[time.Duration]int{
	time.Second: 5,
	time.Minute: 60,
}

// Server accepts connections and serves them one at a time over a single
// queue. The queue is cleared after every session.
type Server struct {
	queue   *edelay.Queue
	delay   time.Duration
	sink    SinkFunc
	logger  *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter

	mu     sync.Mutex
	active *Session

	sessions atomix.Uint64
}

// Option configures a Server.
type Option func(s *Server)

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(l *logiface.Logger[logiface.Event]) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithSink sets the egress. The default is [StdoutSink].
func WithSink(f SinkFunc) Option {
	return func(s *Server) {
		s.sink = f
	}
}

// WithDropRates sets the dropped segment warning limits, see
// [catrate.NewLimiter]. A nil map logs every drop.
func WithDropRates(rates map[time.Duration]int) Option {
	return func(s *Server) {
		if rates == nil {
			s.limiter = nil
			return
		}
		s.limiter = catrate.NewLimiter(rates)
	}
}

// NewServer creates a server relaying through q with the given delay.
func NewServer(q *edelay.Queue, delay time.Duration, opts ...Option) *Server {
	s := &Server{
		queue:   q,
		delay:   delay,
		sink:    StdoutSink(),
		limiter: catrate.NewLimiter(DefaultDropRates),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ListenAndServe listens on the TCP address addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("relay: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then closes ln and
// returns nil.
//
// Connection and sink errors are logged and the next connection is
// accepted. A fatal queue error stops the server and is returned.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Dur("delay", s.delay).
		Int("chunks", s.queue.Cap()).
		Stringer("overflow", s.queue.Policy()).
		Log("listening")

	backoff := iox.Backoff{}
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("relay: accept: %w", err)
			}
			s.logger.Warning().Err(err).Log("accept failed")
			backoff.Wait()
			continue
		}
		backoff.Reset()

		if err := s.handle(ctx, conn); err != nil {
			return err
		}
	}
}

// Cancel discards the next record due for release in the active session.
// It reports whether a session was active.
func (s *Server) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return false
	}
	s.active.Cancel()
	return true
}

// Sessions returns the number of sessions served so far.
func (s *Server) Sessions() uint64 {
	return s.sessions.LoadAcquire()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	sink, err := s.sink(ctx)
	if err != nil {
		s.logger.Err().Err(err).Str("remote", remoteAddr(conn)).Log("sink unavailable, closing connection")
		return nil
	}
	defer sink.Close()

	sess := NewSession(conn, s.queue, sink, s.delay,
		WithSessionLogger(s.logger),
		WithDropLimiter(s.limiter),
	)
	s.setActive(sess)
	err = sess.Serve(ctx)
	s.setActive(nil)

	if edelay.IsFatal(err) {
		return fmt.Errorf("relay: session %s: %w", sess.ID(), err)
	}
	// Both session goroutines have stopped.
	s.queue.Clear()
	s.sessions.AddAcqRel(1)
	if err != nil {
		s.logger.Warning().Err(err).Str("session", sess.ID().String()).Log("session failed")
	}
	return nil
}

func (s *Server) setActive(sess *Session) {
	s.mu.Lock()
	s.active = sess
	s.mu.Unlock()
}
