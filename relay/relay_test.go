// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"code.hybscloud.com/edelay"
	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a goroutine-safe bytes.Buffer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger(w io.Writer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()
}

// newQueue skips under the race detector: every test here runs a session or
// server, whose ingress and consumer goroutines sync through atomix.
func newQueue(t *testing.T, chunks int, policy edelay.OverflowPolicy) *edelay.Queue {
	t.Helper()
	if edelay.RaceEnabled {
		t.Skip("atomix synchronization is invisible to the race detector")
	}
	q, err := edelay.New(chunks * edelay.ChunkSize).Policy(policy).Build()
	require.NoError(t, err)
	return q
}

// =============================================================================
// Session
// =============================================================================

func TestSessionRelaysInOrder(t *testing.T) {
	client, server := net.Pipe()
	sink := &syncBuffer{}
	sess := NewSession(server, newQueue(t, 4, edelay.Resize), sink, 10*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- sess.Serve(context.Background()) }()

	var want strings.Builder
	for i := range 20 {
		seg := strings.Repeat(string(rune('a'+i)), 10+i)
		want.WriteString(seg)
		_, err := client.Write([]byte(seg))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return sink.String() == want.String() }, 5*time.Second, time.Millisecond)
	require.NoError(t, client.Close())
	require.NoError(t, <-done)

	st := sess.Scheduler().Stats()
	require.EqualValues(t, 20, st.Enqueued)
	require.EqualValues(t, 20, st.Released)
	require.False(t, sess.Scheduler().Connected())
}

// TestSessionSplitsLargeWrites checks that ingress never enqueues more than
// one chunk including the timestamp per read.
func TestSessionSplitsLargeWrites(t *testing.T) {
	client, server := net.Pipe()
	sink := &syncBuffer{}
	q := newQueue(t, 8, edelay.Resize)
	sess := NewSession(server, q, sink, time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- sess.Serve(context.Background()) }()

	payload := strings.Repeat("0123456789", 1000)
	_, err := client.Write([]byte(payload))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sink.String() == payload }, 5*time.Second, time.Millisecond)
	require.NoError(t, client.Close())
	require.NoError(t, <-done)

	st := sess.Scheduler().Stats()
	require.GreaterOrEqual(t, st.Enqueued, uint64((len(payload)+edelay.MaxSegment-1)/edelay.MaxSegment))
	require.Equal(t, 8, q.Cap(), "segments of MaxSegment bytes fit one chunk each")
}

func TestSessionDropWarningsRateLimited(t *testing.T) {
	client, server := net.Pipe()
	logs := &syncBuffer{}
	limiter := catrate.NewLimiter(map[time.Duration]int{time.Hour: 1})
	sess := NewSession(server, newQueue(t, 2, edelay.Skip), io.Discard, time.Hour,
		WithSessionLogger(testLogger(logs)),
		WithDropLimiter(limiter),
	)

	done := make(chan error, 1)
	go func() { done <- sess.Serve(context.Background()) }()

	for range 6 {
		_, err := client.Write([]byte("segment"))
		require.NoError(t, err)
	}
	require.NoError(t, client.Close())
	require.NoError(t, <-done)

	st := sess.Scheduler().Stats()
	require.GreaterOrEqual(t, st.Dropped, uint64(4))
	require.Equal(t, 1, strings.Count(logs.String(), "segment dropped"))
	require.Contains(t, logs.String(), sess.ID().String())
	require.Contains(t, logs.String(), `"msg":"session ended"`)
}

func TestSessionSinkFailure(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	errSink := errors.New("downstream gone")
	sink := writerFunc(func([]byte) (int, error) { return 0, errSink })
	sess := NewSession(server, newQueue(t, 4, edelay.Resize), sink, time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- sess.Serve(context.Background()) }()

	_, err := client.Write([]byte("x"))
	require.NoError(t, err)

	select {
	case err := <-done:
		require.ErrorIs(t, err, errSink)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after sink failure")
	}
}

func TestSessionContextCancel(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	sess := NewSession(server, newQueue(t, 4, edelay.Resize), io.Discard, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sess.Serve(ctx) }()

	_, err := client.Write([]byte("held"))
	require.NoError(t, err)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestSessionCancel(t *testing.T) {
	client, server := net.Pipe()
	sink := &syncBuffer{}
	sess := NewSession(server, newQueue(t, 4, edelay.Resize), sink, 100*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- sess.Serve(context.Background()) }()

	_, err := client.Write([]byte("A"))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = client.Write([]byte("B"))
	require.NoError(t, err)
	sess.Cancel()

	require.Eventually(t, func() bool { return sink.String() == "B" }, 5*time.Second, time.Millisecond)
	require.NoError(t, client.Close())
	require.NoError(t, <-done)
	require.EqualValues(t, 1, sess.Scheduler().Stats().Cancelled)
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// =============================================================================
// Server
// =============================================================================

func startServer(t *testing.T, srv *Server) (addr string, done <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after cancel")
		}
	})
	return ln.Addr().String(), ch
}

func TestServerSequentialSessions(t *testing.T) {
	sink := &syncBuffer{}
	q := newQueue(t, 4, edelay.Resize)
	srv := NewServer(q, 5*time.Millisecond, WithSink(WriterSink(sink)), WithLogger(testLogger(io.Discard)))
	addr, _ := startServer(t, srv)

	for i, msg := range []string{"first session;", "second session;"} {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		_, err = conn.Write([]byte(msg))
		require.NoError(t, err)

		want := strings.Join([]string{"first session;", "second session;"}[:i+1], "")
		require.Eventually(t, func() bool { return sink.String() == want }, 5*time.Second, time.Millisecond)
		require.NoError(t, conn.Close())
		require.Eventually(t, func() bool { return srv.Sessions() == uint64(i+1) }, 5*time.Second, time.Millisecond)
		require.True(t, q.IsEmpty())
	}
}

func TestServerForwardsToDialSink(t *testing.T) {
	downstream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer downstream.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := downstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		b, _ := io.ReadAll(conn)
		received <- b
	}()

	srv := NewServer(newQueue(t, 4, edelay.Resize), 5*time.Millisecond, WithSink(DialSink(downstream.Addr().String())))
	addr, _ := startServer(t, srv)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = conn.Write([]byte("forwarded"))
	require.NoError(t, err)

	// The sink closes when the session ends, after the segment was released.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, conn.Close())

	select {
	case b := <-received:
		require.Equal(t, "forwarded", string(b))
	case <-time.After(5 * time.Second):
		t.Fatal("downstream received nothing")
	}
}

func TestServerSinkUnavailable(t *testing.T) {
	logs := &syncBuffer{}
	failing := SinkFunc(func(context.Context) (io.WriteCloser, error) {
		return nil, errors.New("no route")
	})
	srv := NewServer(newQueue(t, 4, edelay.Resize), time.Millisecond, WithSink(failing), WithLogger(testLogger(logs)))
	addr, _ := startServer(t, srv)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	// The server closes the connection and keeps accepting.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
	require.Contains(t, logs.String(), "sink unavailable")

	conn2, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	require.NoError(t, conn2.Close())
}

func TestServerCancel(t *testing.T) {
	srv := NewServer(newQueue(t, 4, edelay.Resize), time.Millisecond, WithSink(WriterSink(io.Discard)))
	require.False(t, srv.Cancel(), "no active session")
}

func TestServerStopsOnContext(t *testing.T) {
	srv := NewServer(newQueue(t, 4, edelay.Resize), time.Millisecond, WithSink(WriterSink(io.Discard)))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	_, err = net.Dial("tcp", ln.Addr().String())
	require.Error(t, err)
}

func TestListenAndServeBadAddress(t *testing.T) {
	srv := NewServer(newQueue(t, 4, edelay.Resize), time.Millisecond)
	err := srv.ListenAndServe(context.Background(), "256.0.0.1:bad")
	require.Error(t, err)
}
