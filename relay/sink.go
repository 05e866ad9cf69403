// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
)

// SinkFunc opens the egress for one session. The server closes the
// returned writer when the session ends.
type SinkFunc func(ctx context.Context) (io.WriteCloser, error)

// StdoutSink writes the delayed stream to the process stdout, which is
// never closed.
func StdoutSink() SinkFunc {
	return WriterSink(os.Stdout)
}

// WriterSink shares w across sessions. Close is a no-op.
func WriterSink(w io.Writer) SinkFunc {
	return func(context.Context) (io.WriteCloser, error) {
		return nopCloser{w}, nil
	}
}

// DialSink opens a TCP connection to addr for every session.
func DialSink(addr string) SinkFunc {
	return func(ctx context.Context) (io.WriteCloser, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("relay: dial sink %s: %w", addr, err)
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		return conn, nil
	}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
