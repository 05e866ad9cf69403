// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build unix

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"code.hybscloud.com/edelay/relay"
	"github.com/joeycumines/logiface"
)

// notifyCancel forwards SIGUSR1 to srv.Cancel until ctx is done or the
// returned stop function is called.
func notifyCancel(ctx context.Context, srv *relay.Server, logger *logiface.Logger[logiface.Event]) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				if !srv.Cancel() {
					logger.Notice().Log("cancel ignored: no active session")
				}
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		cancel()
	}
}
