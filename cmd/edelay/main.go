// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command edelay accepts a live byte stream over TCP and writes it to
// stdout, or forwards it, after a fixed delay.
//
//	edelay --port 1935 --delay 7s > out.flv
//	edelay --forward origin.example:1935 --overflow skip
//	edelay selftest
//
// On unix, SIGUSR1 discards the next segment due for release.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"code.hybscloud.com/edelay"
	"code.hybscloud.com/edelay/internal/config"
	"code.hybscloud.com/edelay/internal/selftest"
	"code.hybscloud.com/edelay/relay"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd(os.Stderr).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(logOut io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "edelay",
		Short:         "edelay - a broadcast delay relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, logger, err := setup(cmd, logOut)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), c, logger)
		},
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(&cobra.Command{
		Use:   "selftest",
		Short: "Run the queue self-test and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := setup(cmd, logOut)
			if err != nil {
				return err
			}
			return selftest.Run(logger)
		},
	})
	return root
}

func setup(cmd *cobra.Command, logOut io.Writer) (*config.Config, *logiface.Logger[logiface.Event], error) {
	c, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	level, err := c.Level()
	if err != nil {
		return nil, nil, err
	}
	return c, newLogger(logOut, level), nil
}

func newLogger(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}

func serve(ctx context.Context, c *config.Config, logger *logiface.Logger[logiface.Event]) error {
	if c.SelfTest {
		if err := selftest.Run(logger); err != nil {
			return err
		}
	}

	policy, err := c.Policy()
	if err != nil {
		return err
	}
	q, err := edelay.New(c.Capacity).Policy(policy).Build()
	if err != nil {
		return fmt.Errorf("edelay: queue: %w", err)
	}

	sink := relay.StdoutSink()
	if c.Forward != "" {
		sink = relay.DialSink(c.Forward)
	}
	srv := relay.NewServer(q, c.Delay,
		relay.WithLogger(logger),
		relay.WithSink(sink),
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer notifyCancel(ctx, srv, logger)()

	err = srv.ListenAndServe(ctx, c.Addr())
	logger.Info().Uint64("sessions", srv.Sessions()).Log("shutdown")
	return err
}
