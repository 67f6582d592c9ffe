// Entry point for vstackd
// Serves the loopback TCP engine on the rendezvous endpoint used by vtcpshim.

package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vtcp/pkg/bridge"
	"vtcp/pkg/cli"
	"vtcp/pkg/config"
	"vtcp/pkg/tcpstack"
)

type options struct {
	endpoint string
	addr     string
	console  bool
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := options{
		endpoint: bridge.DefaultEndpoint,
		addr:     "127.0.0.1",
		logLevel: "info",
	}
	cmd := &cobra.Command{
		Use:           "vstackd",
		Short:         "Serve virtual TCP sockets to programs running under vtcpshim",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.endpoint, "endpoint", opts.endpoint, "unix socket path the shim connects to")
	cmd.Flags().StringVar(&opts.addr, "addr", opts.addr, "local IPv4 address of the engine")
	cmd.Flags().BoolVar(&opts.console, "console", false, "read operator commands from stdin")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", opts.logLevel, "debug, info, warn or error")
	return cmd
}

func run(ctx context.Context, opts options) error {
	logger, err := config.NewLogger(opts.logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	bridge.SetLogger(logger)
	tcpstack.SetLogger(logger)

	localIP, err := netip.ParseAddr(opts.addr)
	if err != nil || !localIP.Is4() {
		return errors.Errorf("invalid engine address %q", opts.addr)
	}

	stack := tcpstack.New(localIP)
	srv := bridge.NewServer(stack)
	ln, err := srv.Listen(opts.endpoint)
	if err != nil {
		return err
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()
	logger.Info("engine ready", zap.String("endpoint", opts.endpoint), zap.Stringer("addr", localIP))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if opts.console {
		go func() {
			cli.MonitorCL(stack, os.Stdin, os.Stdout)
			cancel()
		}()
	}

	select {
	case <-ctx.Done():
		err = nil
	case err = <-served:
	}
	logger.Info("shutting down")
	stack.Close()
	if cerr := srv.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "vstackd:", err)
		stop()
		os.Exit(1)
	}
}
