//go:build linux && cgo

// Command vtcpshim is built with -buildmode=c-shared and loaded through
// LD_PRELOAD. IPv4 TCP sockets created by the host program are served by the
// vstackd engine over its unix endpoint; every other call reaches the C
// library unchanged.
//
//	go build -buildmode=c-shared -o libvtcp.so ./cmd/vtcpshim
//	LD_PRELOAD=./libvtcp.so VTCP_LOG_LEVEL=debug curl http://10.0.0.2:8080/
package main

import (
	"os"
	"sync"

	"go.uber.org/zap"

	"vtcp/pkg/bridge"
	"vtcp/pkg/config"
	"vtcp/pkg/dispatch"
	"vtcp/pkg/socket"
)

var (
	logger     = zap.NewNop()
	once       sync.Once
	dispatcher *dispatch.Dispatcher
)

// Logger returns the shim's logger.
func Logger() *zap.Logger {
	return logger
}

// current builds the dispatcher on the first intercepted call.
func current() *dispatch.Dispatcher {
	once.Do(func() {
		cfg, err := config.FromEnv(os.LookupEnv)
		if err != nil {
			cfg = config.Default()
		}
		if l, lerr := config.NewLogger(cfg.LogLevel); lerr == nil {
			logger = l
		}
		if err != nil {
			logger.Warn("ignoring environment", zap.Error(err))
		}
		bridge.SetLogger(logger)
		socket.SetLogger(logger)
		dispatch.SetLogger(logger)

		table := socket.NewTable(socket.Options{
			Config: cfg,
			Dialer: socket.BridgeDialer{Dialer: &bridge.Dialer{
				Path:    cfg.Endpoint,
				Timeout: cfg.DialTimeout,
			}},
		})
		dispatcher = dispatch.New(newLibcNative(), table)
		logger.Info("shim loaded", zap.String("endpoint", cfg.Endpoint), zap.Int("pid", os.Getpid()))
	})
	return dispatcher
}

func main() {}
