package socket

import (
	"context"
	"net/netip"
	"time"

	"vtcp/pkg/bridge"
)

// Channel is the exclusive link between one virtual socket and the stack.
// *bridge.Channel implements it.
type Channel interface {
	Bind(ctx context.Context, addr netip.AddrPort) (netip.AddrPort, error)
	Listen(ctx context.Context, backlog int) error
	Connect(ctx context.Context, addr netip.AddrPort, wait time.Duration) (netip.AddrPort, error)
	Accept(ctx context.Context, wait time.Duration, max int) ([]bridge.Pending, error)
	Send(ctx context.Context, data []byte, wait time.Duration) (int, error)
	Receive(ctx context.Context, max int, wait time.Duration, peek bool) ([]byte, bool, error)
	Poll(ctx context.Context) (bridge.PollResult, bool, error)
	Shutdown(ctx context.Context, how int) error
	Close(ctx context.Context) error
	Closed() bool
}

type Dialer interface {
	Open(ctx context.Context) (Channel, error)
	Adopt(ctx context.Context, token uint64) (Channel, error)
}

// BridgeDialer opens channels with a bridge.Dialer.
type BridgeDialer struct {
	*bridge.Dialer
}

func (d BridgeDialer) Open(ctx context.Context) (Channel, error) {
	ch, err := d.Dialer.Open(ctx)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (d BridgeDialer) Adopt(ctx context.Context, token uint64) (Channel, error) {
	ch, err := d.Dialer.Adopt(ctx, token)
	if err != nil {
		return nil, err
	}
	return ch, nil
}
