// Package gatewaytest provides an in-process, channel-backed Transport pair
// for exercising the gateway without sockets or framing. Used by the package
// tests and the runnable examples.
package gatewaytest

import (
	"context"
	"io"
	"sync"

	"github.com/pushwire/pushwire-go/gateway"
	"github.com/pushwire/pushwire-go/session"
	"github.com/pushwire/pushwire-go/wire"
)

// Endpoint is one end of an in-process connection. Both ends implement
// gateway.Transport; closing either end unblocks the peer's Receive.
type Endpoint struct {
	recv <-chan *wire.Message
	send chan<- *wire.Message

	localDone  chan struct{}
	remoteDone chan struct{}
	closeOnce  sync.Once
}

var _ gateway.Transport = (*Endpoint)(nil)

// NewPair creates a connected client/server endpoint pair. buffer is the
// per-direction channel capacity; sends beyond it block like a full socket
// buffer would.
func NewPair(buffer int) (client, server *Endpoint) {
	c2s := make(chan *wire.Message, buffer)
	s2c := make(chan *wire.Message, buffer)
	clientDone := make(chan struct{})
	serverDone := make(chan struct{})
	client = &Endpoint{recv: s2c, send: c2s, localDone: clientDone, remoteDone: serverDone}
	server = &Endpoint{recv: c2s, send: s2c, localDone: serverDone, remoteDone: clientDone}
	return client, server
}

func (e *Endpoint) Receive(ctx context.Context) (*wire.Message, error) {
	// Deliver anything already in flight before reporting close.
	select {
	case msg := <-e.recv:
		return msg, nil
	default:
	}
	select {
	case msg := <-e.recv:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.localDone:
	case <-e.remoteDone:
	}
	select {
	case msg := <-e.recv:
		return msg, nil
	default:
		return nil, io.EOF
	}
}

func (e *Endpoint) Send(ctx context.Context, msg *wire.Message) error {
	select {
	case <-e.localDone:
		return io.ErrClosedPipe
	case <-e.remoteDone:
		return io.ErrClosedPipe
	default:
	}
	select {
	case e.send <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.localDone:
		return io.ErrClosedPipe
	case <-e.remoteDone:
		return io.ErrClosedPipe
	}
}

func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() { close(e.localDone) })
	return nil
}

// SendHello is a test convenience for the admission frame.
func (e *Endpoint) SendHello(ctx context.Context, credential string, kind session.ClientKind, prefs *session.Preferences) error {
	return e.Send(ctx, &wire.Message{
		Type: wire.TypeHello,
		Hello: &wire.Hello{
			Credential:  credential,
			ClientKind:  kind,
			Preferences: prefs,
		},
	})
}
