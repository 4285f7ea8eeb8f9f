package transport

import (
	"context"
	"net"
)

// Handler serves one accepted connection. The context is cancelled when the
// transport shuts down; the connection is closed by the transport afterwards.
type Handler interface {
	ServeConn(ctx context.Context, conn net.Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn net.Conn)

func (f HandlerFunc) ServeConn(ctx context.Context, conn net.Conn) {
	f(ctx, conn)
}

// Transport accepts connections and hands each to its own goroutine.
type Transport interface {
	ListenAndAccept() error
	Close() error
	Addr() string
}
