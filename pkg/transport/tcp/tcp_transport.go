package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"bklv/p2p-share/pkg/logger"
	"bklv/p2p-share/pkg/transport"
)

// TCPTransport implements transport.Transport
type TCPTransport struct {
	name       string
	listenAddr string
	listener   net.Listener
	handler    transport.Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// NewTCPTransport prepares a transport; name only tags log lines.
func NewTCPTransport(name, addr string, handler transport.Handler) *TCPTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPTransport{
		name:       name,
		listenAddr: addr,
		handler:    handler,
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[net.Conn]struct{}),
	}
}

func (t *TCPTransport) ListenAndAccept() error {
	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || t.ctx.Err() != nil {
				return
			}
			logger.Sugar.Errorf("[%s] accept error: listen=%s err=%v", t.name, t.listenAddr, err)
			// back off so a persistent accept error doesn't spin
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if !t.track(conn) {
			conn.Close()
			return
		}
		t.wg.Add(1)
		go t.handleConn(conn)
	}
}

func (t *TCPTransport) track(conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[conn] = struct{}{}
	return true
}

func (t *TCPTransport) handleConn(conn net.Conn) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.conns, conn)
		t.mu.Unlock()
		conn.Close()
	}()
	defer func() {
		if r := recover(); r != nil {
			logger.Sugar.Errorf("[%s] handler panic: remote=%s err=%v", t.name, conn.RemoteAddr(), r)
		}
	}()

	t.handler.ServeConn(t.ctx, conn)
}

// Close stops accepting, closes every live connection so in-flight writers
// fail fast, and waits for handlers to return.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.cancel()
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	for c := range t.conns {
		c.Close()
	}
	t.mu.Unlock()

	t.wg.Wait()
	return err
}

// Addr returns the bound address once listening, else the configured one.
func (t *TCPTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.listenAddr
}

// ActiveConns reports how many connections are being served.
func (t *TCPTransport) ActiveConns() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Dial connects to addr, honouring both ctx and timeout.
func Dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return conn, nil
}
