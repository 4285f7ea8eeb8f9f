package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"bklv/p2p-share/pkg/fetch"
	"bklv/p2p-share/pkg/logger"
	"bklv/p2p-share/pkg/monitor"
	"bklv/p2p-share/pkg/protocol"
	"bklv/p2p-share/pkg/transport"
	"bklv/p2p-share/pkg/transport/tcp"
)

const (
	smallChunkSize     = 64 << 10
	largeChunkSize     = 1 << 20
	largeFileThreshold = 100 << 20

	// requestTimeout bounds how long a connection may sit before its GET.
	requestTimeout = 30 * time.Second
)

var ErrShortTransfer = errors.New("transfer ended early")

// chunkSize picks the copy buffer for a body of the given size.
func chunkSize(size int64) int {
	if size > largeFileThreshold {
		return largeChunkSize
	}
	return smallChunkSize
}

// TransferServer answers GET requests for published files. Each connection
// carries one request.
type TransferServer struct {
	catalog   *Catalog
	metrics   *monitor.Metrics
	transport transport.Transport

	onStart func()
	onEnd   func()
}

func NewTransferServer(addr string, catalog *Catalog, metrics *monitor.Metrics) *TransferServer {
	if metrics == nil {
		metrics = monitor.Global
	}
	s := &TransferServer{catalog: catalog, metrics: metrics}
	s.transport = tcp.NewTCPTransport("Transfer", addr, s)
	return s
}

// OnTransfer installs callbacks run around every upload.
func (s *TransferServer) OnTransfer(start, end func()) {
	s.onStart = start
	s.onEnd = end
}

func (s *TransferServer) Start() error {
	return s.transport.ListenAndAccept()
}

func (s *TransferServer) Addr() string {
	return s.transport.Addr()
}

func (s *TransferServer) Close() error {
	return s.transport.Close()
}

func (s *TransferServer) ServeConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()

	conn.SetReadDeadline(time.Now().Add(requestTimeout))
	r := protocol.NewLineReader(conn, protocol.MaxPeerLineSize)
	line, err := r.ReadLine()
	if err != nil {
		if errors.Is(err, protocol.ErrLineTooLong) {
			protocol.WriteError(conn, "bad request")
		}
		return
	}
	conn.SetReadDeadline(time.Time{})

	name, err := protocol.ParseGet(line)
	if err != nil {
		logger.Sugar.Warnf("[Transfer] bad request from %s: %v", remote, err)
		protocol.WriteError(conn, "bad request")
		return
	}

	meta, ok := s.catalog.Published(name)
	if !ok {
		logger.Sugar.Infof("[Transfer] %s asked for '%s': not published", remote, name)
		protocol.WriteError(conn, "notfound")
		return
	}
	f, err := os.Open(meta.Path)
	if err != nil {
		logger.Sugar.Errorf("[Transfer] failed to open %s: %v", meta.Path, err)
		if errors.Is(err, os.ErrNotExist) {
			protocol.WriteError(conn, "notfound")
		} else {
			protocol.WriteError(conn, "unreadable")
		}
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		protocol.WriteError(conn, "unreadable")
		return
	}
	size := info.Size()

	if err := protocol.WriteLength(conn, size); err != nil {
		return
	}

	if s.onStart != nil {
		s.onStart()
	}
	done := s.metrics.ServeStarted()
	sent, err := s.stream(ctx, conn, f, size)
	ok = err == nil && sent == size
	done(sent, ok)
	if s.onEnd != nil {
		s.onEnd()
	}

	if !ok {
		logger.Sugar.Warnf("[Transfer] sending '%s' to %s stopped after %d of %d bytes: %v", name, remote, sent, size, err)
		return
	}
	logger.Sugar.Infof("[Transfer] sent '%s' (%d bytes) to %s", name, size, remote)
}

// stream writes exactly size bytes of f, one chunk at a time.
func (s *TransferServer) stream(ctx context.Context, w io.Writer, f io.Reader, size int64) (int64, error) {
	buf := make([]byte, chunkSize(size))
	var sent int64
	for sent < size {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		want := int64(len(buf))
		if rem := size - sent; rem < want {
			want = rem
		}
		n, rerr := io.ReadFull(f, buf[:want])
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			sent += int64(wn)
			if werr != nil {
				return sent, werr
			}
		}
		if rerr != nil {
			// the file shrank; the receiver sees a short body
			return sent, fmt.Errorf("%w: %v", ErrShortTransfer, rerr)
		}
	}
	return sent, nil
}

// deadlineReader pushes the read deadline forward before every read, so
// only a stalled peer times out.
type deadlineReader struct {
	conn net.Conn
	r    io.Reader
	idle time.Duration
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	if d.idle > 0 {
		d.conn.SetReadDeadline(time.Now().Add(d.idle))
	}
	return d.r.Read(p)
}

// fetchFrom runs one GET exchange against addr and streams the body into
// sess. The destination only changes when the session completes.
func fetchFrom(ctx context.Context, addr, name string, sess *fetch.Session, timeout time.Duration) (int64, error) {
	fail := func(err error) error {
		sess.Fail(err.Error())
		return err
	}

	if err := sess.Connecting(); err != nil {
		return 0, err
	}
	conn, err := tcp.Dial(ctx, addr, timeout)
	if err != nil {
		return 0, fail(err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}
	if err := protocol.WriteGet(conn, name); err != nil {
		return 0, fail(fmt.Errorf("failed to send request: %w", err))
	}
	r := protocol.NewLineReader(conn, protocol.MaxPeerLineSize)
	line, err := r.ReadLine()
	if err != nil {
		return 0, fail(fmt.Errorf("no reply from %s: %w", addr, err))
	}
	length, err := protocol.ParseReply(line)
	if err != nil {
		var pe *protocol.PeerError
		if errors.As(err, &pe) {
			return 0, fail(fmt.Errorf("peer refused: %s", pe.Reason))
		}
		return 0, fail(err)
	}
	if length != sess.TotalSize() {
		return 0, fail(fmt.Errorf("%w: peer declared %d bytes, registry listed %d", fetch.ErrSizeMismatch, length, sess.TotalSize()))
	}

	if err := sess.Start(); err != nil {
		return 0, fail(err)
	}
	conn.SetDeadline(time.Time{})

	body := &deadlineReader{conn: conn, r: r, idle: timeout}
	buf := make([]byte, chunkSize(length))
	n, err := io.CopyBuffer(sess, io.LimitReader(body, length), buf)
	if err == nil && n < length {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		fail(fmt.Errorf("%w: received %d of %d bytes: %v", ErrShortTransfer, n, length, err))
		return n, fmt.Errorf("%w: received %d of %d bytes", ErrShortTransfer, n, length)
	}

	if err := sess.Complete(); err != nil {
		return n, err
	}
	return n, nil
}
