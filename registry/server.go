package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"bklv/p2p-share/pkg/discovery"
	"bklv/p2p-share/pkg/logger"
	"bklv/p2p-share/pkg/protocol"
	"bklv/p2p-share/pkg/transport"
	"bklv/p2p-share/pkg/transport/tcp"

	"github.com/dustin/go-humanize"
)

type Options struct {
	Addr            string
	SweepInterval   time.Duration
	InactiveTimeout time.Duration
	// Advertise announces the registry over mDNS.
	Advertise bool
	// MaxMessageSize caps one control line; zero means protocol.MaxLineSize.
	MaxMessageSize int
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Server answers the control protocol on top of a Directory and runs the
// inactivity sweep.
type Server struct {
	opts       Options
	dir        *Directory
	transport  transport.Transport
	advertiser *discovery.Advertiser

	quitCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewServer(opts Options) *Server {
	s := &Server{
		opts:       opts,
		dir:        NewDirectory(opts.Now),
		advertiser: discovery.NewAdvertiser(),
		quitCh:     make(chan struct{}),
	}
	s.transport = tcp.NewTCPTransport("Registry", opts.Addr, s)
	return s
}

// Directory exposes the in-process API for front-ends living in the same
// process.
func (s *Server) Directory() *Directory {
	return s.dir
}

func (s *Server) Addr() string {
	return s.transport.Addr()
}

// Start listens, launches the sweep and returns.
func (s *Server) Start() error {
	if err := s.transport.ListenAndAccept(); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	logger.Sugar.Infof("[Registry] [%s] listening (sweep=%s timeout=%s)", s.Addr(), s.opts.SweepInterval, s.opts.InactiveTimeout)

	if s.opts.Advertise {
		s.advertise()
	}

	s.wg.Add(1)
	go s.sweepLoop()
	return nil
}

func (s *Server) advertise() {
	_, portStr, err := net.SplitHostPort(s.Addr())
	if err != nil {
		logger.Sugar.Errorf("[Registry] Failed to parse address: %v", err)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return
	}
	meta := map[string]string{
		"version":         "1.0.0",
		discovery.RoleKey: discovery.RoleRegistry,
	}
	if err := s.advertiser.Start("", port, meta); err != nil {
		logger.Sugar.Errorf("[Registry] Failed to start mDNS advertisement: %v", err)
		return
	}
	logger.Sugar.Infof("[Registry] mDNS advertisement started on port %d", port)
}

// Stop shuts the listener, closes live connections and ends the sweep.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.advertiser.Stop()
		close(s.quitCh)
		s.transport.Close()
		s.wg.Wait()
		logger.Sugar.Info("[Registry] stopped")
	})
}

// Done is closed once Stop begins.
func (s *Server) Done() <-chan struct{} {
	return s.quitCh
}

func (s *Server) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quitCh:
			return
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce evicts hosts whose last heartbeat is older than the timeout.
func (s *Server) SweepOnce() []string {
	evicted := s.dir.Sweep(s.opts.InactiveTimeout)
	for _, h := range evicted {
		logger.Sugar.Warnf("[Registry] removing inactive host %s (timeout: %s)", h, s.opts.InactiveTimeout)
	}
	return evicted
}

// ServeConn runs the synchronous request/response exchange for one
// connection. Each message gets exactly one response.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	remoteIP, _, err := net.SplitHostPort(remote)
	if err != nil {
		remoteIP = remote
	}
	sess := &connState{remoteIP: remoteIP}
	r := protocol.NewLineReader(conn, s.opts.MaxMessageSize)

	for {
		line, err := r.ReadLine()
		if errors.Is(err, protocol.ErrLineTooLong) {
			logger.Sugar.Warnf("[Registry] oversized message from %s", remote)
			if err := protocol.WriteLine(conn, protocol.ErrorResponse("message too large")); err != nil {
				return
			}
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), ctx.Err() != nil:
			default:
				logger.Sugar.Debugf("[Registry] read error: remote=%s err=%v", remote, err)
			}
			return
		}
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var resp protocol.Response
		cmd, err := protocol.DecodeCommand(line)
		if err != nil {
			logger.Sugar.Warnf("[Registry] bad message from %s: %v", remote, err)
			resp = protocol.ErrorResponse(err.Error())
		} else {
			resp = s.handle(sess, cmd)
		}

		if err := protocol.WriteLine(conn, resp); err != nil {
			logger.Sugar.Debugf("[Registry] write error: remote=%s err=%v", remote, err)
			return
		}
	}
}

// connState is what the registry knows about one control connection.
type connState struct {
	remoteIP string
	hostname string
}

// handle applies one command. It is the whole control protocol, independent
// of the wire.
func (s *Server) handle(cs *connState, cmd protocol.Command) protocol.Response {
	if cs == nil {
		cs = &connState{}
	}
	// any message from a registered connection counts as a sign of life
	if cs.hostname != "" {
		s.dir.Touch(cs.hostname)
	}

	switch c := cmd.(type) {
	case protocol.Register:
		err := s.dir.Register(RegisterInput{
			Hostname:    c.Hostname,
			DisplayName: c.DisplayName,
			IP:          cs.remoteIP,
			Port:        c.Port,
			Files:       c.Files,
		})
		if err != nil {
			return protocol.ErrorResponse(err.Error())
		}
		cs.hostname = c.Hostname
		logger.Sugar.Infof("[Registry] REGISTER %s (%s) at %s:%d with %d files", c.Hostname, c.DisplayName, cs.remoteIP, c.Port, len(c.Files))
		return protocol.Response{Status: protocol.StatusOK}

	case protocol.Publish:
		created, err := s.dir.Publish(c.Hostname, c.Fname, c.Size, c.Modified.Time, protocol.Addr{IP: cs.remoteIP})
		if err != nil {
			return protocol.ErrorResponse(err.Error())
		}
		if created {
			logger.Sugar.Warnf("[Registry] host %s published before registering", c.Hostname)
		}
		logger.Sugar.Infof("[Registry] PUBLISH %s shared '%s' (%s)", c.Hostname, c.Fname, humanize.IBytes(uint64(max(c.Size, 0))))
		return protocol.Response{Status: protocol.StatusAck}

	case protocol.Unpublish:
		if err := s.dir.Unpublish(c.Hostname, c.Fname); err != nil {
			return protocol.ErrorResponse(err.Error())
		}
		logger.Sugar.Infof("[Registry] UNPUBLISH %s withdrew '%s'", c.Hostname, c.Fname)
		return protocol.Response{Status: protocol.StatusAck}

	case protocol.Request:
		if c.Fname == "" {
			return protocol.ErrorResponse("bad request")
		}
		hosts := s.dir.Request(c.Fname)
		logger.Sugar.Infof("[Registry] REQUEST %s asked for '%s', found %d host(s)", cs.remoteIP, c.Fname, len(hosts))
		if len(hosts) == 0 {
			return protocol.Response{Status: protocol.StatusNotFound}
		}
		return protocol.Response{Status: protocol.StatusFound, Hosts: hosts}

	case protocol.Discover:
		files, addr, err := s.dir.Discover(c.Hostname)
		if err != nil {
			return protocol.ErrorResponse(err.Error())
		}
		return protocol.Response{Status: protocol.StatusOK, Files: files, Addr: &addr}

	case protocol.Ping:
		from := cs.hostname
		if from == "" {
			from = c.From
		}
		if s.dir.Ping(from, c.Target) {
			logger.Sugar.Debugf("[Registry] PING %s checked %s -> ALIVE", from, c.Target)
			return protocol.Response{Status: protocol.StatusAlive}
		}
		logger.Sugar.Debugf("[Registry] PING %s checked %s -> DEAD", from, c.Target)
		return protocol.Response{Status: protocol.StatusDead}

	case protocol.Unregister:
		if c.Hostname == "" {
			return protocol.ErrorResponse("bad unregister")
		}
		s.dir.Unregister(c.Hostname)
		if cs.hostname == c.Hostname {
			cs.hostname = ""
		}
		logger.Sugar.Infof("[Registry] UNREGISTER %s removed", c.Hostname)
		return protocol.Response{Status: protocol.StatusOK}

	case protocol.List:
		snapshot, order := s.dir.List()
		return protocol.Response{Status: protocol.StatusOK, Registry: snapshot, Order: order}

	default:
		return protocol.ErrorResponse(fmt.Sprintf("unknown action %s", cmd.Action()))
	}
}

// Status renders a short summary for the interactive shell.
func (s *Server) Status() string {
	hosts, published := s.dir.Counts()
	var b strings.Builder
	fmt.Fprintf(&b, "Registry running on: %s\n", s.Addr())
	fmt.Fprintf(&b, "Registered hosts: %d\n", hosts)
	fmt.Fprintf(&b, "Published files: %d\n", published)
	fmt.Fprintf(&b, "Inactivity timeout: %s (sweep every %s)\n", s.opts.InactiveTimeout, s.opts.SweepInterval)

	snapshot, order := s.dir.List()
	for _, name := range order {
		h := snapshot[name]
		fmt.Fprintf(&b, " - %s (%s) at %s, %d files, last seen %s\n",
			name, h.DisplayName, h.Addr, len(h.Files), humanize.Time(h.LastSeen.Time))
	}
	return b.String()
}
