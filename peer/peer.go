package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"bklv/p2p-share/pkg/dedup"
	"bklv/p2p-share/pkg/fetch"
	"bklv/p2p-share/pkg/heartbeat"
	"bklv/p2p-share/pkg/logger"
	"bklv/p2p-share/pkg/monitor"
	"bklv/p2p-share/pkg/protocol"
	"bklv/p2p-share/pkg/statestore"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoSource = errors.New("no peer is sharing this file")
	ErrClosed   = errors.New("peer is closed")
)

type Options struct {
	Hostname    string
	DisplayName string
	// ListenAddr is where the transfer server listens, e.g. "0.0.0.0:6001".
	ListenAddr   string
	RegistryAddr string
	RepoDir      string
	// StateDB is the SQLite file holding tracked files; empty disables
	// persistence.
	StateDB string

	Heartbeat heartbeat.Intervals
	// HeartbeatPoll caps how long the heartbeat loop sleeps, so a state
	// change is noticed before a long idle interval runs out.
	HeartbeatPoll time.Duration
	DialTimeout   time.Duration
	Metrics       *monitor.Metrics
}

func (o *Options) setDefaults() {
	if o.DisplayName == "" {
		o.DisplayName = o.Hostname
	}
	if o.ListenAddr == "" {
		o.ListenAddr = "0.0.0.0:0"
	}
	if o.Heartbeat == (heartbeat.Intervals{}) {
		o.Heartbeat = heartbeat.DefaultIntervals()
	}
	if o.HeartbeatPoll <= 0 {
		o.HeartbeatPoll = time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.Metrics == nil {
		o.Metrics = monitor.Global
	}
}

// Node is one participant: it keeps a control connection to the registry,
// serves its published files and downloads from other peers.
type Node struct {
	opts    Options
	catalog *Catalog
	server  *TransferServer
	fetches *fetch.Manager
	beat    *heartbeat.Controller
	store   *statestore.Store

	clientMu sync.Mutex
	client   *RegistryClient

	saveMu sync.Mutex

	cancel    context.CancelFunc
	group     *errgroup.Group
	closeOnce sync.Once
	closed    chan struct{}
}

// NewNode prepares the repository, restores saved state and scans the
// repository. Nothing touches the network until Start.
func NewNode(opts Options) (*Node, error) {
	if opts.Hostname == "" {
		return nil, errors.New("hostname is required")
	}
	if opts.RepoDir == "" {
		return nil, errors.New("repository directory is required")
	}
	opts.setDefaults()

	if err := os.MkdirAll(opts.RepoDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create repository %s: %w", opts.RepoDir, err)
	}

	n := &Node{
		opts:    opts,
		catalog: NewCatalog(),
		fetches: fetch.NewManager(),
		beat:    heartbeat.New(opts.Heartbeat, heartbeat.Active),
		closed:  make(chan struct{}),
	}

	if opts.StateDB != "" {
		store, err := statestore.Open(context.Background(), opts.StateDB)
		if err != nil {
			return nil, err
		}
		n.store = store
		records, err := store.Load(context.Background(), opts.Hostname)
		if err != nil {
			store.Close()
			return nil, err
		}
		restored := n.catalog.Restore(records)
		logger.Sugar.Infof("[Peer] restored %d of %d saved files", restored, len(records))
	}

	scanned, err := n.catalog.ScanDir(opts.RepoDir)
	if err != nil {
		n.closeStore()
		return nil, err
	}
	logger.Sugar.Infof("[Peer] found %d files in %s", scanned, opts.RepoDir)

	n.server = NewTransferServer(opts.ListenAddr, n.catalog, opts.Metrics)
	n.server.OnTransfer(n.beat.StartTransfer, n.beat.EndTransfer)
	return n, nil
}

func (n *Node) Hostname() string { return n.opts.Hostname }

func (n *Node) Catalog() *Catalog { return n.catalog }

func (n *Node) Fetches() *fetch.Manager { return n.fetches }

func (n *Node) Heartbeat() *heartbeat.Controller { return n.beat }

func (n *Node) RepoDir() string { return n.opts.RepoDir }

// Addr is the transfer server's bound address.
func (n *Node) Addr() string { return n.server.Addr() }

// Start opens the transfer listener, registers with the registry and starts
// the heartbeat loop.
func (n *Node) Start(ctx context.Context) error {
	if err := n.server.Start(); err != nil {
		return fmt.Errorf("failed to start transfer server: %w", err)
	}
	logger.Sugar.Infof("[Peer] %s serving files on %s", n.opts.Hostname, n.Addr())

	if err := n.connect(ctx); err != nil {
		n.server.Close()
		return err
	}

	gctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.group, gctx = errgroup.WithContext(gctx)
	n.group.Go(func() error { return n.heartbeatLoop(gctx) })
	return nil
}

func (n *Node) listenPort() (int, error) {
	_, portStr, err := net.SplitHostPort(n.Addr())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}

// connect replaces the control connection and registers over it.
func (n *Node) connect(ctx context.Context) error {
	port, err := n.listenPort()
	if err != nil {
		return fmt.Errorf("failed to read listen port: %w", err)
	}
	c, err := DialRegistry(ctx, n.opts.RegistryAddr, n.opts.DialTimeout)
	if err != nil {
		return fmt.Errorf("failed to reach registry: %w", err)
	}
	files := n.catalog.Snapshot()
	if err := c.Register(n.opts.Hostname, n.opts.DisplayName, port, files); err != nil {
		c.Close()
		return fmt.Errorf("failed to register: %w", err)
	}

	n.clientMu.Lock()
	old := n.client
	n.client = c
	n.clientMu.Unlock()
	if old != nil {
		old.Close()
	}
	logger.Sugar.Infof("[Peer] registered %s with %s (port %d, %d files)", n.opts.Hostname, n.opts.RegistryAddr, port, len(files))
	return nil
}

func (n *Node) registry() (*RegistryClient, error) {
	select {
	case <-n.closed:
		return nil, ErrClosed
	default:
	}
	n.clientMu.Lock()
	defer n.clientMu.Unlock()
	if n.client == nil {
		return nil, ErrNotConnected
	}
	return n.client, nil
}

// Close unregisters, stops the heartbeat and the transfer server, and saves
// state.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.closed)
		// stop the heartbeat first so it cannot re-register us
		if n.cancel != nil {
			n.cancel()
			n.group.Wait()
		}
		n.clientMu.Lock()
		c := n.client
		n.client = nil
		n.clientMu.Unlock()
		if c != nil {
			if uerr := c.Unregister(n.opts.Hostname); uerr != nil {
				logger.Sugar.Warnf("[Peer] unregister failed: %v", uerr)
			}
			c.Close()
		}
		n.server.Close()
		err = n.saveState()
		n.closeStore()
		logger.Sugar.Infof("[Peer] %s stopped", n.opts.Hostname)
	})
	return err
}

func (n *Node) closeStore() {
	if n.store != nil {
		n.store.Close()
	}
}

func (n *Node) saveState() error {
	if n.store == nil {
		return nil
	}
	n.saveMu.Lock()
	defer n.saveMu.Unlock()
	if err := n.store.Save(context.Background(), n.opts.Hostname, n.catalog.Records()); err != nil {
		logger.Sugar.Errorf("[Peer] failed to save state: %v", err)
		return err
	}
	return nil
}

// Add tracks a local file without sharing it.
func (n *Node) Add(path string) (FileMeta, error) {
	n.beat.MarkActivity()
	m, err := n.catalog.Track("", path)
	if err != nil {
		return FileMeta{}, err
	}
	n.saveState()
	logger.Sugar.Infof("[Peer] tracking '%s' (%s)", m.Name, humanize.IBytes(uint64(m.Size)))
	return m, nil
}

// Publish shares a file under name. With an empty path the file must
// already be tracked. With copyToRepo the file is first copied into the
// repository and served from there.
func (n *Node) Publish(path, name string, copyToRepo bool) (FileMeta, error) {
	n.beat.MarkActivity()
	if name == "" {
		if path == "" {
			return FileMeta{}, errors.New("a path or a name is required")
		}
		name = filepath.Base(path)
	}

	if path == "" {
		m, ok := n.catalog.Get(name)
		if !ok {
			return FileMeta{}, fmt.Errorf("%w: %s", ErrNotTracked, name)
		}
		path = m.Path
	}
	if copyToRepo {
		dst := filepath.Join(n.opts.RepoDir, name)
		if err := copyFile(path, dst); err != nil {
			return FileMeta{}, err
		}
		path = dst
	}

	c, err := n.registry()
	if err != nil {
		return FileMeta{}, err
	}
	prev, hadPrev := n.catalog.Get(name)
	if _, err := n.catalog.Track(name, path); err != nil {
		return FileMeta{}, err
	}
	m, err := n.catalog.MarkPublished(name)
	if err != nil {
		return FileMeta{}, err
	}
	if err := c.Publish(n.opts.Hostname, m); err != nil {
		if !hadPrev || !prev.Published {
			n.catalog.MarkWithdrawn(name)
		}
		return FileMeta{}, err
	}
	n.saveState()
	logger.Sugar.Infof("[Peer] published '%s' (%s)", name, humanize.IBytes(uint64(m.Size)))
	return m, nil
}

// Unpublish withdraws a file from sharing. It stays tracked locally.
func (n *Node) Unpublish(name string) error {
	n.beat.MarkActivity()
	if _, ok := n.catalog.Published(name); !ok {
		return fmt.Errorf("%w: %s", ErrNotPublished, name)
	}
	if err := n.withdraw(name); err != nil {
		return err
	}
	n.saveState()
	logger.Sugar.Infof("[Peer] unpublished '%s'", name)
	return nil
}

func (n *Node) withdraw(name string) error {
	c, err := n.registry()
	if err != nil {
		return err
	}
	if err := c.Unpublish(n.opts.Hostname, name); err != nil {
		return err
	}
	_, err = n.catalog.MarkWithdrawn(name)
	return err
}

// Request asks the registry who is sharing name.
func (n *Node) Request(name string) ([]protocol.HostEntry, error) {
	n.beat.MarkActivity()
	c, err := n.registry()
	if err != nil {
		return nil, err
	}
	return c.Request(name)
}

func (n *Node) Discover(hostname string) (map[string]protocol.FileInfo, protocol.Addr, error) {
	n.beat.MarkActivity()
	c, err := n.registry()
	if err != nil {
		return nil, protocol.Addr{}, err
	}
	return c.Discover(hostname)
}

func (n *Node) Ping(target string) (bool, error) {
	c, err := n.registry()
	if err != nil {
		return false, err
	}
	return c.Ping(n.opts.Hostname, target)
}

// RefreshNetwork fetches a LIST snapshot and caches it in the catalog.
func (n *Node) RefreshNetwork() (map[string]protocol.HostSnapshot, []string, error) {
	n.beat.MarkActivity()
	c, err := n.registry()
	if err != nil {
		return nil, nil, err
	}
	reg, order, err := c.List()
	if err != nil {
		return nil, nil, err
	}
	n.catalog.SetNetwork(reg, order)
	return reg, order, nil
}

type FetchOptions struct {
	// SavePath defaults to the file's name inside the repository.
	SavePath string
	// Host picks a specific publisher instead of the first one listed.
	Host string
	// ExpectedSHA256, when set, must match the received file.
	ExpectedSHA256 string
}

// Fetch downloads name and returns the finished session.
func (n *Node) Fetch(ctx context.Context, name string, opts FetchOptions) (*fetch.Session, error) {
	sess, host, err := n.prepareFetch(name, opts)
	if err != nil {
		return nil, err
	}
	return sess, n.runFetch(ctx, sess, host, name)
}

// StartFetch begins a download in the background. Progress is read from the
// returned session or through Fetches.
func (n *Node) StartFetch(ctx context.Context, name string, opts FetchOptions) (*fetch.Session, error) {
	sess, host, err := n.prepareFetch(name, opts)
	if err != nil {
		return nil, err
	}
	go n.runFetch(ctx, sess, host, name)
	return sess, nil
}

func (n *Node) prepareFetch(name string, opts FetchOptions) (*fetch.Session, protocol.HostEntry, error) {
	hosts, err := n.Request(name)
	if err != nil {
		return nil, protocol.HostEntry{}, err
	}
	host, ok := pickHost(hosts, n.opts.Hostname, opts.Host)
	if !ok {
		return nil, protocol.HostEntry{}, fmt.Errorf("%w: %s", ErrNoSource, name)
	}

	savePath := opts.SavePath
	if savePath == "" {
		savePath = filepath.Join(n.opts.RepoDir, name)
	} else if info, err := os.Stat(savePath); err == nil && info.IsDir() {
		savePath = filepath.Join(savePath, name)
	}
	sess, err := n.fetches.Create("", name, host.Size, savePath, fetch.PeerInfo{Hostname: host.Hostname, Address: host.Addr()})
	if err != nil {
		return nil, protocol.HostEntry{}, err
	}
	if opts.ExpectedSHA256 != "" {
		want := opts.ExpectedSHA256
		sess.SetVerifier(func(path string) error { return dedup.VerifyFile(path, want) })
	}
	return sess, host, nil
}

// pickHost prefers the requested publisher, otherwise the first one that is
// not this peer.
func pickHost(hosts []protocol.HostEntry, self, want string) (protocol.HostEntry, bool) {
	for _, h := range hosts {
		if want != "" && h.Hostname != want {
			continue
		}
		if want == "" && h.Hostname == self {
			continue
		}
		return h, true
	}
	return protocol.HostEntry{}, false
}

func (n *Node) runFetch(ctx context.Context, sess *fetch.Session, host protocol.HostEntry, name string) error {
	n.beat.StartTransfer()
	defer n.beat.EndTransfer()

	logger.Sugar.Infof("[Peer] fetching '%s' from %s at %s", name, host.Hostname, host.Addr())
	done := n.opts.Metrics.FetchStarted()
	received, err := fetchFrom(ctx, host.Addr(), name, sess, n.opts.DialTimeout)
	done(received, err == nil)
	if err != nil {
		logger.Sugar.Errorf("[Peer] fetch of '%s' from %s failed: %v", name, host.Hostname, err)
		return err
	}

	// downloads are tracked, not shared; a same-named publication now points
	// at different bytes, so the registry must stop advertising it
	if _, ok := n.catalog.Published(name); ok {
		if err := n.withdraw(name); err != nil {
			logger.Sugar.Warnf("[Peer] could not withdraw '%s' after replacing it: %v", name, err)
		} else {
			logger.Sugar.Infof("[Peer] '%s' was replaced by a download and is no longer published", name)
		}
	}
	if _, err := n.catalog.TrackDownload(name, sess.SavePath()); err != nil {
		logger.Sugar.Warnf("[Peer] downloaded '%s' but could not track it: %v", name, err)
	} else {
		n.saveState()
	}
	logger.Sugar.Infof("[Peer] fetched '%s' (%s) into %s", name, humanize.IBytes(uint64(received)), sess.SavePath())
	return nil
}

// CheckDuplicate compares the file at path against the tracked files of the
// same size.
func (n *Node) CheckDuplicate(path string) (dedup.Report, error) {
	info, err := statRegular(path)
	if err != nil {
		return dedup.Report{}, err
	}
	hash, err := fingerprint(path, info.Size())
	if err != nil {
		return dedup.Report{}, err
	}

	idx := dedup.NewIndex()
	for _, m := range n.catalog.Local() {
		if m.Size != info.Size() {
			continue
		}
		if abs, _ := filepath.Abs(path); abs == m.Path {
			continue
		}
		h, err := fingerprint(m.Path, m.Size)
		if err != nil {
			continue
		}
		idx.Add(dedup.Ref{Hostname: n.opts.Hostname, Name: m.Name, Size: m.Size, Hash: h})
	}
	return idx.Check(filepath.Base(path), info.Size(), hash), nil
}

// fingerprint uses the sampled hash for large files.
func fingerprint(path string, size int64) (string, error) {
	if size > largeFileThreshold {
		return dedup.QuickHash(path, dedup.DefaultSampleSize)
	}
	return dedup.HashFile(path)
}

// Status renders a summary for the interactive shell.
func (n *Node) Status() string {
	var b strings.Builder
	stats := n.beat.Stats()
	connected := false
	if c, err := n.registry(); err == nil {
		connected = c.Connected()
	}
	fmt.Fprintf(&b, "Host: %s (%s)\n", n.opts.Hostname, n.opts.DisplayName)
	fmt.Fprintf(&b, "Serving on: %s\n", n.Addr())
	fmt.Fprintf(&b, "Registry: %s (connected: %t)\n", n.opts.RegistryAddr, connected)
	fmt.Fprintf(&b, "Repository: %s\n", n.opts.RepoDir)
	fmt.Fprintf(&b, "Local files: %d, published: %d\n", len(n.catalog.Local()), len(n.catalog.PublishedFiles()))
	fmt.Fprintf(&b, "Heartbeat: %s every %s, %d sent, %d state changes\n",
		stats.State, stats.Interval, stats.Heartbeats, stats.StateChangesCount)

	m := n.opts.Metrics.Snapshot()
	fmt.Fprintf(&b, "Served: %d files (%s), received: %d files (%s)\n",
		m.FilesServed, humanize.IBytes(uint64(m.BytesServed)),
		m.FilesReceived, humanize.IBytes(uint64(m.BytesReceived)))
	return b.String()
}

// copyFile copies src to dst and keeps the modification time. Copying a
// file onto itself is a no-op.
func copyFile(src, dst string) error {
	srcAbs, err := filepath.Abs(src)
	if err != nil {
		return err
	}
	dstAbs, err := filepath.Abs(dst)
	if err != nil {
		return err
	}
	if srcAbs == dstAbs {
		return nil
	}

	info, err := statRegular(srcAbs)
	if err != nil {
		return err
	}
	in, err := os.Open(srcAbs)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dstAbs, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dstAbs, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", srcAbs, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dstAbs, info.ModTime(), info.ModTime())
}
