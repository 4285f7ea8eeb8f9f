package peer

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bklv/p2p-share/pkg/dedup"
	"bklv/p2p-share/pkg/fetch"
	"bklv/p2p-share/pkg/heartbeat"
	"bklv/p2p-share/pkg/monitor"
	"bklv/p2p-share/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRegistry(t *testing.T) *registry.Server {
	t.Helper()
	s := registry.NewServer(registry.Options{
		Addr:            "127.0.0.1:0",
		SweepInterval:   time.Hour,
		InactiveTimeout: time.Hour,
	})
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

func testOptions(reg *registry.Server, host, repo string) Options {
	return Options{
		Hostname:     host,
		ListenAddr:   "127.0.0.1:0",
		RegistryAddr: reg.Addr(),
		RepoDir:      repo,
		DialTimeout:  2 * time.Second,
		Metrics:      monitor.New(),
	}
}

func startNode(t *testing.T, opts Options) *Node {
	t.Helper()
	n, err := NewNode(opts)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { n.Close() })
	return n
}

func TestShareAndFetchScenario(t *testing.T) {
	reg := startRegistry(t)
	a := startNode(t, testOptions(reg, "A", t.TempDir()))
	b := startNode(t, testOptions(reg, "B", t.TempDir()))

	payload := bytes.Repeat([]byte("report"), 2048/6+1)[:2048]
	src := writeTemp(t, t.TempDir(), "report.pdf", payload)
	_, err := a.Publish(src, "", false)
	require.NoError(t, err)

	hosts, err := b.Request("report.pdf")
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, "A", hosts[0].Hostname)
	assert.EqualValues(t, 2048, hosts[0].Size)
	assert.Equal(t, a.Addr(), hosts[0].Addr())

	// the raw exchange
	conn, err := net.DialTimeout("tcp", hosts[0].Addr(), time.Second)
	require.NoError(t, err)
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	_, err = io.WriteString(conn, "GET report.pdf\n")
	require.NoError(t, err)
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "LENGTH 2048\n", line)
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, body)
	conn.Close()

	sess, err := b.Fetch(context.Background(), "report.pdf", FetchOptions{})
	require.NoError(t, err)
	p := sess.Progress()
	assert.Equal(t, fetch.Completed, p.State())
	assert.EqualValues(t, 2048, p.DownloadedSize)
	assert.Equal(t, "A", p.PeerHost)

	got, err := os.ReadFile(filepath.Join(b.RepoDir(), "report.pdf"))
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// downloads are tracked but not shared
	_, ok := b.Catalog().Get("report.pdf")
	assert.True(t, ok)
	_, ok = b.Catalog().Published("report.pdf")
	assert.False(t, ok)

	require.NoError(t, a.Unpublish("report.pdf"))
	_, err = b.Fetch(context.Background(), "report.pdf", FetchOptions{SavePath: filepath.Join(t.TempDir(), "again")})
	assert.ErrorIs(t, err, ErrNoSource)
	_, ok = a.Catalog().Get("report.pdf")
	assert.True(t, ok)
}

func TestFetchOverPublishedNameWithdrawsIt(t *testing.T) {
	reg := startRegistry(t)
	a := startNode(t, testOptions(reg, "A", t.TempDir()))
	b := startNode(t, testOptions(reg, "B", t.TempDir()))

	_, err := a.Publish(writeTemp(t, t.TempDir(), "r.bin", make([]byte, 20)), "", false)
	require.NoError(t, err)
	_, err = b.Publish(writeTemp(t, t.TempDir(), "r.bin", []byte("b")), "", false)
	require.NoError(t, err)

	sess, err := b.Fetch(context.Background(), "r.bin", FetchOptions{Host: "A"})
	require.NoError(t, err)
	assert.Equal(t, fetch.Completed, sess.Status())

	m, ok := b.Catalog().Get("r.bin")
	require.True(t, ok)
	assert.False(t, m.Published)
	assert.EqualValues(t, 20, m.Size)
	assert.Equal(t, sess.SavePath(), m.Path)

	hosts, err := b.Request("r.bin")
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, "A", hosts[0].Hostname)
}

func TestFetchVerifiesHash(t *testing.T) {
	reg := startRegistry(t)
	a := startNode(t, testOptions(reg, "A", t.TempDir()))
	b := startNode(t, testOptions(reg, "B", t.TempDir()))

	data := []byte("checksummed content")
	_, err := a.Publish(writeTemp(t, t.TempDir(), "c.txt", data), "", false)
	require.NoError(t, err)

	sum := sha256.Sum256(data)
	sess, err := b.Fetch(context.Background(), "c.txt", FetchOptions{ExpectedSHA256: hex.EncodeToString(sum[:])})
	require.NoError(t, err)
	assert.Equal(t, fetch.Completed, sess.Status())

	bad := filepath.Join(t.TempDir(), "bad.txt")
	sess, err = b.Fetch(context.Background(), "c.txt", FetchOptions{SavePath: bad, ExpectedSHA256: strings.Repeat("0", 64)})
	assert.ErrorIs(t, err, dedup.ErrHashMismatch)
	assert.Equal(t, fetch.Failed, sess.Status())
	assert.NoFileExists(t, bad)
}

func TestStartFetchRunsInBackground(t *testing.T) {
	reg := startRegistry(t)
	a := startNode(t, testOptions(reg, "A", t.TempDir()))
	b := startNode(t, testOptions(reg, "B", t.TempDir()))

	_, err := a.Publish(writeTemp(t, t.TempDir(), "bg.bin", make([]byte, 300_000)), "", false)
	require.NoError(t, err)

	sess, err := b.StartFetch(context.Background(), "bg.bin", FetchOptions{})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		p, err := b.Fetches().Progress(sess.ID())
		return err == nil && p.State() == fetch.Completed
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, b.Fetches().List(), 1)
}

func TestPublishCopiesIntoRepo(t *testing.T) {
	reg := startRegistry(t)
	a := startNode(t, testOptions(reg, "A", t.TempDir()))

	src := writeTemp(t, t.TempDir(), "orig.txt", []byte("copy me"))
	m, err := a.Publish(src, "shared.txt", true)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(a.RepoDir(), "shared.txt"), m.Path)

	got, err := os.ReadFile(m.Path)
	require.NoError(t, err)
	assert.Equal(t, "copy me", string(got))

	// publishing a tracked file by name only
	require.NoError(t, a.Unpublish("shared.txt"))
	_, err = a.Publish("", "shared.txt", false)
	require.NoError(t, err)

	_, err = a.Publish("", "unknown", false)
	assert.ErrorIs(t, err, ErrNotTracked)
	assert.ErrorIs(t, a.Unpublish("unknown"), ErrNotPublished)
}

func TestDiscoverPingAndList(t *testing.T) {
	reg := startRegistry(t)
	a := startNode(t, testOptions(reg, "A", t.TempDir()))
	b := startNode(t, testOptions(reg, "B", t.TempDir()))

	_, err := a.Publish(writeTemp(t, t.TempDir(), "x.bin", []byte("x")), "", false)
	require.NoError(t, err)

	files, addr, err := b.Discover("A")
	require.NoError(t, err)
	assert.Contains(t, files, "x.bin")
	assert.Equal(t, a.Addr(), addr.String())

	_, _, err = b.Discover("ghost")
	var rerr *RegistryError
	assert.ErrorAs(t, err, &rerr)

	alive, err := b.Ping("A")
	require.NoError(t, err)
	assert.True(t, alive)
	alive, err = b.Ping("ghost")
	require.NoError(t, err)
	assert.False(t, alive)

	snapshot, order, err := b.RefreshNetwork()
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, order)
	assert.Contains(t, snapshot["A"].Files, "x.bin")
	cached, _ := b.Catalog().Network()
	assert.Len(t, cached, 2)
}

func TestHeartbeatReregistersAfterEviction(t *testing.T) {
	reg := startRegistry(t)
	opts := testOptions(reg, "A", t.TempDir())
	opts.Heartbeat = heartbeat.Intervals{Idle: 20 * time.Millisecond, Active: 20 * time.Millisecond, Busy: 20 * time.Millisecond, IdleAfter: time.Hour}
	opts.HeartbeatPoll = 5 * time.Millisecond
	a := startNode(t, opts)

	_, err := a.Publish(writeTemp(t, t.TempDir(), "kept.bin", []byte("k")), "", false)
	require.NoError(t, err)

	// as if the sweep had run
	reg.Directory().Unregister("A")
	assert.Eventually(t, func() bool {
		return len(reg.Directory().Request("kept.bin")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Greater(t, a.Heartbeat().Stats().Heartbeats, 0)
}

func TestCloseUnregisters(t *testing.T) {
	reg := startRegistry(t)
	a, err := NewNode(testOptions(reg, "A", t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	assert.Equal(t, []string{"A"}, reg.Directory().Hosts())

	require.NoError(t, a.Close())
	assert.Empty(t, reg.Directory().Hosts())
	require.NoError(t, a.Close())
}

func TestStateSurvivesRestart(t *testing.T) {
	reg := startRegistry(t)
	db := filepath.Join(t.TempDir(), "state.db")
	outside := writeTemp(t, t.TempDir(), "notes.txt", []byte("persist"))

	opts := testOptions(reg, "A", t.TempDir())
	opts.StateDB = db
	first, err := NewNode(opts)
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))
	_, err = first.Publish(outside, "", false)
	require.NoError(t, err)
	require.NoError(t, first.Close())
	assert.Empty(t, reg.Directory().Request("notes.txt"))

	second := startNode(t, opts)
	m, ok := second.Catalog().Published("notes.txt")
	require.True(t, ok)
	assert.Equal(t, outside, m.Path)

	// the REGISTER snapshot re-announces it
	hosts := reg.Directory().Request("notes.txt")
	require.Len(t, hosts, 1)
	assert.Equal(t, "A", hosts[0].Hostname)
}

func TestCheckDuplicate(t *testing.T) {
	repo := t.TempDir()
	writeTemp(t, repo, "a.bin", []byte("same bytes"))
	writeTemp(t, repo, "b.bin", []byte("diff bytes"))

	n, err := NewNode(Options{Hostname: "A", RepoDir: repo, Metrics: monitor.New()})
	require.NoError(t, err)
	defer n.Close()

	candidate := writeTemp(t, t.TempDir(), "b.bin", []byte("same bytes"))
	report, err := n.CheckDuplicate(candidate)
	require.NoError(t, err)
	require.Len(t, report.Exact, 1)
	assert.Equal(t, "a.bin", report.Exact[0].Name)
	require.Len(t, report.Potential, 1)
	assert.Equal(t, "b.bin", report.Potential[0].Name)
}

func TestStatus(t *testing.T) {
	reg := startRegistry(t)
	a := startNode(t, testOptions(reg, "A", t.TempDir()))
	out := a.Status()
	assert.Contains(t, out, "Host: A (A)")
	assert.Contains(t, out, "connected: true")
	assert.Contains(t, out, "Heartbeat: active")
}
