package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"bklv/p2p-share/pkg/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Unix(1700000000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func register(t *testing.T, d *Directory, host string, port int) {
	t.Helper()
	require.NoError(t, d.Register(RegisterInput{Hostname: host, IP: "10.0.0.1", Port: port}))
}

func TestRegisterValidation(t *testing.T) {
	d := NewDirectory(nil)
	assert.ErrorIs(t, d.Register(RegisterInput{Port: 6000}), ErrBadRegister)
	assert.ErrorIs(t, d.Register(RegisterInput{Hostname: "a"}), ErrBadRegister)
	assert.Empty(t, d.Hosts())
}

func TestListReflectsMembership(t *testing.T) {
	d := NewDirectory(nil)
	register(t, d, "a", 6001)
	register(t, d, "b", 6002)
	register(t, d, "c", 6003)

	assert.True(t, d.Unregister("b"))
	assert.False(t, d.Unregister("b"))

	snapshot, order := d.List()
	assert.Equal(t, []string{"a", "c"}, order)
	assert.Len(t, snapshot, 2)
	assert.Equal(t, protocol.Addr{IP: "10.0.0.1", Port: 6003}, snapshot["c"].Addr)
	assert.Equal(t, "a", snapshot["a"].DisplayName)
}

func TestPublishUnpublishRepublish(t *testing.T) {
	clk := newTestClock()
	d := NewDirectory(clk.Now)
	register(t, d, "a", 6001)
	modified := time.Unix(1699990000, 0)

	_, err := d.Publish("a", "report.pdf", 2048, modified, protocol.Addr{})
	require.NoError(t, err)
	require.Len(t, d.Request("report.pdf"), 1)

	require.NoError(t, d.Unpublish("a", "report.pdf"))
	assert.Empty(t, d.Request("report.pdf"))
	files, _, err := d.Discover("a")
	require.NoError(t, err)
	assert.Empty(t, files)
	snapshot, _ := d.List()
	assert.Empty(t, snapshot["a"].Files)

	// the withdrawn entry is still there, only hidden
	d.mu.Lock()
	entry := d.hosts["a"].Files["report.pdf"]
	assert.Equal(t, Withdrawn, entry.Availability)
	assert.EqualValues(t, 2048, entry.Size)
	assert.True(t, entry.PublishedAt.IsZero())
	d.mu.Unlock()

	clk.Advance(time.Minute)
	_, err = d.Publish("a", "report.pdf", 2048, modified, protocol.Addr{})
	require.NoError(t, err)
	hosts := d.Request("report.pdf")
	require.Len(t, hosts, 1)
	assert.True(t, hosts[0].Modified.Equal(modified))
}

func TestUnpublishUnknown(t *testing.T) {
	d := NewDirectory(nil)
	register(t, d, "a", 6001)
	assert.ErrorIs(t, d.Unpublish("a", "nope"), ErrFileNotFound)
	assert.ErrorIs(t, d.Unpublish("ghost", "x"), ErrUnknownHost)
	assert.ErrorIs(t, d.Unpublish("", "x"), ErrMissingFields)
}

func TestPublishAutoCreatesHost(t *testing.T) {
	d := NewDirectory(nil)
	created, err := d.Publish("late", "x.bin", 5, time.Time{}, protocol.Addr{IP: "10.0.0.9"})
	require.NoError(t, err)
	assert.True(t, created)

	hosts := d.Request("x.bin")
	require.Len(t, hosts, 1)
	assert.Equal(t, "late", hosts[0].Hostname)
	assert.Equal(t, "10.0.0.9", hosts[0].IP)
	assert.False(t, hosts[0].Modified.IsZero())

	_, err = d.Publish("", "x.bin", 5, time.Time{}, protocol.Addr{})
	assert.Error(t, err)
}

func TestRequestReturnsEveryPublisher(t *testing.T) {
	d := NewDirectory(nil)
	assert.Empty(t, d.Request("movie.mkv"))

	const n = 5
	for i := 0; i < n; i++ {
		host := fmt.Sprintf("h%d", i)
		register(t, d, host, 6000+i)
		_, err := d.Publish(host, "movie.mkv", int64(100+i), time.Unix(int64(1690000000+i), 0), protocol.Addr{})
		require.NoError(t, err)
	}
	register(t, d, "other", 7000)

	hosts := d.Request("movie.mkv")
	require.Len(t, hosts, n)
	for i, h := range hosts {
		assert.Equal(t, fmt.Sprintf("h%d", i), h.Hostname)
		assert.Equal(t, 6000+i, h.Port)
		assert.EqualValues(t, 100+i, h.Size)
		assert.True(t, h.Modified.Equal(time.Unix(int64(1690000000+i), 0)))
		assert.True(t, h.IsPublished)
	}
}

func TestRegisterSeedsFromSnapshot(t *testing.T) {
	d := NewDirectory(nil)
	published := protocol.At(time.Unix(1699000000, 0))
	require.NoError(t, d.Register(RegisterInput{
		Hostname: "a",
		IP:       "10.0.0.1",
		Port:     6001,
		Files: map[string]protocol.FileSnapshot{
			"shared.txt":  {Size: 10, IsPublished: true, PublishedAt: &published},
			"private.txt": {Size: 20},
		},
	}))

	files, addr, err := d.Discover("a")
	require.NoError(t, err)
	assert.Equal(t, 6001, addr.Port)
	require.Len(t, files, 1)
	assert.True(t, files["shared.txt"].PublishedAt.Equal(published.Time))
	assert.Empty(t, d.Request("private.txt"))
}

func TestReregisterIsIdempotent(t *testing.T) {
	clk := newTestClock()
	d := NewDirectory(clk.Now)
	in := RegisterInput{
		Hostname: "a", IP: "10.0.0.1", Port: 6001,
		Files: map[string]protocol.FileSnapshot{
			"f": {Size: 1, Modified: protocol.At(time.Unix(1600000000, 0)), IsPublished: true},
		},
	}
	require.NoError(t, d.Register(in))
	register(t, d, "b", 6002)
	before, beforeOrder := d.List()
	beforeReq := d.Request("f")

	clk.Advance(time.Second)
	require.NoError(t, d.Register(in))
	after, afterOrder := d.List()

	assert.Equal(t, beforeOrder, afterOrder)
	assert.Equal(t, before["a"].Addr, after["a"].Addr)
	assert.Equal(t, before["a"].ConnectedAt, after["a"].ConnectedAt)
	assert.Equal(t, len(before["a"].Files), len(after["a"].Files))
	assert.Equal(t, beforeReq, d.Request("f"))
}

func TestDiscoverUnknown(t *testing.T) {
	d := NewDirectory(nil)
	_, _, err := d.Discover("ghost")
	assert.ErrorIs(t, err, ErrUnknownHost)
}

func TestPingReportsMembershipAndRefreshesCaller(t *testing.T) {
	clk := newTestClock()
	d := NewDirectory(clk.Now)
	register(t, d, "a", 6001)
	register(t, d, "b", 6002)

	clk.Advance(10 * time.Minute)
	assert.True(t, d.Ping("a", "b"))
	assert.False(t, d.Ping("a", "ghost"))

	snapshot, _ := d.List()
	assert.True(t, snapshot["a"].LastSeen.Equal(clk.Now()))
	assert.True(t, snapshot["b"].LastSeen.Equal(clk.Now().Add(-10*time.Minute)))
}

func TestSweepEvictsSilentHosts(t *testing.T) {
	clk := newTestClock()
	d := NewDirectory(clk.Now)
	const timeout = 20 * time.Minute

	register(t, d, "quiet", 6001)
	register(t, d, "chatty", 6002)
	_, err := d.Publish("quiet", "q.bin", 1, time.Time{}, protocol.Addr{})
	require.NoError(t, err)

	clk.Advance(15 * time.Minute)
	d.Touch("chatty")

	// exactly at the timeout nothing is evicted yet
	clk.Advance(5 * time.Minute)
	assert.Empty(t, d.Sweep(timeout))

	// a dead host still answers ALIVE until the sweep catches it
	assert.True(t, d.Ping("", "quiet"))

	clk.Advance(time.Second)
	assert.Equal(t, []string{"quiet"}, d.Sweep(timeout))
	assert.Equal(t, []string{"chatty"}, d.Hosts())
	assert.Empty(t, d.Request("q.bin"))
	assert.False(t, d.Ping("", "quiet"))
}

func TestConcurrentMutations(t *testing.T) {
	d := NewDirectory(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			host := fmt.Sprintf("h%d", i)
			_ = d.Register(RegisterInput{Hostname: host, IP: "10.0.0.1", Port: 6000 + i})
			for j := 0; j < 20; j++ {
				name := fmt.Sprintf("f%d", j)
				_, _ = d.Publish(host, name, int64(j), time.Time{}, protocol.Addr{})
				_ = d.Request(name)
				if j%2 == 0 {
					_ = d.Unpublish(host, name)
				}
				d.List()
			}
		}(i)
	}
	wg.Wait()

	hosts, published := d.Counts()
	assert.Equal(t, 20, hosts)
	assert.Equal(t, 20*10, published)
}
