package fetch

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestSessionCompletes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "report.pdf")
	s := NewSession("f1", "report.pdf", 2048, path, PeerInfo{Hostname: "a", Address: "127.0.0.1:6001"})
	assert.Equal(t, Pending, s.Status())

	require.NoError(t, s.Connecting())
	assert.Equal(t, Connecting, s.Status())

	require.NoError(t, s.Start())
	assert.Equal(t, Downloading, s.Status())

	payload := bytes.Repeat([]byte{0xAB}, 2048)
	n, err := io.Copy(s, bytes.NewReader(payload))
	require.NoError(t, err)
	assert.EqualValues(t, 2048, n)

	require.NoError(t, s.Complete())
	p := s.Progress()
	assert.Equal(t, Completed, p.State())
	assert.Equal(t, "completed", p.Status)
	assert.EqualValues(t, 2048, p.DownloadedSize)
	assert.InDelta(t, 100.0, p.Percent, 0.001)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestSessionShortTransferFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.bin")
	s := NewSession("f2", "short.bin", 100, path, PeerInfo{})
	require.NoError(t, s.Start())

	_, err := s.WriteChunk(make([]byte, 60))
	require.NoError(t, err)

	err = s.Complete()
	require.ErrorIs(t, err, ErrSizeMismatch)
	p := s.Progress()
	assert.Equal(t, Failed, p.State())
	assert.Contains(t, p.ErrorMessage, "expected 100 bytes, got 60 bytes")
	assert.NoFileExists(t, path)
	assert.NoFileExists(t, s.PartPath())

	// terminal: nothing more is accepted
	_, err = s.WriteChunk([]byte{1})
	assert.ErrorIs(t, err, ErrTerminal)
	assert.ErrorIs(t, s.Complete(), ErrTerminal)
}

func TestSessionWriteBeforeStart(t *testing.T) {
	s := NewSession("f3", "x", 10, filepath.Join(t.TempDir(), "x"), PeerInfo{})
	_, err := s.WriteChunk([]byte("abc"))
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestSessionFail(t *testing.T) {
	s := NewSession("f4", "x", 10, filepath.Join(t.TempDir(), "x"), PeerInfo{})
	require.NoError(t, s.Start())
	s.Fail("peer closed connection")

	p := s.Progress()
	assert.Equal(t, Failed, p.State())
	assert.Equal(t, "peer closed connection", p.ErrorMessage)

	// a later failure doesn't overwrite the first reason
	s.Fail("again")
	assert.Equal(t, "peer closed connection", s.Progress().ErrorMessage)
	assert.Error(t, s.Connecting())
}

func TestSessionSpeedUsesWindow(t *testing.T) {
	clk := &stepClock{t: time.Unix(1700000000, 0)}
	s := newSession("f5", "x", 10_000, filepath.Join(t.TempDir(), "x"), PeerInfo{}, clk.Now)
	require.NoError(t, s.Start())

	// within the window nothing is sampled yet
	_, err := s.WriteChunk(make([]byte, 1000))
	require.NoError(t, err)
	assert.Zero(t, s.Progress().SpeedBps)

	clk.Advance(time.Second)
	_, err = s.WriteChunk(make([]byte, 1000))
	require.NoError(t, err)
	p := s.Progress()
	assert.InDelta(t, 2000.0, p.SpeedBps, 0.001)
	assert.InDelta(t, 4.0, p.ETASeconds, 0.001)

	// a stall shows up in the next window instead of being averaged away
	clk.Advance(4 * time.Second)
	_, err = s.WriteChunk(make([]byte, 400))
	require.NoError(t, err)
	p = s.Progress()
	assert.InDelta(t, 100.0, p.SpeedBps, 0.001)
	assert.InDelta(t, 76.0, p.ETASeconds, 0.001)
	assert.Equal(t, 5*time.Second, p.Elapsed)
}

func TestSessionVerifierDecidesOutcome(t *testing.T) {
	dir := t.TempDir()

	ok := NewSession("v1", "a", 3, filepath.Join(dir, "a"), PeerInfo{})
	var seen string
	ok.SetVerifier(func(path string) error {
		seen = path
		return nil
	})
	require.NoError(t, ok.Start())
	_, err := ok.WriteChunk([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, ok.Complete())
	assert.Equal(t, ok.PartPath(), seen)
	assert.Equal(t, Completed, ok.Status())

	bad := NewSession("v2", "b", 3, filepath.Join(dir, "b"), PeerInfo{})
	bad.SetVerifier(func(string) error { return assert.AnError })
	require.NoError(t, bad.Start())
	_, err = bad.WriteChunk([]byte("abc"))
	require.NoError(t, err)
	assert.ErrorIs(t, bad.Complete(), assert.AnError)
	assert.Equal(t, Failed, bad.Status())
	assert.NoFileExists(t, filepath.Join(dir, "b"))
	assert.NoFileExists(t, bad.PartPath())
}

func TestSessionKeepsExistingFileUntilComplete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("my own notes"), 0644))

	failed := NewSession("p1", "notes.txt", 10, path, PeerInfo{})
	require.NoError(t, failed.Start())
	_, err := failed.WriteChunk([]byte("part"))
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "my own notes", string(got))

	failed.Fail("peer closed connection")
	assert.NoFileExists(t, failed.PartPath())
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "my own notes", string(got))

	short := NewSession("p2", "notes.txt", 10, path, PeerInfo{})
	require.NoError(t, short.Start())
	_, err = short.WriteChunk([]byte("abc"))
	require.NoError(t, err)
	assert.ErrorIs(t, short.Complete(), ErrSizeMismatch)
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "my own notes", string(got))

	done := NewSession("p3", "notes.txt", 10, path, PeerInfo{})
	require.NoError(t, done.Start())
	_, err = done.WriteChunk([]byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, done.Complete())
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(got))
	assert.NoFileExists(t, done.PartPath())
}
