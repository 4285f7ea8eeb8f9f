package fetch

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerCreateAndGet(t *testing.T) {
	m := NewManager()
	dir := t.TempDir()

	s, err := m.Create("", "a.bin", 10, filepath.Join(dir, "a.bin"), PeerInfo{Hostname: "a"})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID())

	got, ok := m.Get(s.ID())
	require.True(t, ok)
	assert.Same(t, s, got)

	_, err = m.Create(s.ID(), "a.bin", 10, filepath.Join(dir, "a.bin"), PeerInfo{})
	assert.ErrorIs(t, err, ErrSessionExists)

	_, err = m.Create("neg", "a.bin", -1, filepath.Join(dir, "a.bin"), PeerInfo{})
	assert.Error(t, err)

	_, err = m.Progress("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	assert.True(t, m.Remove(s.ID()))
	assert.False(t, m.Remove(s.ID()))
	assert.Empty(t, m.List())
}

func TestManagerConcurrentSessions(t *testing.T) {
	m := NewManager()
	dir := t.TempDir()

	const n = 6
	const size = 64 * 1024
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("fetch-%d", i)
		s, err := m.Create(id, id, size, filepath.Join(dir, id), PeerInfo{})
		require.NoError(t, err)

		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.Start(); err != nil {
				s.Fail(err.Error())
				return
			}
			chunk := make([]byte, 4096)
			for written := 0; written < size; written += len(chunk) {
				if _, err := s.WriteChunk(chunk); err != nil {
					s.Fail(err.Error())
					return
				}
			}
			_ = s.Complete()
		}(s)
	}

	// progress is readable while the writers run
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			for _, p := range m.List() {
				_ = p.Percent
			}
		}
	}()
	wg.Wait()
	<-done

	list := m.List()
	require.Len(t, list, n)
	for _, p := range list {
		assert.Equal(t, Completed, p.State(), p.ID)
		assert.EqualValues(t, size, p.DownloadedSize)
	}
}
