package peer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"bklv/p2p-share/pkg/protocol"
	"bklv/p2p-share/pkg/statestore"
)

var (
	ErrNotTracked     = errors.New("file is not tracked")
	ErrNotPublished   = errors.New("file is not published")
	ErrNotRegularFile = errors.New("not a regular file")
)

// FileMeta is a file this peer knows about locally.
type FileMeta struct {
	Name        string
	Path        string
	Size        int64
	Modified    time.Time
	AddedAt     time.Time
	Published   bool
	PublishedAt time.Time
}

// Catalog holds the peer's local files and its last view of the network.
// The published set is the subset of local entries with Published set, so a
// file can never be published without being tracked.
type Catalog struct {
	mu      sync.RWMutex
	local   map[string]*FileMeta
	network map[string]protocol.HostSnapshot
	order   []string
	now     func() time.Time
}

func NewCatalog() *Catalog {
	return &Catalog{
		local:   make(map[string]*FileMeta),
		network: make(map[string]protocol.HostSnapshot),
		now:     time.Now,
	}
}

func statRegular(path string) (os.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrNotRegularFile, path)
	}
	return info, nil
}

// Track records the file at path under name. An existing entry keeps its
// publish state and the time it was first added.
func (c *Catalog) Track(name, path string) (FileMeta, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return FileMeta{}, err
	}
	info, err := statRegular(abs)
	if err != nil {
		return FileMeta{}, err
	}
	if name == "" {
		name = filepath.Base(abs)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.local[name]
	if !ok {
		m = &FileMeta{Name: name, AddedAt: c.now()}
		c.local[name] = m
	}
	m.Path = abs
	m.Size = info.Size()
	m.Modified = info.ModTime()
	return *m, nil
}

// TrackDownload records a fetched file as local-only. It replaces any entry
// of the same name, including its publish state.
func (c *Catalog) TrackDownload(name, path string) (FileMeta, error) {
	m, err := c.Track(name, path)
	if err != nil {
		return FileMeta{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.local[m.Name]
	e.Published = false
	e.PublishedAt = time.Time{}
	return *e, nil
}

// ScanDir tracks every visible regular file directly inside dir.
func (c *Catalog) ScanDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	n := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") || !e.Type().IsRegular() {
			continue
		}
		if _, err := c.Track(e.Name(), filepath.Join(dir, e.Name())); err != nil {
			continue
		}
		n++
	}
	return n, nil
}

// MarkPublished flags a tracked file as shared, refreshing its size and
// modification time from disk first.
func (c *Catalog) MarkPublished(name string) (FileMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.local[name]
	if !ok {
		return FileMeta{}, fmt.Errorf("%w: %s", ErrNotTracked, name)
	}
	info, err := statRegular(m.Path)
	if err != nil {
		return FileMeta{}, err
	}
	m.Size = info.Size()
	m.Modified = info.ModTime()
	m.Published = true
	m.PublishedAt = c.now()
	return *m, nil
}

// MarkWithdrawn clears the published flag. The file stays tracked.
func (c *Catalog) MarkWithdrawn(name string) (FileMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.local[name]
	if !ok || !m.Published {
		return FileMeta{}, fmt.Errorf("%w: %s", ErrNotPublished, name)
	}
	m.Published = false
	m.PublishedAt = time.Time{}
	return *m, nil
}

func (c *Catalog) Get(name string) (FileMeta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.local[name]
	if !ok {
		return FileMeta{}, false
	}
	return *m, true
}

// Published looks a file up in the published set only.
func (c *Catalog) Published(name string) (FileMeta, bool) {
	m, ok := c.Get(name)
	if !ok || !m.Published {
		return FileMeta{}, false
	}
	return m, true
}

// Local returns every tracked file sorted by name.
func (c *Catalog) Local() []FileMeta {
	return c.filter(func(*FileMeta) bool { return true })
}

func (c *Catalog) PublishedFiles() []FileMeta {
	return c.filter(func(m *FileMeta) bool { return m.Published })
}

func (c *Catalog) filter(keep func(*FileMeta) bool) []FileMeta {
	c.mu.RLock()
	out := make([]FileMeta, 0, len(c.local))
	for _, m := range c.local {
		if keep(m) {
			out = append(out, *m)
		}
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Snapshot is what REGISTER carries: every tracked file with its state.
func (c *Catalog) Snapshot() map[string]protocol.FileSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]protocol.FileSnapshot, len(c.local))
	for name, m := range c.local {
		fs := protocol.FileSnapshot{
			Size:        m.Size,
			Modified:    protocol.At(m.Modified),
			IsPublished: m.Published,
		}
		if m.Published {
			fs.PublishedAt = protocol.TimestampPtr(m.PublishedAt)
		}
		out[name] = fs
	}
	return out
}

// Records converts the local set for persistence.
func (c *Catalog) Records() []statestore.Record {
	files := c.Local()
	out := make([]statestore.Record, 0, len(files))
	for _, m := range files {
		out = append(out, statestore.Record{
			Name:        m.Name,
			Path:        m.Path,
			Size:        m.Size,
			Modified:    m.Modified,
			AddedAt:     m.AddedAt,
			Published:   m.Published,
			PublishedAt: m.PublishedAt,
		})
	}
	return out
}

// Restore re-tracks saved records whose files still exist. Size and
// modification time come from disk, the rest from the record.
func (c *Catalog) Restore(records []statestore.Record) int {
	n := 0
	for _, r := range records {
		info, err := statRegular(r.Path)
		if err != nil {
			continue
		}
		c.mu.Lock()
		m := &FileMeta{
			Name:        r.Name,
			Path:        r.Path,
			Size:        info.Size(),
			Modified:    info.ModTime(),
			AddedAt:     r.AddedAt,
			Published:   r.Published,
			PublishedAt: r.PublishedAt,
		}
		if m.AddedAt.IsZero() {
			m.AddedAt = c.now()
		}
		if m.Published && m.PublishedAt.IsZero() {
			m.PublishedAt = c.now()
		}
		c.local[r.Name] = m
		c.mu.Unlock()
		n++
	}
	return n
}

// SetNetwork replaces the cached LIST snapshot.
func (c *Catalog) SetNetwork(registry map[string]protocol.HostSnapshot, order []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.network = make(map[string]protocol.HostSnapshot, len(registry))
	for k, v := range registry {
		c.network[k] = v
	}
	c.order = append([]string(nil), order...)
}

func (c *Catalog) Network() (map[string]protocol.HostSnapshot, []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]protocol.HostSnapshot, len(c.network))
	for k, v := range c.network {
		out[k] = v
	}
	return out, append([]string(nil), c.order...)
}
