package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"bklv/p2p-share/pkg/protocol"
)

var (
	ErrUnknownHost   = errors.New("unknown host")
	ErrFileNotFound  = errors.New("file not found")
	ErrBadRegister   = errors.New("bad register")
	ErrMissingFields = errors.New("missing hostname or fname")
)

// Availability is whether a file entry is advertised to other hosts.
type Availability int

const (
	Withdrawn Availability = iota
	Published
)

func (a Availability) String() string {
	if a == Published {
		return "published"
	}
	return "withdrawn"
}

// FileEntry keeps a file's metadata whether or not it is advertised.
// Withdrawn entries stay in place so a later publish restores them.
type FileEntry struct {
	Name         string
	Size         int64
	Modified     time.Time
	Availability Availability
	PublishedAt  time.Time
}

func (f *FileEntry) publish(at time.Time) {
	f.Availability = Published
	f.PublishedAt = at
}

func (f *FileEntry) withdraw() {
	f.Availability = Withdrawn
	f.PublishedAt = time.Time{}
}

func (f *FileEntry) IsPublished() bool {
	return f.Availability == Published
}

func (f *FileEntry) info() protocol.FileInfo {
	return protocol.FileInfo{
		Size:        f.Size,
		Modified:    protocol.At(f.Modified),
		PublishedAt: protocol.TimestampPtr(f.PublishedAt),
		IsPublished: f.IsPublished(),
	}
}

// HostRecord is one registered participant. It never leaves the Directory;
// callers only see snapshots.
type HostRecord struct {
	Hostname    string
	DisplayName string
	Addr        protocol.Addr
	Files       map[string]*FileEntry
	LastSeen    time.Time
	ConnectedAt time.Time
}

func (h *HostRecord) publishedFiles() map[string]protocol.FileInfo {
	files := make(map[string]protocol.FileInfo)
	for name, f := range h.Files {
		if f.IsPublished() {
			files[name] = f.info()
		}
	}
	return files
}

// RegisterInput carries a REGISTER after the connection's IP is known.
type RegisterInput struct {
	Hostname    string
	DisplayName string
	IP          string
	Port        int
	Files       map[string]protocol.FileSnapshot
}

// Directory is the registry's membership and file table. A single mutex
// guards every record; all operations are short in-memory mutations.
type Directory struct {
	mu    sync.Mutex
	hosts map[string]*HostRecord
	order []string // registration order, used for iteration
	now   func() time.Time
}

func NewDirectory(now func() time.Time) *Directory {
	if now == nil {
		now = time.Now
	}
	return &Directory{
		hosts: make(map[string]*HostRecord),
		now:   now,
	}
}

// Register creates or replaces the record for in.Hostname, seeding its files
// from the supplied snapshot. A host that re-registers keeps its place in
// iteration order and its original connection time.
func (d *Directory) Register(in RegisterInput) error {
	if in.Hostname == "" || in.Port <= 0 {
		return ErrBadRegister
	}
	display := in.DisplayName
	if display == "" {
		display = in.Hostname
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	rec := &HostRecord{
		Hostname:    in.Hostname,
		DisplayName: display,
		Addr:        protocol.Addr{IP: in.IP, Port: in.Port},
		Files:       make(map[string]*FileEntry, len(in.Files)),
		LastSeen:    now,
		ConnectedAt: now,
	}
	for name, snap := range in.Files {
		entry := &FileEntry{Name: name, Size: snap.Size, Modified: snap.Modified.Time}
		if snap.IsPublished {
			at := now
			if snap.PublishedAt != nil && !snap.PublishedAt.IsZero() {
				at = snap.PublishedAt.Time
			}
			entry.publish(at)
		}
		rec.Files[name] = entry
	}

	if prev, ok := d.hosts[in.Hostname]; ok {
		rec.ConnectedAt = prev.ConnectedAt
	} else {
		d.order = append(d.order, in.Hostname)
	}
	d.hosts[in.Hostname] = rec
	return nil
}

// Publish upserts fname as published. A host that never registered is
// created on the spot with fallback as its address; created reports that.
func (d *Directory) Publish(hostname, fname string, size int64, modified time.Time, fallback protocol.Addr) (created bool, err error) {
	if hostname == "" {
		return false, fmt.Errorf("missing hostname")
	}
	if fname == "" {
		return false, fmt.Errorf("missing fname")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	rec, ok := d.hosts[hostname]
	if !ok {
		rec = &HostRecord{
			Hostname:    hostname,
			DisplayName: hostname,
			Addr:        fallback,
			Files:       make(map[string]*FileEntry),
			ConnectedAt: now,
		}
		d.hosts[hostname] = rec
		d.order = append(d.order, hostname)
		created = true
	}
	if modified.IsZero() {
		modified = now
	}

	entry, ok := rec.Files[fname]
	if !ok {
		entry = &FileEntry{Name: fname}
		rec.Files[fname] = entry
	}
	entry.Size = size
	entry.Modified = modified
	entry.publish(now)
	rec.LastSeen = now
	return created, nil
}

// Unpublish withdraws fname, keeping its metadata.
func (d *Directory) Unpublish(hostname, fname string) error {
	if hostname == "" || fname == "" {
		return ErrMissingFields
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.hosts[hostname]
	if !ok {
		return ErrUnknownHost
	}
	entry, ok := rec.Files[fname]
	if !ok {
		return ErrFileNotFound
	}
	entry.withdraw()
	rec.LastSeen = d.now()
	return nil
}

// Request lists every host currently publishing fname, in iteration order.
func (d *Directory) Request(fname string) []protocol.HostEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	var hosts []protocol.HostEntry
	for _, name := range d.order {
		rec := d.hosts[name]
		entry, ok := rec.Files[fname]
		if !ok || !entry.IsPublished() {
			continue
		}
		hosts = append(hosts, protocol.HostEntry{
			Hostname:    rec.Hostname,
			DisplayName: rec.DisplayName,
			IP:          rec.Addr.IP,
			Port:        rec.Addr.Port,
			Size:        entry.Size,
			Modified:    protocol.At(entry.Modified),
			IsPublished: true,
		})
	}
	return hosts
}

// Discover returns one host's published files and address.
func (d *Directory) Discover(hostname string) (map[string]protocol.FileInfo, protocol.Addr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.hosts[hostname]
	if !ok {
		return nil, protocol.Addr{}, ErrUnknownHost
	}
	return rec.publishedFiles(), rec.Addr, nil
}

// Ping refreshes from (if registered) and reports whether target is a
// member. Membership is the only evidence: a host stays alive until the
// sweep evicts it, however long ago it actually went away.
func (d *Directory) Ping(from, target string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if rec, ok := d.hosts[from]; ok && from != "" {
		rec.LastSeen = d.now()
	}
	_, alive := d.hosts[target]
	return alive
}

// Touch refreshes a host's last-seen time; false if it is not registered.
func (d *Directory) Touch(hostname string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.hosts[hostname]
	if ok {
		rec.LastSeen = d.now()
	}
	return ok
}

// Unregister removes a host immediately.
func (d *Directory) Unregister(hostname string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removeLocked(hostname)
}

func (d *Directory) removeLocked(hostname string) bool {
	if _, ok := d.hosts[hostname]; !ok {
		return false
	}
	delete(d.hosts, hostname)
	for i, name := range d.order {
		if name == hostname {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return true
}

// List snapshots every host with its published files. The slice gives the
// iteration order of the map's keys.
func (d *Directory) List() (map[string]protocol.HostSnapshot, []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	snapshot := make(map[string]protocol.HostSnapshot, len(d.hosts))
	order := make([]string, 0, len(d.order))
	for _, name := range d.order {
		rec := d.hosts[name]
		snapshot[name] = protocol.HostSnapshot{
			Addr:        rec.Addr,
			DisplayName: rec.DisplayName,
			Files:       rec.publishedFiles(),
			LastSeen:    protocol.At(rec.LastSeen),
			ConnectedAt: protocol.At(rec.ConnectedAt),
		}
		order = append(order, name)
	}
	return snapshot, order
}

// Sweep evicts every host silent for longer than timeout and returns their
// names.
func (d *Directory) Sweep(timeout time.Duration) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	var evicted []string
	for _, name := range append([]string(nil), d.order...) {
		if now.Sub(d.hosts[name].LastSeen) > timeout {
			d.removeLocked(name)
			evicted = append(evicted, name)
		}
	}
	return evicted
}

// Hosts returns registered hostnames sorted alphabetically.
func (d *Directory) Hosts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]string, 0, len(d.hosts))
	for name := range d.hosts {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Counts returns the number of hosts and of published files.
func (d *Directory) Counts() (hosts, published int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, rec := range d.hosts {
		for _, f := range rec.Files {
			if f.IsPublished() {
				published++
			}
		}
	}
	return len(d.hosts), published
}
