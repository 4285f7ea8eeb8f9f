package dedup

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Ref names one copy of a file.
type Ref struct {
	Hostname string
	Name     string
	Size     int64
	Hash     string
}

type nameSize struct {
	name string
	size int64
}

// Report is the outcome of a duplicate check.
type Report struct {
	// Exact lists copies with the same content hash.
	Exact []Ref
	// Potential lists copies with the same name and size but other content.
	Potential []Ref
}

func (r Report) IsDuplicate() bool {
	return len(r.Exact) > 0
}

func (r Report) Recommendation() string {
	switch {
	case len(r.Exact) > 0:
		hosts := make([]string, 0, 3)
		for i, ref := range r.Exact {
			if i == 3 {
				break
			}
			hosts = append(hosts, ref.Hostname)
		}
		return fmt.Sprintf("exact duplicate found on: %s", strings.Join(hosts, ", "))
	case len(r.Potential) > 0:
		return fmt.Sprintf("%d file(s) with the same name and size but different content", len(r.Potential))
	default:
		return "no duplicates found"
	}
}

// Index looks up files by content hash and by (name, size).
type Index struct {
	mu       sync.RWMutex
	byHash   map[string][]Ref
	byNameSz map[nameSize][]Ref
}

func NewIndex() *Index {
	return &Index{
		byHash:   make(map[string][]Ref),
		byNameSz: make(map[nameSize][]Ref),
	}
}

// Add records ref, replacing an earlier entry for the same host and name.
func (x *Index) Add(ref Ref) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(ref.Hostname, ref.Name)
	x.byHash[ref.Hash] = append(x.byHash[ref.Hash], ref)
	key := nameSize{ref.Name, ref.Size}
	x.byNameSz[key] = append(x.byNameSz[key], ref)
}

func (x *Index) Remove(hostname, name string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(hostname, name)
}

func (x *Index) removeLocked(hostname, name string) {
	for h, refs := range x.byHash {
		if kept := without(refs, hostname, name); len(kept) == 0 {
			delete(x.byHash, h)
		} else {
			x.byHash[h] = kept
		}
	}
	for k, refs := range x.byNameSz {
		if k.name != name {
			continue
		}
		if kept := without(refs, hostname, name); len(kept) == 0 {
			delete(x.byNameSz, k)
		} else {
			x.byNameSz[k] = kept
		}
	}
}

func without(refs []Ref, hostname, name string) []Ref {
	out := refs[:0:0]
	for _, r := range refs {
		if r.Hostname == hostname && r.Name == name {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Check reports what the index already holds for a file about to be shared.
func (x *Index) Check(name string, size int64, hash string) Report {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var r Report
	r.Exact = append(r.Exact, x.byHash[hash]...)
	for _, ref := range x.byNameSz[nameSize{name, size}] {
		if ref.Hash != hash {
			r.Potential = append(r.Potential, ref)
		}
	}
	sortRefs(r.Exact)
	sortRefs(r.Potential)
	return r
}

type Stats struct {
	Files        int
	UniqueHashes int
	Duplicates   int
}

func (x *Index) Stats() Stats {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var s Stats
	s.UniqueHashes = len(x.byHash)
	for _, refs := range x.byHash {
		s.Files += len(refs)
		s.Duplicates += len(refs) - 1
	}
	return s
}

func sortRefs(refs []Ref) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Hostname != refs[j].Hostname {
			return refs[i].Hostname < refs[j].Hostname
		}
		return refs[i].Name < refs[j].Name
	})
}
