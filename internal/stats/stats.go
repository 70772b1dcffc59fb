// Package stats aggregates compile counters for one client process.
package stats

import (
	"sync"
)

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	CompileRequests      int            `json:"compile_requests"`
	RequestsNotCacheable int            `json:"requests_not_cacheable"`
	RequestsExecuted     int            `json:"requests_executed"`
	CacheHits            int            `json:"cache_hits"`
	CacheMisses          int            `json:"cache_misses"`
	CacheReadErrors      int            `json:"cache_read_errors"`
	CacheWriteErrors     int            `json:"cache_write_errors"`
	CompileFails         int            `json:"compile_fails"`
	DistCompiles         map[string]int `json:"dist_compiles"`
	DistErrors           int            `json:"dist_errors"`
	DistErrorsByKind     map[string]int `json:"dist_errors_by_kind"`
}

// DistCompilesTotal sums distributed compiles over all servers.
func (s Snapshot) DistCompilesTotal() int {
	total := 0
	for _, n := range s.DistCompiles {
		total += n
	}
	return total
}

// Stats is a thread-safe set of monotonically increasing counters.
// The zero value is ready to use.
type Stats struct {
	mu sync.Mutex
	s  Snapshot
}

// New creates an empty Stats.
func New() *Stats {
	return &Stats{}
}

func (st *Stats) update(fn func(s *Snapshot)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(&st.s)
}

func (st *Stats) IncCompileRequests()      { st.update(func(s *Snapshot) { s.CompileRequests++ }) }
func (st *Stats) IncRequestsNotCacheable() { st.update(func(s *Snapshot) { s.RequestsNotCacheable++ }) }
func (st *Stats) IncRequestsExecuted()     { st.update(func(s *Snapshot) { s.RequestsExecuted++ }) }
func (st *Stats) IncCacheHits()            { st.update(func(s *Snapshot) { s.CacheHits++ }) }
func (st *Stats) IncCacheMisses()          { st.update(func(s *Snapshot) { s.CacheMisses++ }) }
func (st *Stats) IncCacheReadErrors()      { st.update(func(s *Snapshot) { s.CacheReadErrors++ }) }
func (st *Stats) IncCacheWriteErrors()     { st.update(func(s *Snapshot) { s.CacheWriteErrors++ }) }
func (st *Stats) IncCompileFails()         { st.update(func(s *Snapshot) { s.CompileFails++ }) }

// IncDistCompiles records one successful distributed compile on server.
func (st *Stats) IncDistCompiles(server string) {
	st.update(func(s *Snapshot) {
		if s.DistCompiles == nil {
			s.DistCompiles = make(map[string]int)
		}
		s.DistCompiles[server]++
	})
}

// IncDistErrors records one failed dispatch attempt of the given kind.
func (st *Stats) IncDistErrors(kind string) {
	st.update(func(s *Snapshot) {
		s.DistErrors++
		if kind == "" {
			return
		}
		if s.DistErrorsByKind == nil {
			s.DistErrorsByKind = make(map[string]int)
		}
		s.DistErrorsByKind[kind]++
	})
}

// Snapshot returns a copy of the counters.
func (st *Stats) Snapshot() Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := st.s
	out.DistCompiles = copyMap(st.s.DistCompiles)
	out.DistErrorsByKind = copyMap(st.s.DistErrorsByKind)
	return out
}

// Reset zeroes every counter.
func (st *Stats) Reset() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s = Snapshot{}
}

func copyMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
