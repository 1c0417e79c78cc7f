package planner

import (
	"sort"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardplane/internal/cluster"
	"github.com/dreamware/shardplane/internal/table"
)

// Load counts replicas assigned to each server.
type Load map[string]int

func (l Load) clone() Load {
	out := make(Load, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// LoadOf counts the replicas every server holds across configs.
func LoadOf(configs ...*table.Config) Load {
	out := make(Load)
	for _, c := range configs {
		for _, s := range c.Shards {
			for _, r := range s.Replicas {
				out[r.Server]++
			}
		}
	}
	return out
}

// Placement orders candidate servers for one replica slot, best first.
type Placement interface {
	Rank(candidates []cluster.Server, load Load) []cluster.Server
}

// LeastLoaded prefers the server holding the fewest replicas, then the lowest id.
type LeastLoaded struct{}

func (LeastLoaded) Rank(candidates []cluster.Server, load Load) []cluster.Server {
	out := slices.Clone(candidates)
	sort.SliceStable(out, func(i, j int) bool {
		li, lj := load[out[i].ID], load[out[j].ID]
		if li != lj {
			return li < lj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RowEstimator estimates how rows are distributed over a table's key space.
type RowEstimator interface {
	// EstimateRows returns the estimated number of rows in rng.
	EstimateRows(tableID string, rng table.KeyRange) int64
	// SplitPoints proposes parts-1 strictly increasing keys inside rng that
	// divide its rows evenly. ok is false when there is not enough data.
	SplitPoints(tableID string, rng table.KeyRange, parts int) (points []string, ok bool)
}

// SampleEstimator estimates from a sorted sample of keys per table.
// Thread-safe.
type SampleEstimator struct {
	samples map[string][]string
	mu      sync.RWMutex
}

// NewSampleEstimator creates an estimator with no samples.
func NewSampleEstimator() *SampleEstimator {
	return &SampleEstimator{samples: make(map[string][]string)}
}

// SetSample replaces the key sample of a table.
func (e *SampleEstimator) SetSample(tableID string, keys []string) {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples[tableID] = sorted
}

// Drop forgets a table's sample.
func (e *SampleEstimator) Drop(tableID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.samples, tableID)
}

func (e *SampleEstimator) keysIn(tableID string, rng table.KeyRange) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	keys := e.samples[tableID]
	lo := sort.SearchStrings(keys, rng.Start)
	hi := len(keys)
	if !rng.Unbounded() {
		hi = sort.SearchStrings(keys, rng.End)
	}
	return keys[lo:hi]
}

func (e *SampleEstimator) EstimateRows(tableID string, rng table.KeyRange) int64 {
	return int64(len(e.keysIn(tableID, rng)))
}

func (e *SampleEstimator) SplitPoints(tableID string, rng table.KeyRange, parts int) ([]string, bool) {
	if parts < 2 {
		return nil, parts == 1
	}
	keys := e.keysIn(tableID, rng)
	points := make([]string, 0, parts-1)
	prev := rng.Start
	for k := 1; k < parts; k++ {
		idx := k * len(keys) / parts
		if idx >= len(keys) {
			return nil, false
		}
		p := keys[idx]
		if p <= prev {
			return nil, false
		}
		points = append(points, p)
		prev = p
	}
	return points, true
}
