package readiness

import (
	"log"
	"sync"

	"github.com/dreamware/shardplane/internal/cluster"
	"github.com/dreamware/shardplane/internal/table"
)

type replicaKey struct {
	server string
	shard  int
}

// Tracker records which replicas of the current configs have caught up with
// their primary. It only ever holds replicas of the current config of each
// table; signals about anything else are stale and ignored.
// Thread-safe: all methods may be called concurrently.
type Tracker struct {
	tables map[string]map[replicaKey]bool // table id -> replica -> caught up
	mu     sync.RWMutex
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{tables: make(map[string]map[replicaKey]bool)}
}

// Assign installs cur as the current config of its table. A replica keeps its
// caught-up mark only if, under old, its server held caught-up replicas
// covering the replica's whole key range. When old is nil the table is new
// and every replica on a reachable server starts caught up.
func (t *Tracker) Assign(old, cur *table.Config, snap cluster.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.tables[cur.ID]
	next := make(map[replicaKey]bool)
	for i, s := range cur.Shards {
		for _, r := range s.Replicas {
			var caught bool
			if old == nil {
				caught = snap.Reachable(r.Server)
			} else {
				caught = covered(old, prev, s.Range, r.Server)
			}
			next[replicaKey{shard: i, server: r.Server}] = caught
		}
	}
	t.tables[cur.ID] = next
}

// covered reports whether server held caught-up data for every old shard
// overlapping rng.
func covered(old *table.Config, prev map[replicaKey]bool, rng table.KeyRange, server string) bool {
	overlapping := 0
	for j, s := range old.Shards {
		if !overlaps(s.Range, rng) {
			continue
		}
		overlapping++
		if !prev[replicaKey{shard: j, server: server}] {
			return false
		}
	}
	return overlapping > 0
}

func overlaps(a, b table.KeyRange) bool {
	aBeforeB := !a.Unbounded() && a.End <= b.Start
	bBeforeA := !b.Unbounded() && b.End <= a.Start
	return !aBeforeB && !bBeforeA
}

// Drop forgets a deleted table.
func (t *Tracker) Drop(tableID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tables, tableID)
}

// ServerLost marks every replica on server as behind. Called when the server
// disconnects or is removed; it will have to catch up again.
func (t *Tracker) ServerLost(server string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, replicas := range t.tables {
		for k := range replicas {
			if k.server == server {
				replicas[k] = false
			}
		}
	}
}

// CaughtUp applies a catch-up-complete signal. It returns false if the
// replica is not part of the table's current config.
func (t *Tracker) CaughtUp(tableID string, shard int, server string) bool {
	return t.set(tableID, shard, server, true)
}

// LostSync applies a fell-behind signal. It returns false if the replica is
// not part of the table's current config.
func (t *Tracker) LostSync(tableID string, shard int, server string) bool {
	return t.set(tableID, shard, server, false)
}

func (t *Tracker) set(tableID string, shard int, server string, caught bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	replicas, ok := t.tables[tableID]
	if !ok {
		log.Printf("[readiness] ignoring backfill signal for unknown table %s", tableID)
		return false
	}
	k := replicaKey{shard: shard, server: server}
	if _, ok := replicas[k]; !ok {
		log.Printf("[readiness] ignoring stale backfill signal for %s shard %d on %s", tableID, shard, server)
		return false
	}
	replicas[k] = caught
	return true
}

// State returns an immutable copy of the table's backfill progress.
func (t *Tracker) State(tableID string) SyncState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(syncSnapshot, len(t.tables[tableID]))
	for k, v := range t.tables[tableID] {
		out[k] = v
	}
	return out
}

type syncSnapshot map[replicaKey]bool

func (s syncSnapshot) CaughtUp(shard int, server string) bool {
	return s[replicaKey{shard: shard, server: server}]
}
