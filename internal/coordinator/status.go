package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/dreamware/shardplane/internal/cluster"
	"github.com/dreamware/shardplane/internal/readiness"
	"github.com/dreamware/shardplane/internal/table"
)

// ErrTimeout is returned by Wait when the deadline passes first.
var ErrTimeout = errors.New("timed out waiting for table readiness")

// WaitFor names the readiness level Wait blocks for.
type WaitFor string

const (
	WaitForOutdatedReads WaitFor = "outdated_reads"
	WaitForReads         WaitFor = "reads"
	WaitForWrites        WaitFor = "writes"
	WaitForAllReplicas   WaitFor = "all_replicas"
)

// ParseWaitFor accepts the level names used on the wire. An empty name and
// the status flag name all_replicas_ready both mean all_replicas.
func ParseWaitFor(s string) (WaitFor, error) {
	switch w := WaitFor(s); w {
	case WaitForOutdatedReads, WaitForReads, WaitForWrites, WaitForAllReplicas:
		return w, nil
	case "", "all_replicas_ready":
		return WaitForAllReplicas, nil
	}
	return "", fmt.Errorf("unknown readiness level %q", s)
}

func (w WaitFor) holds(f readiness.Flags) bool {
	switch w {
	case WaitForOutdatedReads:
		return f.ReadyForOutdatedReads
	case WaitForReads:
		return f.ReadyForReads
	case WaitForWrites:
		return f.ReadyForWrites
	default:
		return f.AllReplicasReady
	}
}

// TableStatus computes the current readiness of one table.
func (c *Coordinator) TableStatus(id string) (readiness.TableStatus, error) {
	cfg, _, err := c.store.Get(id)
	if err != nil {
		return readiness.TableStatus{}, err
	}
	return readiness.Compute(cfg, c.state.Snapshot(), c.tracker.State(id)), nil
}

// TableStatuses computes the readiness of every table against one
// membership snapshot, ordered by table id.
func (c *Coordinator) TableStatuses() ([]readiness.TableStatus, error) {
	all, err := c.store.List()
	if err != nil {
		return nil, err
	}
	cfgs := make([]*table.Config, len(all))
	for i, v := range all {
		cfgs[i] = v.Config
	}
	return c.computeAll(cfgs, c.state.Snapshot()), nil
}

// computeAll fans the pure status computation out over a bounded pool of
// workers. Results keep the order of cfgs.
func (c *Coordinator) computeAll(cfgs []*table.Config, snap cluster.Snapshot) []readiness.TableStatus {
	out := make([]readiness.TableStatus, len(cfgs))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < min(c.cfg.StatusWorkers, len(cfgs)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				out[i] = readiness.Compute(cfgs[i], snap, c.tracker.State(cfgs[i].ID))
			}
		}()
	}
	for i := range cfgs {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return out
}

// Wait blocks until table id reaches the requested readiness level. It
// never changes any state.
//
// Parameters:
//   - ctx: Bounds the wait; its deadline is the wait timeout
//   - id: Table to watch
//   - level: Readiness level that must hold
//
// Returns:
//   - nil once the level holds (immediately if it already does)
//   - ErrTableNotFound (wrapped) when the table does not exist
//   - an error wrapping ErrTimeout when ctx ends first
//
// Example:
//
//	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
//	defer cancel()
//	if err := c.Wait(ctx, "users", WaitForWrites); errors.Is(err, ErrTimeout) {
//	    // still not writable
//	}
func (c *Coordinator) Wait(ctx context.Context, id string, level WaitFor) error {
	for {
		// grab the channel before computing so a change in between is not missed
		changed := c.changes()
		st, err := c.TableStatus(id)
		if err != nil {
			return err
		}
		if level.holds(st.Status) {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("table %s not ready for %s: %w", id, level, ErrTimeout)
		}
	}
}

// publishLoop recomputes every table's status after each change and logs
// flag transitions. Bursts of changes coalesce into one pass.
func (c *Coordinator) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.kick:
		}
		if err := c.publish(); err != nil {
			log.Printf("[coordinator] status publish: %v", err)
		}
	}
}

func (c *Coordinator) publish() error {
	statuses, err := c.TableStatuses()
	if err != nil {
		return err
	}
	next := make(map[string]readiness.Flags, len(statuses))
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range statuses {
		prev, seen := c.published[st.ID]
		if !seen || prev != st.Status {
			log.Printf("[coordinator] table %s: outdated_reads=%t reads=%t writes=%t all_replicas_ready=%t",
				st.ID, st.Status.ReadyForOutdatedReads, st.Status.ReadyForReads,
				st.Status.ReadyForWrites, st.Status.AllReplicasReady)
		}
		next[st.ID] = st.Status
	}
	c.published = next
	return nil
}

// Published returns the flags last logged by the status publisher.
func (c *Coordinator) Published() map[string]readiness.Flags {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]readiness.Flags, len(c.published))
	for id, f := range c.published {
		out[id] = f
	}
	return out
}
