package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardplane/internal/cluster"
	"github.com/dreamware/shardplane/internal/issues"
	"github.com/dreamware/shardplane/internal/planner"
	"github.com/dreamware/shardplane/internal/readiness"
	"github.com/dreamware/shardplane/internal/storage"
	"github.com/dreamware/shardplane/internal/table"
	"github.com/dreamware/shardplane/internal/tablestore"
)

// Config holds the coordinator's tunables.
type Config struct {
	// HealthInterval is the probe period. Zero disables probing.
	HealthInterval time.Duration `yaml:"health_interval"`
	// HealthMaxFailures is the number of consecutive failed probes before a
	// server is marked unreachable.
	HealthMaxFailures int `yaml:"health_max_failures"`
	// StatusWorkers bounds the goroutines computing table statuses.
	StatusWorkers int `yaml:"status_workers"`
	// RebalanceTolerance is the allowed drift from the mean shard size.
	RebalanceTolerance float64 `yaml:"rebalance_tolerance"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		HealthInterval:     5 * time.Second,
		HealthMaxFailures:  3,
		StatusWorkers:      4,
		RebalanceTolerance: planner.DefaultTolerance,
	}
}

// Coordinator ties membership, table configs, backfill progress and issue
// detection together. It is the only writer of table configs.
type Coordinator struct {
	state     *cluster.State
	store     *tablestore.Store
	tracker   *readiness.Tracker
	estimator *planner.SampleEstimator
	planner   *planner.Planner
	health    *HealthMonitor

	issues    map[string][]issues.Issue // by table id
	published map[string]readiness.Flags
	changed   chan struct{} // closed and replaced on every change
	kick      chan struct{}
	cancel    context.CancelFunc
	cfg       Config
	wg        sync.WaitGroup
	mu        sync.RWMutex
	// applyMu serializes config writes with membership handling so the
	// tracker sees assignments and losses in the order they happened.
	applyMu sync.Mutex
}

// New creates a coordinator keeping table configs in kv.
func New(cfg Config, kv storage.Store) *Coordinator {
	def := DefaultConfig()
	if cfg.HealthMaxFailures <= 0 {
		cfg.HealthMaxFailures = def.HealthMaxFailures
	}
	if cfg.StatusWorkers <= 0 {
		cfg.StatusWorkers = def.StatusWorkers
	}
	if cfg.RebalanceTolerance <= 0 {
		cfg.RebalanceTolerance = def.RebalanceTolerance
	}

	c := &Coordinator{
		state:     cluster.NewState(),
		tracker:   readiness.NewTracker(),
		estimator: planner.NewSampleEstimator(),
		issues:    make(map[string][]issues.Issue),
		published: make(map[string]readiness.Flags),
		changed:   make(chan struct{}),
		kick:      make(chan struct{}, 1),
		cfg:       cfg,
	}
	c.store = tablestore.New(kv, tablestore.WithValidator(c.knownServers))
	c.planner = planner.New(
		planner.WithEstimator(c.estimator),
		planner.WithTolerance(cfg.RebalanceTolerance),
	)
	c.state.OnMembershipChange(c.onMembershipChange)

	if cfg.HealthInterval > 0 {
		c.health = NewHealthMonitor(cfg.HealthInterval, cfg.HealthMaxFailures)
		c.health.SetOnUnhealthy(func(id string) {
			if err := c.MarkUnreachable(id); err != nil {
				log.Printf("[coordinator] mark %s unreachable: %v", id, err)
			}
		})
		c.health.SetOnHealthy(func(id string) {
			if srv, ok := c.state.Server(id); ok && srv.Status == cluster.StatusUnreachable {
				if err := c.MarkReachable(id); err != nil {
					log.Printf("[coordinator] mark %s reachable: %v", id, err)
				}
			}
		})
	}
	return c
}

// Start launches the health monitor and the status publisher. They run
// until ctx is canceled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	if c.health != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.health.Start(ctx, c.state.Servers)
		}()
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.publishLoop(ctx)
	}()
	c.notify()
}

// Stop shuts down background work started by Start.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	log.Println("[coordinator] stopped")
}

// Health returns the health monitor, or nil when probing is disabled.
func (c *Coordinator) Health() *HealthMonitor {
	return c.health
}

// knownServers rejects configs naming servers that never joined.
func (c *Coordinator) knownServers(cfg *table.Config) error {
	snap := c.state.Snapshot()
	for _, id := range cfg.Servers() {
		if _, ok := snap.Server(id); !ok {
			return fmt.Errorf("%w: unknown server %q", table.ErrInvalidConfig, id)
		}
	}
	return nil
}

// notify wakes waiters and the status publisher.
func (c *Coordinator) notify() {
	c.mu.Lock()
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Coordinator) changes() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.changed
}

// Membership

// Join registers a server or refreshes its metadata.
func (c *Coordinator) Join(info cluster.NodeInfo) error {
	return c.state.Join(info)
}

// MarkReachable records that a server reconnected.
func (c *Coordinator) MarkReachable(id string) error {
	return c.state.MarkReachable(id)
}

// MarkUnreachable records a transient disconnect.
func (c *Coordinator) MarkUnreachable(id string) error {
	return c.state.MarkUnreachable(id)
}

// RemoveServer permanently removes a server and forgets it once no table
// references it anymore.
func (c *Coordinator) RemoveServer(id string) error {
	if err := c.state.PermanentlyRemove(id); err != nil {
		return err
	}
	c.pruneRemoved()
	return nil
}

// Servers returns every known server ordered by id.
func (c *Coordinator) Servers() []cluster.Server {
	return c.state.Servers()
}

func (c *Coordinator) onMembershipChange(ev cluster.Event) {
	c.applyMu.Lock()
	if ev.To != cluster.StatusReachable {
		c.tracker.ServerLost(ev.ServerID)
	}
	if ev.Permanent() {
		c.redetectReferencing(ev.ServerID)
	}
	c.applyMu.Unlock()
	c.notify()
}

func (c *Coordinator) redetectReferencing(server string) {
	all, err := c.store.List()
	if err != nil {
		log.Printf("[coordinator] list tables: %v", err)
		return
	}
	snap := c.state.Snapshot()
	for _, v := range all {
		if v.Config.References(server) {
			c.detect(v.Config, snap)
		}
	}
}

// pruneRemoved forgets permanently removed servers no table references.
func (c *Coordinator) pruneRemoved() {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	all, err := c.store.List()
	if err != nil {
		log.Printf("[coordinator] list tables: %v", err)
		return
	}
	for _, srv := range c.state.Servers() {
		if srv.Status != cluster.StatusPermanentlyRemoved {
			continue
		}
		referenced := slices.ContainsFunc(all, func(v tablestore.Versioned) bool {
			return v.Config.References(srv.ID)
		})
		if !referenced && c.state.Forget(srv.ID) {
			log.Printf("[coordinator] forgot removed server %s", srv.ID)
		}
	}
}

// detect replaces the issue set of one table.
func (c *Coordinator) detect(cfg *table.Config, snap cluster.Snapshot) {
	found := issues.Detect(cfg, snap)

	c.mu.Lock()
	prev := c.issues[cfg.ID]
	if len(found) == 0 {
		delete(c.issues, cfg.ID)
	} else {
		c.issues[cfg.ID] = found
	}
	c.mu.Unlock()

	for _, is := range found {
		if !slices.ContainsFunc(prev, func(p issues.Issue) bool { return p.ID == is.ID }) {
			log.Printf("[coordinator] issue raised: %s: %s", is.ID, is.Description)
		}
	}
	for _, p := range prev {
		if !slices.ContainsFunc(found, func(is issues.Issue) bool { return is.ID == p.ID }) {
			log.Printf("[coordinator] issue cleared: %s", p.ID)
		}
	}
}

// CurrentIssues returns every open issue ordered by table then id.
func (c *Coordinator) CurrentIssues() []issues.Issue {
	c.mu.RLock()
	out := make([]issues.Issue, 0)
	for _, list := range c.issues {
		out = append(out, list...)
	}
	c.mu.RUnlock()

	slices.SortFunc(out, func(a, b issues.Issue) int {
		if a.TableID != b.TableID {
			if a.TableID < b.TableID {
				return -1
			}
			return 1
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Table configs

// applied brings derived state in line with a successful config write.
// Called with applyMu held.
func (c *Coordinator) applied(ch tablestore.Change) {
	snap := c.state.Snapshot()
	if ch.New == nil {
		c.tracker.Drop(ch.Old.ID)
		c.estimator.Drop(ch.Old.ID)
		c.mu.Lock()
		delete(c.issues, ch.Old.ID)
		delete(c.published, ch.Old.ID)
		c.mu.Unlock()
		return
	}
	c.tracker.Assign(ch.Old, ch.New, snap)
	c.detect(ch.New, snap)
}

func (c *Coordinator) write(op func() (tablestore.Change, error)) (tablestore.Change, error) {
	c.applyMu.Lock()
	ch, err := op()
	if err == nil {
		c.applied(ch)
	}
	c.applyMu.Unlock()
	if err != nil {
		return ch, err
	}
	c.pruneRemoved()
	c.notify()
	return ch, nil
}

// TableConfigs returns every table config with its version, ordered by id.
func (c *Coordinator) TableConfigs() ([]tablestore.Versioned, error) {
	return c.store.List()
}

// TableConfig returns one table config with its version.
func (c *Coordinator) TableConfig(id string) (tablestore.Versioned, error) {
	cfg, version, err := c.store.Get(id)
	if err != nil {
		return tablestore.Versioned{}, err
	}
	return tablestore.Versioned{Config: cfg, Version: version}, nil
}

// CreateTable stores a new table config.
func (c *Coordinator) CreateTable(cfg *table.Config) (tablestore.Versioned, error) {
	ch, err := c.write(func() (tablestore.Change, error) { return c.store.Create(cfg) })
	return versioned(ch), err
}

// PatchTable merges a partial document into a table config.
func (c *Coordinator) PatchTable(id string, expected uint64, patch map[string]any) (tablestore.Versioned, error) {
	ch, err := c.write(func() (tablestore.Change, error) { return c.store.PatchConfig(id, expected, patch) })
	return versioned(ch), err
}

// ReplaceTable swaps a table config wholesale.
func (c *Coordinator) ReplaceTable(id string, expected uint64, cfg *table.Config) (tablestore.Versioned, error) {
	ch, err := c.write(func() (tablestore.Change, error) { return c.store.ReplaceConfig(id, expected, cfg) })
	return versioned(ch), err
}

// DeleteTable removes a table config and everything derived from it.
func (c *Coordinator) DeleteTable(id string, expected uint64) error {
	_, err := c.write(func() (tablestore.Change, error) { return c.store.Delete(id, expected) })
	return err
}

func versioned(ch tablestore.Change) tablestore.Versioned {
	return tablestore.Versioned{Config: ch.New, Version: ch.Version}
}

// Reconfigure replaces a table's shard layout with a freshly planned one.
// Placement accounts for replicas every server holds for other tables.
func (c *Coordinator) Reconfigure(id string, req planner.Request) (tablestore.Versioned, error) {
	ch, err := c.write(func() (tablestore.Change, error) {
		all, err := c.store.List()
		if err != nil {
			return tablestore.Change{}, err
		}
		var others []*table.Config
		for _, v := range all {
			if v.Config.ID != id {
				others = append(others, v.Config)
			}
		}
		snap := c.state.Snapshot()
		load := planner.LoadOf(others...)
		return c.store.Update(id, 0, func(cur *table.Config) (*table.Config, error) {
			return c.planner.Reconfigure(cur, snap, load, req)
		})
	})
	return versioned(ch), err
}

var errUnchanged = errors.New("unchanged")

// Rebalance moves shard boundaries of one table to even out rows. It reports
// whether anything moved.
func (c *Coordinator) Rebalance(id string) (bool, error) {
	_, err := c.write(func() (tablestore.Change, error) {
		return c.store.Update(id, 0, func(cur *table.Config) (*table.Config, error) {
			out, changed, err := c.planner.Rebalance(cur)
			if err != nil {
				return nil, err
			}
			if !changed {
				return nil, errUnchanged
			}
			return out, nil
		})
	})
	if errors.Is(err, errUnchanged) {
		return false, nil
	}
	return err == nil, err
}

// SetDistribution feeds a sample of a table's keys to the row estimator.
func (c *Coordinator) SetDistribution(id string, keys []string) error {
	if _, _, err := c.store.Get(id); err != nil {
		return err
	}
	c.estimator.SetSample(id, keys)
	log.Printf("[coordinator] key sample for %s: %d keys", id, len(keys))
	return nil
}

// Backfill

// ReplicaCaughtUp records that a replica finished copying its shard. It
// reports false for signals about assignments that no longer exist.
func (c *Coordinator) ReplicaCaughtUp(tableID string, shard int, server string) bool {
	return c.backfill(tableID, shard, server, c.tracker.CaughtUp)
}

// ReplicaLostSync records that a replica fell behind its shard.
func (c *Coordinator) ReplicaLostSync(tableID string, shard int, server string) bool {
	return c.backfill(tableID, shard, server, c.tracker.LostSync)
}

func (c *Coordinator) backfill(tableID string, shard int, server string, signal func(string, int, string) bool) bool {
	c.applyMu.Lock()
	ok := signal(tableID, shard, server)
	c.applyMu.Unlock()
	if ok {
		c.notify()
	}
	return ok
}
