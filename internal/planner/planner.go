// Package planner turns administrator intent (shard count, replica count,
// placement constraints) into complete table configs, and moves shard
// boundaries to even out rows. It never writes anything; callers persist the
// result through the table config store.
package planner

import (
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/dreamware/shardplane/internal/cluster"
	"github.com/dreamware/shardplane/internal/table"
)

var (
	// ErrInsufficientReplicas means the live cluster cannot host the request.
	ErrInsufficientReplicas = errors.New("insufficient replicas")
	// ErrNoPrimaryEligibleServer means no chosen replica may become primary.
	ErrNoPrimaryEligibleServer = errors.New("no primary eligible server")
)

// MaxShards is the largest shard count Reconfigure accepts.
const MaxShards = 64

// DefaultTolerance is how far a shard's rows may drift from the mean, as a
// fraction of the mean, before Rebalance moves its boundaries.
const DefaultTolerance = 0.2

// PlacementGroup asks for DesiredCount replicas of every shard on servers tagged Tag.
type PlacementGroup struct {
	Tag          string `json:"tag" yaml:"tag"`
	DesiredCount int    `json:"desired_count" yaml:"desired_count"`
}

// Request describes a reconfiguration.
type Request struct {
	Shards        int              `json:"shards"`
	Replicas      int              `json:"replicas"`
	PrimaryTag    string           `json:"primary_replica_tag"`
	NonvotingTags []string         `json:"nonvoting_replica_tags"`
	Groups        []PlacementGroup `json:"groups"`
}

// Planner computes new table configs. The zero value is not usable; use New.
type Planner struct {
	placement Placement
	estimator RowEstimator
	tolerance float64
}

// Option customizes a Planner.
type Option func(*Planner)

// WithPlacement overrides the replica placement strategy.
func WithPlacement(p Placement) Option {
	return func(pl *Planner) { pl.placement = p }
}

// WithEstimator sets the row estimator used for split points and rebalancing.
func WithEstimator(e RowEstimator) Option {
	return func(pl *Planner) { pl.estimator = e }
}

// WithTolerance sets the rebalance tolerance.
func WithTolerance(t float64) Option {
	return func(pl *Planner) { pl.tolerance = t }
}

// New creates a planner with LeastLoaded placement and no row estimator.
func New(opts ...Option) *Planner {
	p := &Planner{placement: LeastLoaded{}, tolerance: DefaultTolerance}
	for _, o := range opts {
		o(p)
	}
	return p
}

func validateRequest(req Request) error {
	if req.Shards < 1 || req.Shards > MaxShards {
		return fmt.Errorf("%w: shard count must be between 1 and %d, got %d", table.ErrInvalidConfig, MaxShards, req.Shards)
	}
	if req.Replicas < 1 {
		return fmt.Errorf("%w: replica count must be at least 1, got %d", table.ErrInvalidConfig, req.Replicas)
	}
	sum := 0
	for _, g := range req.Groups {
		if g.Tag == "" || g.DesiredCount < 0 {
			return fmt.Errorf("%w: placement group needs a tag and a non-negative count", table.ErrInvalidConfig)
		}
		sum += g.DesiredCount
	}
	if sum > req.Replicas {
		return fmt.Errorf("%w: placement groups ask for %d replicas but only %d were requested",
			table.ErrInvalidConfig, sum, req.Replicas)
	}
	return nil
}

// Reconfigure builds a new config for current with the requested layout.
// Only reachable servers are eligible. Either a complete config is returned
// or an error; partial placements are never produced.
//
// Parameters:
//   - current: The table's present config; id, name, primary key and
//     durability carry over, shards are replaced
//   - snap: Membership to place against
//   - load: Replicas every server already carries for other tables
//   - req: Shard and replica counts, tag groups, primary and nonvoting tags
//
// Returns:
//   - The new config, already validated
//   - ErrInvalidConfig for malformed requests
//   - ErrInsufficientReplicas when too few servers (or tagged servers) are live
//   - ErrNoPrimaryEligibleServer when no voting replica carries the primary tag
//
// Example:
//
//	next, err := p.Reconfigure(cfg, state.Snapshot(), LoadOf(others...), Request{
//	    Shards:   4,
//	    Replicas: 3,
//	    Groups:   []PlacementGroup{{Tag: "east", DesiredCount: 2}, {Tag: "west", DesiredCount: 1}},
//	})
func (p *Planner) Reconfigure(current *table.Config, snap cluster.Snapshot, load Load, req Request) (*table.Config, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	live := snap.Live()
	if len(live) < req.Replicas {
		return nil, fmt.Errorf("%w: %d replicas requested but only %d servers are reachable",
			ErrInsufficientReplicas, req.Replicas, len(live))
	}
	for _, g := range req.Groups {
		if n := len(withTag(live, g.Tag)); n < g.DesiredCount {
			return nil, fmt.Errorf("%w: group %q wants %d replicas but only %d reachable servers carry the tag",
				ErrInsufficientReplicas, g.Tag, g.DesiredCount, n)
		}
	}

	ranges := Partition(p.splitPoints(current.ID, req.Shards))
	load = load.clone()
	primaries := make(Load)
	shards := make([]table.Shard, 0, len(ranges))
	for i, rng := range ranges {
		chosen, err := p.pick(live, load, req)
		if err != nil {
			return nil, fmt.Errorf("shard %d: %w", i, err)
		}
		shard := table.Shard{Range: rng}
		var eligible []cluster.Server
		for _, srv := range chosen {
			voting := !srv.HasAnyTag(req.NonvotingTags)
			shard.Replicas = append(shard.Replicas, table.Replica{Server: srv.ID, Voting: voting})
			if voting && (req.PrimaryTag == "" || srv.HasTag(req.PrimaryTag)) {
				eligible = append(eligible, srv)
			}
			load[srv.ID]++
		}
		if len(eligible) == 0 {
			return nil, fmt.Errorf("%w: shard %d has no voting replica tagged %q",
				ErrNoPrimaryEligibleServer, i, req.PrimaryTag)
		}
		primary := p.placement.Rank(eligible, primaries)[0]
		primaries[primary.ID]++
		shard.PrimaryReplica = primary.ID
		shards = append(shards, shard)
	}

	out := current.Clone()
	out.Shards = shards
	if !out.WriteAcks.IsUniform() {
		// requirement lists name servers that may no longer be replicas
		out.WriteAcks = table.Uniform(table.AckMajority)
	}
	if err := table.Validate(out); err != nil {
		return nil, err
	}
	log.Printf("[planner] reconfigured %s: %d shards x %d replicas", out.ID, len(out.Shards), req.Replicas)
	return out, nil
}

// pick chooses the replica servers of one shard: placement groups first, in
// order, then generic slots up to the replica count.
func (p *Planner) pick(live []cluster.Server, load Load, req Request) ([]cluster.Server, error) {
	used := make(map[string]bool)
	var chosen []cluster.Server
	take := func(cands []cluster.Server, n int) int {
		got := 0
		for _, srv := range p.placement.Rank(cands, load) {
			if got == n {
				break
			}
			if used[srv.ID] {
				continue
			}
			used[srv.ID] = true
			chosen = append(chosen, srv)
			got++
		}
		return got
	}
	for _, g := range req.Groups {
		if got := take(withTag(live, g.Tag), g.DesiredCount); got < g.DesiredCount {
			return nil, fmt.Errorf("%w: group %q got %d of %d servers after earlier groups",
				ErrInsufficientReplicas, g.Tag, got, g.DesiredCount)
		}
	}
	rest := req.Replicas - len(chosen)
	if got := take(live, rest); got < rest {
		return nil, fmt.Errorf("%w: %d generic replicas needed, %d servers left",
			ErrInsufficientReplicas, rest, got)
	}
	return chosen, nil
}

func withTag(servers []cluster.Server, tag string) []cluster.Server {
	var out []cluster.Server
	for _, s := range servers {
		if s.HasTag(tag) {
			out = append(out, s)
		}
	}
	return out
}

func (p *Planner) splitPoints(tableID string, shards int) []string {
	if p.estimator != nil {
		if pts, ok := p.estimator.SplitPoints(tableID, table.KeyRange{}, shards); ok {
			return pts
		}
	}
	return UniformSplitPoints(shards)
}

// Rebalance moves shard boundaries so estimated rows even out. Only shards
// whose rows stray from the mean by more than the tolerance, and their direct
// neighbours, are touched; every other shard is returned unchanged.
// Replica sets and primaries stay with their shard index.
func (p *Planner) Rebalance(current *table.Config) (*table.Config, bool, error) {
	n := len(current.Shards)
	if p.estimator == nil || n < 2 {
		return current, false, nil
	}
	rows := make([]int64, n)
	var total int64
	for i, s := range current.Shards {
		rows[i] = p.estimator.EstimateRows(current.ID, s.Range)
		total += rows[i]
	}
	if total == 0 {
		return current, false, nil
	}
	mean := float64(total) / float64(n)

	out := current.Clone()
	changed := false
	for _, w := range windows(rows, mean, p.tolerance) {
		outer := table.KeyRange{Start: out.Shards[w.lo].Range.Start, End: out.Shards[w.hi].Range.End}
		pts, ok := p.estimator.SplitPoints(current.ID, outer, w.hi-w.lo+1)
		if !ok {
			continue
		}
		for i, rng := range partitionRange(outer, pts) {
			if out.Shards[w.lo+i].Range != rng {
				out.Shards[w.lo+i].Range = rng
				changed = true
			}
		}
	}
	if !changed {
		return current, false, nil
	}
	if err := table.Validate(out); err != nil {
		return nil, false, err
	}
	log.Printf("[planner] rebalanced %s", out.ID)
	return out, true, nil
}

type window struct{ lo, hi int }

// windows returns merged index windows around every out-of-balance shard.
func windows(rows []int64, mean, tolerance float64) []window {
	var out []window
	for i, r := range rows {
		if math.Abs(float64(r)-mean) <= tolerance*mean {
			continue
		}
		w := window{lo: max(0, i-1), hi: min(len(rows)-1, i+1)}
		if len(out) > 0 && out[len(out)-1].hi >= w.lo {
			out[len(out)-1].hi = w.hi
			continue
		}
		out = append(out, w)
	}
	return out
}
