// Package readiness derives per-replica runtime state and table availability
// flags from a table config, a cluster snapshot and backfill progress.
package readiness

import (
	"github.com/dreamware/shardplane/internal/cluster"
	"github.com/dreamware/shardplane/internal/table"
)

// ReplicaState is the runtime state of one replica of one shard.
type ReplicaState string

const (
	// StateNeedPrimary means the replica must catch up but its primary is not ready.
	StateNeedPrimary ReplicaState = "need_primary"
	// StateBackfilling means the replica is copying data from its primary.
	StateBackfilling ReplicaState = "backfilling"
	// StateReady means the replica is connected and caught up.
	StateReady ReplicaState = "ready"
	// StateDisconnected means the replica's server is unreachable or removed.
	StateDisconnected ReplicaState = "disconnected"
)

// Flags are the availability guarantees of a shard or table. They always
// form the chain AllReplicasReady => ReadyForWrites => ReadyForReads =>
// ReadyForOutdatedReads.
type Flags struct {
	ReadyForOutdatedReads bool `json:"ready_for_outdated_reads"`
	ReadyForReads         bool `json:"ready_for_reads"`
	ReadyForWrites        bool `json:"ready_for_writes"`
	AllReplicasReady      bool `json:"all_replicas_ready"`
}

func (f Flags) and(o Flags) Flags {
	return Flags{
		ReadyForOutdatedReads: f.ReadyForOutdatedReads && o.ReadyForOutdatedReads,
		ReadyForReads:         f.ReadyForReads && o.ReadyForReads,
		ReadyForWrites:        f.ReadyForWrites && o.ReadyForWrites,
		AllReplicasReady:      f.AllReplicasReady && o.AllReplicasReady,
	}
}

// ReplicaStatus is one replica's computed state.
type ReplicaStatus struct {
	Server string       `json:"server"`
	State  ReplicaState `json:"state"`
	Voting bool         `json:"voting"`
}

// ShardStatus is one shard's computed state.
type ShardStatus struct {
	Replicas       []ReplicaStatus `json:"replicas"`
	PrimaryReplica string          `json:"primary_replica"`
	Status         Flags           `json:"status"`
}

// TableStatus is the regenerated status document of one table.
type TableStatus struct {
	ID     string        `json:"id"`
	DB     string        `json:"db"`
	Name   string        `json:"name"`
	Shards []ShardStatus `json:"shards"`
	Status Flags         `json:"status"`
}

// SyncState reports backfill progress for one table.
type SyncState interface {
	// CaughtUp reports whether server has received all data of shard.
	CaughtUp(shard int, server string) bool
}

// AllCaughtUp is a SyncState where every replica has finished backfilling.
type AllCaughtUp struct{}

func (AllCaughtUp) CaughtUp(int, string) bool { return true }

// Compute is a pure function of its inputs and is safe to call concurrently.
func Compute(cfg *table.Config, snap cluster.Snapshot, sync SyncState) TableStatus {
	out := TableStatus{
		ID:     cfg.ID,
		DB:     cfg.DB,
		Name:   cfg.Name,
		Shards: make([]ShardStatus, len(cfg.Shards)),
		Status: Flags{
			ReadyForOutdatedReads: true,
			ReadyForReads:         true,
			ReadyForWrites:        true,
			AllReplicasReady:      true,
		},
	}
	for i, s := range cfg.Shards {
		st := computeShard(i, s, cfg.WriteAcks, snap, sync)
		out.Shards[i] = st
		out.Status = out.Status.and(st.Status)
	}
	return out
}

func computeShard(index int, s table.Shard, acks table.AckPolicy, snap cluster.Snapshot, sync SyncState) ShardStatus {
	primaryReady := snap.Reachable(s.PrimaryReplica) && sync.CaughtUp(index, s.PrimaryReplica)

	st := ShardStatus{
		Replicas:       make([]ReplicaStatus, len(s.Replicas)),
		PrimaryReplica: s.PrimaryReplica,
	}
	ready := make(map[string]bool, len(s.Replicas))
	anyReady, allReady := false, true
	for j, r := range s.Replicas {
		var state ReplicaState
		switch {
		case !snap.Reachable(r.Server):
			state = StateDisconnected
		case sync.CaughtUp(index, r.Server):
			state = StateReady
		case primaryReady:
			state = StateBackfilling
		default:
			state = StateNeedPrimary
		}
		st.Replicas[j] = ReplicaStatus{Server: r.Server, State: state, Voting: r.Voting}
		if state == StateReady {
			ready[r.Server] = true
			anyReady = true
		} else {
			allReady = false
		}
	}

	reads := ready[s.PrimaryReplica]
	writes := reads && acksSatisfied(s, acks, ready, reads)
	st.Status = Flags{
		ReadyForOutdatedReads: anyReady,
		ReadyForReads:         reads,
		ReadyForWrites:        writes,
		AllReplicasReady:      allReady && writes,
	}
	return st
}

func acksSatisfied(s table.Shard, acks table.AckPolicy, ready map[string]bool, primaryReady bool) bool {
	if acks.IsUniform() {
		if acks.Mode == table.AckSingle {
			return primaryReady
		}
		return quorum(table.AckMajority, s.VotingReplicas(), ready)
	}
	for _, req := range acks.Requirements {
		if !quorum(req.Mode, table.RequirementVoters(s, req), ready) {
			return false
		}
	}
	return true
}

// quorum reports whether enough of voters are ready to satisfy mode.
func quorum(mode table.AckMode, voters []string, ready map[string]bool) bool {
	n := 0
	for _, v := range voters {
		if ready[v] {
			n++
		}
	}
	if mode == table.AckSingle {
		return n >= 1
	}
	return n > len(voters)/2
}
