// Package issues detects structural problems of a table that transient
// recovery cannot fix: lost data, a removed primary, and write-ack policies
// that can no longer be met. Only permanent removals matter here; a server
// that is merely unreachable is treated as if it will come back.
package issues

import (
	"fmt"
	"strings"

	"github.com/dreamware/shardplane/internal/cluster"
	"github.com/dreamware/shardplane/internal/table"
)

// Type names a kind of issue.
type Type string

const (
	TypeDataLost          Type = "data_lost"
	TypeTableNeedsPrimary Type = "table_needs_primary"
	TypeWriteAcks         Type = "write_acks"
)

// Issue is a persistent problem that needs an operator to write a new config.
type Issue struct {
	ID          string `json:"id"`
	Type        Type   `json:"type"`
	TableID     string `json:"table"`
	DB          string `json:"db"`
	TableName   string `json:"table_name"`
	ShardIndex  *int   `json:"shard_index,omitempty"`
	Description string `json:"description"`
}

func newIssue(typ Type, cfg *table.Config, shard int, format string, args ...any) Issue {
	idx := shard
	return Issue{
		ID:          fmt.Sprintf("%s:%s:%d", typ, cfg.ID, shard),
		Type:        typ,
		TableID:     cfg.ID,
		DB:          cfg.DB,
		TableName:   cfg.Name,
		ShardIndex:  &idx,
		Description: fmt.Sprintf(format, args...),
	}
}

// Detect computes the complete issue set of one table. The result replaces
// whatever was detected before. It is pure and safe to call concurrently.
func Detect(cfg *table.Config, snap cluster.Snapshot) []Issue {
	var out []Issue
	for i, s := range cfg.Shards {
		out = append(out, detectShard(cfg, i, s, snap)...)
	}
	return out
}

func detectShard(cfg *table.Config, i int, s table.Shard, snap cluster.Snapshot) []Issue {
	var survivors []string
	for _, r := range s.Replicas {
		if !snap.Removed(r.Server) {
			survivors = append(survivors, r.Server)
		}
	}
	if len(survivors) == 0 {
		return []Issue{newIssue(TypeDataLost, cfg, i,
			"Table `%s.%s` shard %d: every replica (%s) is on a permanently removed server; "+
				"the data cannot be recovered. Reconfigure the table with new replicas.",
			cfg.DB, cfg.Name, i, strings.Join(s.Servers(), ", "))}
	}

	var out []Issue
	if snap.Removed(s.PrimaryReplica) {
		note := ""
		if !anyVotingSurvivor(s, snap) {
			note = " No surviving replica is voting; make one voting before choosing it."
		}
		if cfg.WriteAcks.IsUniform() && cfg.WriteAcks.Mode == table.AckSingle {
			note += " write_acks is single, which only needs the primary, so no separate write_acks issue is raised."
		}
		out = append(out, newIssue(TypeTableNeedsPrimary, cfg, i,
			"Table `%s.%s` shard %d: primary replica %s was permanently removed. "+
				"Surviving replicas: %s. Write a config that assigns one of them as primary.%s",
			cfg.DB, cfg.Name, i, s.PrimaryReplica, strings.Join(survivors, ", "), note))
	}

	if reason, broken := unsatisfiableAcks(cfg.WriteAcks, s, snap); broken {
		out = append(out, newIssue(TypeWriteAcks, cfg, i,
			"Table `%s.%s` shard %d: write_acks can never be satisfied: %s. "+
				"Narrow write_acks to the surviving replicas.",
			cfg.DB, cfg.Name, i, reason))
	}
	return out
}

func anyVotingSurvivor(s table.Shard, snap cluster.Snapshot) bool {
	for _, r := range s.Replicas {
		if r.Voting && !snap.Removed(r.Server) {
			return true
		}
	}
	return false
}

// unsatisfiableAcks checks whether the policy would fail even if every
// surviving replica it references were ready.
func unsatisfiableAcks(acks table.AckPolicy, s table.Shard, snap cluster.Snapshot) (string, bool) {
	if acks.IsUniform() {
		// a single-ack policy only depends on the primary
		if acks.Mode != table.AckMajority {
			return "", false
		}
		voters := s.VotingReplicas()
		alive := countSurvivors(voters, snap)
		if alive > len(voters)/2 {
			return "", false
		}
		return fmt.Sprintf("majority of %d voting replicas needs %d, only %d survive",
			len(voters), len(voters)/2+1, alive), true
	}

	var reasons []string
	for n, req := range acks.Requirements {
		voters := table.RequirementVoters(s, req)
		alive := countSurvivors(voters, snap)
		need := 1
		if req.Mode == table.AckMajority {
			need = len(voters)/2 + 1
		}
		if alive < need {
			reasons = append(reasons, fmt.Sprintf("requirement %d (%s of %s) needs %d, only %d survive",
				n, req.Mode, strings.Join(voters, ", "), need, alive))
		}
	}
	if len(reasons) == 0 {
		return "", false
	}
	return strings.Join(reasons, "; "), true
}

func countSurvivors(servers []string, snap cluster.Snapshot) int {
	n := 0
	for _, s := range servers {
		if !snap.Removed(s) {
			n++
		}
	}
	return n
}
