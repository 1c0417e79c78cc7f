package table

import (
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/exp/slices"
)

// ErrInvalidConfig is returned for any config that breaks a structural invariant.
var ErrInvalidConfig = errors.New("invalid table config")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Durability controls whether writes are acknowledged before or after fsync.
type Durability string

const (
	DurabilityHard Durability = "hard"
	DurabilitySoft Durability = "soft"
)

// AckMode is how many replicas of a set must acknowledge a write.
type AckMode string

const (
	AckSingle   AckMode = "single"
	AckMajority AckMode = "majority"
)

func (m AckMode) valid() bool {
	return m == AckSingle || m == AckMajority
}

// AckRequirement demands Mode acknowledgements from the voting replicas in Replicas.
type AckRequirement struct {
	Replicas []string `json:"replicas"`
	Mode     AckMode  `json:"acks"`
}

// AckPolicy is either uniform (Mode applies to every voting replica of a
// shard) or a list of requirements that must all hold.
type AckPolicy struct {
	Mode         AckMode
	Requirements []AckRequirement
}

// Uniform returns a policy applying mode to all voting replicas.
func Uniform(mode AckMode) AckPolicy {
	return AckPolicy{Mode: mode}
}

// Requirements returns a list-form policy.
func Requirements(reqs ...AckRequirement) AckPolicy {
	return AckPolicy{Requirements: reqs}
}

// IsUniform reports whether the policy is the uniform form.
func (p AckPolicy) IsUniform() bool {
	return len(p.Requirements) == 0
}

func (p AckPolicy) clone() AckPolicy {
	out := AckPolicy{Mode: p.Mode}
	for _, r := range p.Requirements {
		out.Requirements = append(out.Requirements, AckRequirement{
			Replicas: slices.Clone(r.Replicas),
			Mode:     r.Mode,
		})
	}
	return out
}

// MarshalJSON encodes a uniform policy as its mode string and a list policy
// as an array of requirements.
func (p AckPolicy) MarshalJSON() ([]byte, error) {
	if p.IsUniform() {
		return json.Marshal(p.Mode)
	}
	return json.Marshal(p.Requirements)
}

func (p *AckPolicy) UnmarshalJSON(data []byte) error {
	var mode AckMode
	if err := json.Unmarshal(data, &mode); err == nil {
		*p = AckPolicy{Mode: mode}
		return nil
	}
	var reqs []AckRequirement
	if err := json.Unmarshal(data, &reqs); err != nil {
		return fmt.Errorf("write_acks must be a mode string or a list of requirements: %w", err)
	}
	*p = AckPolicy{Requirements: reqs}
	return nil
}

// KeyRange is the half-open interval [Start, End). An empty Start is the
// minimum of the key domain and an empty End is unbounded.
type KeyRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Unbounded reports whether the range extends to the end of the domain.
func (r KeyRange) Unbounded() bool {
	return r.End == ""
}

// Contains reports whether key falls inside the range.
func (r KeyRange) Contains(key string) bool {
	return key >= r.Start && (r.Unbounded() || key < r.End)
}

func (r KeyRange) String() string {
	end := r.End
	if r.Unbounded() {
		end = "+inf"
	}
	return fmt.Sprintf("[%q, %s)", r.Start, end)
}

// Replica assigns a shard to a server.
type Replica struct {
	Server string `json:"server"`
	Voting bool   `json:"voting"`
}

// Shard is one contiguous slice of the key space and its replica set.
type Shard struct {
	Range          KeyRange  `json:"range"`
	Replicas       []Replica `json:"replicas"`
	PrimaryReplica string    `json:"primary_replica"`
}

// Replica returns the assignment for server, if any.
func (s Shard) Replica(server string) (Replica, bool) {
	i := slices.IndexFunc(s.Replicas, func(r Replica) bool { return r.Server == server })
	if i < 0 {
		return Replica{}, false
	}
	return s.Replicas[i], true
}

// VotingReplicas returns the servers of the voting replicas in order.
func (s Shard) VotingReplicas() []string {
	var out []string
	for _, r := range s.Replicas {
		if r.Voting {
			out = append(out, r.Server)
		}
	}
	return out
}

// Servers returns every replica's server in order.
func (s Shard) Servers() []string {
	out := make([]string, 0, len(s.Replicas))
	for _, r := range s.Replicas {
		out = append(out, r.Server)
	}
	return out
}

// Config is the desired replication configuration of one table.
type Config struct {
	ID         string     `json:"id"`
	DB         string     `json:"db"`
	Name       string     `json:"name"`
	PrimaryKey string     `json:"primary_key"`
	Shards     []Shard    `json:"shards"`
	WriteAcks  AckPolicy  `json:"write_acks"`
	Durability Durability `json:"durability"`
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.Shards = make([]Shard, len(c.Shards))
	for i, s := range c.Shards {
		s.Replicas = slices.Clone(s.Replicas)
		out.Shards[i] = s
	}
	out.WriteAcks = c.WriteAcks.clone()
	return &out
}

// References reports whether any shard of the table has a replica on server.
func (c *Config) References(server string) bool {
	for _, s := range c.Shards {
		if _, ok := s.Replica(server); ok {
			return true
		}
	}
	return false
}

// Servers returns every distinct server referenced by the table in first-seen order.
func (c *Config) Servers() []string {
	var out []string
	for _, s := range c.Shards {
		for _, r := range s.Replicas {
			if !slices.Contains(out, r.Server) {
				out = append(out, r.Server)
			}
		}
	}
	return out
}
