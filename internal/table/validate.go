package table

import (
	"golang.org/x/exp/slices"
)

// Validate checks the structural invariants every accepted config must hold:
// shards partition the key domain, every shard has at least one replica and
// no duplicate servers, every primary is a voting replica of its shard, and
// every ack requirement only names voting replicas and reaches into every shard.
func Validate(c *Config) error {
	if c == nil {
		return invalidf("config is nil")
	}
	if c.ID == "" {
		return invalidf("id cannot be empty")
	}
	if c.Name == "" {
		return invalidf("name cannot be empty")
	}
	switch c.Durability {
	case DurabilityHard, DurabilitySoft:
	default:
		return invalidf("durability must be %q or %q, got %q", DurabilityHard, DurabilitySoft, c.Durability)
	}
	if err := validateShards(c.Shards); err != nil {
		return err
	}
	return validateAcks(c)
}

func validateShards(shards []Shard) error {
	if len(shards) == 0 {
		return invalidf("table must have at least one shard")
	}
	if shards[0].Range.Start != "" {
		return invalidf("shard 0 must start at the beginning of the key domain, starts at %q", shards[0].Range.Start)
	}
	if !shards[len(shards)-1].Range.Unbounded() {
		return invalidf("last shard must extend to the end of the key domain")
	}
	for i, s := range shards {
		if s.Range.Unbounded() && i != len(shards)-1 {
			return invalidf("shard %d is unbounded but is not the last shard", i)
		}
		if !s.Range.Unbounded() && s.Range.Start >= s.Range.End {
			return invalidf("shard %d has empty range %s", i, s.Range)
		}
		if i > 0 && shards[i-1].Range.End != s.Range.Start {
			return invalidf("shards %d and %d do not meet: %s then %s", i-1, i, shards[i-1].Range, s.Range)
		}
		if len(s.Replicas) == 0 {
			return invalidf("shard %d has no replicas", i)
		}
		seen := make(map[string]bool, len(s.Replicas))
		for _, r := range s.Replicas {
			if r.Server == "" {
				return invalidf("shard %d has a replica with no server", i)
			}
			if seen[r.Server] {
				return invalidf("shard %d lists server %s twice", i, r.Server)
			}
			seen[r.Server] = true
		}
		primary, ok := s.Replica(s.PrimaryReplica)
		if !ok {
			return invalidf("shard %d primary %q is not one of its replicas", i, s.PrimaryReplica)
		}
		if !primary.Voting {
			return invalidf("shard %d primary %q is a nonvoting replica", i, s.PrimaryReplica)
		}
	}
	return nil
}

func validateAcks(c *Config) error {
	p := c.WriteAcks
	if p.IsUniform() {
		if !p.Mode.valid() {
			return invalidf("write_acks must be %q or %q, got %q", AckSingle, AckMajority, p.Mode)
		}
		return nil
	}
	for n, req := range p.Requirements {
		if !req.Mode.valid() {
			return invalidf("write_acks requirement %d: acks must be %q or %q, got %q", n, AckSingle, AckMajority, req.Mode)
		}
		if len(req.Replicas) == 0 {
			return invalidf("write_acks requirement %d names no replicas", n)
		}
		for _, server := range req.Replicas {
			voting, known := false, false
			for _, s := range c.Shards {
				if r, ok := s.Replica(server); ok {
					known = true
					voting = voting || r.Voting
				}
			}
			if !known {
				return invalidf("write_acks requirement %d references %s which is not a replica of the table", n, server)
			}
			if !voting {
				return invalidf("write_acks requirement %d references nonvoting replica %s", n, server)
			}
		}
		for i, s := range c.Shards {
			if len(RequirementVoters(s, req)) == 0 {
				return invalidf("write_acks requirement %d has no voting replica in shard %d", n, i)
			}
		}
	}
	return nil
}

// RequirementVoters returns the voting replicas of s named by req.
func RequirementVoters(s Shard, req AckRequirement) []string {
	var out []string
	for _, r := range s.Replicas {
		if r.Voting && slices.Contains(req.Replicas, r.Server) {
			out = append(out, r.Server)
		}
	}
	return out
}
