package table

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// Patch is a partial table config. Nil fields are left untouched when the
// patch is applied; Shards merge by index.
type Patch struct {
	ID         *string      `json:"id"`
	PrimaryKey *string      `json:"primary_key"`
	DB         *string      `json:"db"`
	Name       *string      `json:"name"`
	Durability *Durability  `json:"durability"`
	WriteAcks  any          `json:"write_acks"`
	Shards     []ShardPatch `json:"shards"`
}

// ShardPatch is a partial shard. Nil fields are left untouched.
type ShardPatch struct {
	Range          *KeyRange  `json:"range"`
	Replicas       *[]Replica `json:"replicas"`
	PrimaryReplica *string    `json:"primary_replica"`
}

var replicaType = reflect.TypeOf(Replica{})

// replicaHook lets a replica be written as a bare server id and defaults an
// omitted voting flag to true.
func replicaHook(from, to reflect.Type, data any) (any, error) {
	if to != replicaType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return map[string]any{"server": v, "voting": true}, nil
	case map[string]any:
		if _, ok := v["voting"]; !ok {
			out := make(map[string]any, len(v)+1)
			for k, val := range v {
				out[k] = val
			}
			out["voting"] = true
			return out, nil
		}
	}
	return data, nil
}

func decode(input, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		ErrorUnused: true,
		DecodeHook:  replicaHook,
		Result:      out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

// DecodePatch converts a generic document (as produced by decoding JSON into
// map[string]any) into a Patch. Unknown keys are rejected.
func DecodePatch(raw map[string]any) (Patch, error) {
	var p Patch
	if err := decode(raw, &p); err != nil {
		return Patch{}, invalidf("%v", err)
	}
	if p.WriteAcks != nil {
		acks, err := DecodeAckPolicy(p.WriteAcks)
		if err != nil {
			return Patch{}, err
		}
		p.WriteAcks = acks
	}
	return p, nil
}

// DecodeAckPolicy accepts either a mode string or a list of requirement documents.
func DecodeAckPolicy(raw any) (AckPolicy, error) {
	switch v := raw.(type) {
	case AckPolicy:
		return v, nil
	case string:
		return Uniform(AckMode(v)), nil
	case []any:
		var reqs []AckRequirement
		if err := decode(v, &reqs); err != nil {
			return AckPolicy{}, invalidf("write_acks: %v", err)
		}
		if len(reqs) == 0 {
			return AckPolicy{}, invalidf("write_acks requirement list is empty")
		}
		return Requirements(reqs...), nil
	}
	return AckPolicy{}, invalidf("write_acks has unsupported type %T", raw)
}

// Apply returns a copy of c with p merged in. The result is not validated.
func Apply(c *Config, p Patch) (*Config, error) {
	out := c.Clone()
	if p.ID != nil && *p.ID != c.ID {
		return nil, invalidf("id is immutable")
	}
	if p.PrimaryKey != nil && *p.PrimaryKey != c.PrimaryKey {
		return nil, invalidf("primary_key is immutable")
	}
	if p.DB != nil {
		out.DB = *p.DB
	}
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Durability != nil {
		out.Durability = *p.Durability
	}
	if p.WriteAcks != nil {
		acks, ok := p.WriteAcks.(AckPolicy)
		if !ok {
			return nil, invalidf("write_acks was not decoded: %s", fmt.Sprint(p.WriteAcks))
		}
		out.WriteAcks = acks
	}
	for i, sp := range p.Shards {
		if i >= len(out.Shards) {
			out.Shards = append(out.Shards, Shard{})
		}
		s := &out.Shards[i]
		if sp.Range != nil {
			s.Range = *sp.Range
		}
		if sp.Replicas != nil {
			s.Replicas = append([]Replica(nil), (*sp.Replicas)...)
		}
		if sp.PrimaryReplica != nil {
			s.PrimaryReplica = *sp.PrimaryReplica
		}
	}
	return out, nil
}
