package planner

import (
	"github.com/dreamware/shardplane/internal/table"
)

// Printable ASCII without space; used to place split points when nothing is
// known about the data.
const (
	domainLow  = '!'
	domainHigh = '~'
	domainSize = domainHigh - domainLow + 1
)

// UniformSplitPoints returns shards-1 single-character split points spread
// evenly over printable ASCII. shards must not exceed MaxShards.
func UniformSplitPoints(shards int) []string {
	out := make([]string, 0, shards-1)
	for k := 1; k < shards; k++ {
		out = append(out, string(rune(domainLow+k*domainSize/shards)))
	}
	return out
}

// Partition turns sorted split points into ranges covering the whole domain.
func Partition(points []string) []table.KeyRange {
	return partitionRange(table.KeyRange{}, points)
}

func partitionRange(outer table.KeyRange, points []string) []table.KeyRange {
	out := make([]table.KeyRange, 0, len(points)+1)
	start := outer.Start
	for _, p := range points {
		out = append(out, table.KeyRange{Start: start, End: p})
		start = p
	}
	return append(out, table.KeyRange{Start: start, End: outer.End})
}
