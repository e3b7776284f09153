package sched

import (
	"encoding/json"
	"sort"

	"aicf/native/jobs"
)

// Rank orders jobs deterministically by descending fee, then age, size, tier
// score, and finally lexicographic job id. Permuting the input never changes
// the output.
func Rank(in []*jobs.Job) []*jobs.Job {
	out := make([]*jobs.Job, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if cmp := compareFee(a, b); cmp != 0 {
			return cmp > 0
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		if a.SizeBytes != b.SizeBytes {
			return a.SizeBytes < b.SizeBytes
		}
		if a.Tier.Score() != b.Tier.Score() {
			return a.Tier.Score() < b.Tier.Score()
		}
		return a.ID < b.ID
	})
	return out
}

func compareFee(a, b *jobs.Job) int {
	switch {
	case a.Fee == nil && b.Fee == nil:
		return 0
	case a.Fee == nil:
		return -1
	case b.Fee == nil:
		return 1
	default:
		return a.Fee.Cmp(b.Fee)
	}
}

// jobRequirements is the scheduling-relevant subset of a job spec.
type jobRequirements struct {
	Algorithms []string `json:"algorithms,omitempty"`
	Units      uint64   `json:"units,omitempty"`
}

func requirementsFor(job *jobs.Job) jobRequirements {
	var req jobRequirements
	if len(job.Spec) > 0 {
		_ = json.Unmarshal(job.Spec, &req)
	}
	return req
}

// unitsFor derives the quota units a job consumes; jobs without an explicit
// units hint count as one unit.
func unitsFor(job *jobs.Job) uint64 {
	if req := requirementsFor(job); req.Units > 0 {
		return req.Units
	}
	return 1
}
