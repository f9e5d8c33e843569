package scheduler

import (
	"time"
)

// AssembleBatch partitions the per workload outcomes of one pass. Failures
// get their LastTry stamped here so every failure in a batch carries the
// same attempt time.
func AssembleBatch(scalingGroup string, allocations []SessionAllocation, failures []SchedulingFailure, now time.Time) *AllocationBatch {
	for i := range failures {
		failures[i].LastTry = now
	}
	return &AllocationBatch{
		ScalingGroup: scalingGroup,
		Allocations:  allocations,
		Failures:     failures,
	}
}

// IsEmpty reports whether the pass produced no outcomes at all, in which
// case nothing needs persisting.
func (b *AllocationBatch) IsEmpty() bool {
	return len(b.Allocations) == 0 && len(b.Failures) == 0
}
