package scheduler

import (
	"context"

	"github.com/pkg/errors"

	"github.com/flotillaproject/flotilla/internal/common/resource"
)

// SystemSnapshot is the point in time view one scheduling pass works from.
// It is built once at the start of the pass and read only afterwards;
// concurrent passes for different scaling groups hold independent snapshots.
type SystemSnapshot struct {
	ScalingGroup      string
	TotalCapacity     resource.Slot
	EntityAllocations map[string]resource.Slot
	SessionsByKey     map[string]int
	Agents            []*AgentInfo
}

// BuildSnapshot reads capacity and current allocations for one scaling group.
// Entity allocations are summed from the occupied slots of running and
// scheduled sessions so fair share sees usage that has not finished yet.
func BuildSnapshot(ctx context.Context, repo Repository, scalingGroup string) (*SystemSnapshot, error) {
	agents, err := repo.GetSchedulableAgents(ctx, scalingGroup)
	if err != nil {
		return nil, errors.Wrapf(err, "listing agents for scaling group %s", scalingGroup)
	}

	totalCapacity := resource.Zero()
	for _, agent := range agents {
		totalCapacity.Add(agent.AvailableSlots)
	}

	active, err := repo.ListActiveWorkloads(ctx, scalingGroup)
	if err != nil {
		return nil, errors.Wrapf(err, "listing active workloads for scaling group %s", scalingGroup)
	}
	entityAllocations := map[string]resource.Slot{}
	for _, workload := range active {
		current, ok := entityAllocations[workload.EntityID]
		if !ok {
			current = resource.Zero()
			entityAllocations[workload.EntityID] = current
		}
		current.Add(workload.RequestedSlots)
	}

	sessionsByKey, err := repo.GetSessionCountsByAccessKey(ctx, scalingGroup)
	if err != nil {
		return nil, errors.Wrapf(err, "counting sessions for scaling group %s", scalingGroup)
	}

	return &SystemSnapshot{
		ScalingGroup:      scalingGroup,
		TotalCapacity:     totalCapacity,
		EntityAllocations: entityAllocations,
		SessionsByKey:     sessionsByKey,
		Agents:            agents,
	}, nil
}

// EntityAllocation returns the entity's current allocation, zero if it holds
// nothing.
func (s *SystemSnapshot) EntityAllocation(entityID string) resource.Slot {
	if slots, ok := s.EntityAllocations[entityID]; ok {
		return slots
	}
	return resource.Zero()
}
