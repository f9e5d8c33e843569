package scheduler

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotillaproject/flotilla/internal/common/resource"
)

func newTestAllocator(group *ScalingGroupInfo, snapshot *SystemSnapshot) *Allocator {
	strategy, _ := StrategyByName(group.AgentStrategy)
	return NewAllocator(group, snapshot, strategy)
}

// Capacity {cpu:4}, FIFO requests {cpu:3} then {cpu:2}: the first places,
// the second fails on enough-resource, and the batch holds one of each.
func TestSecondWorkloadSeesConsumedCapacity(t *testing.T) {
	snapshot := testSnapshot(testAgent("agent-1", slots(map[string]int64{"cpu": 4})))
	allocator := newTestAllocator(testGroup("default"), snapshot)

	first := testWorkload("alice", slots(map[string]int64{"cpu": 3}), 0)
	second := testWorkload("bob", slots(map[string]int64{"cpu": 2}), 1)

	allocation, failure := allocator.Allocate(first, snapshot.TotalCapacity)
	require.Nil(t, failure)
	require.NotNil(t, allocation)

	allocation2, failure2 := allocator.Allocate(second, snapshot.TotalCapacity)
	require.Nil(t, allocation2)
	require.NotNil(t, failure2)
	require.Len(t, failure2.FailedPredicates, 1)
	assert.Equal(t, PredicateEnoughResource, failure2.FailedPredicates[0].Name)

	batch := AssembleBatch("default", []SessionAllocation{*allocation}, []SchedulingFailure{*failure2}, baseTime)
	assert.Len(t, batch.Allocations, 1)
	assert.Len(t, batch.Failures, 1)
}

// Committed allocations never exceed the starting free capacity in any
// dimension, whatever mix of workloads is thrown at the ledger.
func TestLedgerConservation(t *testing.T) {
	agents := []*AgentInfo{
		testAgent("agent-1", slots(map[string]int64{"cpu": 4, "mem": 1024})),
		testAgent("agent-2", slots(map[string]int64{"cpu": 2, "mem": 2048})),
	}
	snapshot := testSnapshot(agents...)
	allocator := newTestAllocator(testGroup("default"), snapshot)

	requests := []resource.Slot{
		slots(map[string]int64{"cpu": 2, "mem": 512}),
		slots(map[string]int64{"cpu": 3, "mem": 512}),
		slots(map[string]int64{"cpu": 2, "mem": 2048}),
		slots(map[string]int64{"cpu": 1, "mem": 256}),
		slots(map[string]int64{"cpu": 1, "mem": 4096}),
	}

	consumed := resource.Zero()
	for i, request := range requests {
		workload := testWorkload("alice", request, time.Duration(i))
		if allocation, _ := allocator.Allocate(workload, snapshot.TotalCapacity); allocation != nil {
			for _, kernel := range allocation.Kernels {
				consumed.Add(kernel.Slots)
			}
		}
	}

	assert.True(t, consumed.FitsIn(snapshot.TotalCapacity),
		"consumed %s exceeds capacity %s", consumed.String(), snapshot.TotalCapacity.String())
	free := snapshot.TotalCapacity.DeepCopy()
	free.Sub(consumed)
	assert.True(t, allocator.RemainingCapacity().Equal(free))
}

func TestScalingGroupAccessDenied(t *testing.T) {
	group := testGroup("restricted")
	group.AllowedEntities = map[string]bool{"alice": true}
	snapshot := testSnapshot(testAgent("agent-1", slots(map[string]int64{"cpu": 4})))
	allocator := newTestAllocator(group, snapshot)

	_, failure := allocator.Allocate(testWorkload("mallory", slots(map[string]int64{"cpu": 1}), 0), snapshot.TotalCapacity)
	require.NotNil(t, failure)
	assert.Equal(t, PredicateScalingGroupAccess, failure.FailedPredicates[0].Name)
	assert.Empty(t, failure.PassedPredicates)
}

// A request beyond total group capacity fails with its own predicate so it
// is distinguishable from a transient shortage.
func TestUnsatisfiableRequestFailsFast(t *testing.T) {
	snapshot := testSnapshot(testAgent("agent-1", slots(map[string]int64{"cpu": 4})))
	allocator := newTestAllocator(testGroup("default"), snapshot)

	_, failure := allocator.Allocate(testWorkload("alice", slots(map[string]int64{"cpu": 64}), 0), snapshot.TotalCapacity)
	require.NotNil(t, failure)
	assert.Equal(t, PredicateUnsatisfiableRequest, failure.FailedPredicates[0].Name)
	require.Len(t, failure.PassedPredicates, 1)
	assert.Equal(t, PredicateScalingGroupAccess, failure.PassedPredicates[0].Name)
}

func TestConcurrencyLimit(t *testing.T) {
	group := testGroup("default")
	group.MaxSessionsPerKey = 2
	snapshot := testSnapshot(testAgent("agent-1", slots(map[string]int64{"cpu": 16})))
	allocator := newTestAllocator(group, snapshot)

	for i := 0; i < 2; i++ {
		workload := testWorkload("alice", slots(map[string]int64{"cpu": 1}), time.Duration(i))
		allocation, failure := allocator.Allocate(workload, snapshot.TotalCapacity)
		require.Nil(t, failure)
		require.NotNil(t, allocation)
	}

	_, failure := allocator.Allocate(testWorkload("alice", slots(map[string]int64{"cpu": 1}), 3), snapshot.TotalCapacity)
	require.NotNil(t, failure)
	assert.Equal(t, PredicateConcurrencyLimit, failure.FailedPredicates[0].Name)
}

func TestEntityResourceLimit(t *testing.T) {
	group := testGroup("default")
	group.EntitySlotLimits = map[string]resource.Slot{
		"alice": slots(map[string]int64{"cpu": 2}),
	}
	snapshot := testSnapshot(testAgent("agent-1", slots(map[string]int64{"cpu": 16})))
	snapshot.EntityAllocations["alice"] = slots(map[string]int64{"cpu": 2})
	allocator := newTestAllocator(group, snapshot)

	_, failure := allocator.Allocate(testWorkload("alice", slots(map[string]int64{"cpu": 1}), 0), snapshot.TotalCapacity)
	require.NotNil(t, failure)
	assert.Equal(t, PredicateEntityResourceLimit, failure.FailedPredicates[0].Name)
}

func TestNoAgentsAvailable(t *testing.T) {
	snapshot := testSnapshot()
	allocator := newTestAllocator(testGroup("default"), snapshot)

	workload := testWorkload("alice", slots(map[string]int64{}), 0)
	_, failure := allocator.Allocate(workload, snapshot.TotalCapacity)
	require.NotNil(t, failure)
	assert.Equal(t, PredicateNoAgentAvailable, failure.FailedPredicates[0].Name)
}

func multiNodeWorkload(entityID string, kernelSlots []resource.Slot) *SessionWorkload {
	workload := testWorkload(entityID, resource.Zero(), 0)
	workload.ClusterMode = MultiNode
	aggregate := resource.Zero()
	for _, s := range kernelSlots {
		aggregate.Add(s)
		workload.Kernels = append(workload.Kernels, KernelRequirement{
			KernelID: uuid.New(),
			Slots:    s,
		})
	}
	workload.RequestedSlots = aggregate
	return workload
}

// If the third kernel of a multi node session cannot place, nothing of the
// session is committed.
func TestMultiNodeAllOrNothing(t *testing.T) {
	// Aggregate demand fits the remaining 6 cpus, but no agent has 2 cpus
	// left for the third kernel.
	snapshot := testSnapshot(
		testAgent("agent-1", slots(map[string]int64{"cpu": 3})),
		testAgent("agent-2", slots(map[string]int64{"cpu": 3})),
	)
	allocator := newTestAllocator(testGroup("default"), snapshot)
	before := allocator.RemainingCapacity()

	workload := multiNodeWorkload("alice", []resource.Slot{
		slots(map[string]int64{"cpu": 2}),
		slots(map[string]int64{"cpu": 2}),
		slots(map[string]int64{"cpu": 2}),
	})

	allocation, failure := allocator.Allocate(workload, snapshot.TotalCapacity)
	require.Nil(t, allocation)
	require.NotNil(t, failure)
	assert.Equal(t, PredicateNoAgentAvailable, failure.FailedPredicates[0].Name)
	assert.True(t, allocator.RemainingCapacity().Equal(before), "failed placement leaked reservations")
}

func TestMultiNodePlacesOneKernelPerAgent(t *testing.T) {
	snapshot := testSnapshot(
		testAgent("agent-1", slots(map[string]int64{"cpu": 2})),
		testAgent("agent-2", slots(map[string]int64{"cpu": 2})),
		testAgent("agent-3", slots(map[string]int64{"cpu": 2})),
	)
	allocator := newTestAllocator(testGroup("default"), snapshot)

	workload := multiNodeWorkload("alice", []resource.Slot{
		slots(map[string]int64{"cpu": 2}),
		slots(map[string]int64{"cpu": 2}),
		slots(map[string]int64{"cpu": 2}),
	})

	allocation, failure := allocator.Allocate(workload, snapshot.TotalCapacity)
	require.Nil(t, failure)
	require.NotNil(t, allocation)
	assert.Len(t, allocation.Kernels, 3)
	assert.Len(t, allocation.AgentIDs(), 3)
}

func TestArchitectureFilter(t *testing.T) {
	arm := testAgent("agent-arm", slots(map[string]int64{"cpu": 8}))
	arm.Architecture = "aarch64"
	snapshot := testSnapshot(arm)
	allocator := newTestAllocator(testGroup("default"), snapshot)

	workload := testWorkload("alice", slots(map[string]int64{"cpu": 1}), 0)
	workload.Kernels = []KernelRequirement{{
		KernelID:     uuid.New(),
		Architecture: "x86_64",
		Slots:        slots(map[string]int64{"cpu": 1}),
	}}

	_, failure := allocator.Allocate(workload, snapshot.TotalCapacity)
	require.NotNil(t, failure)
	assert.Equal(t, PredicateNoCompatibleAgent, failure.FailedPredicates[0].Name)
}

func TestPortReservationWithinPass(t *testing.T) {
	snapshot := testSnapshot(testAgent("agent-1", slots(map[string]int64{"cpu": 8})))
	allocator := newTestAllocator(testGroup("default"), snapshot)

	withPort := func(entity string, port int32) *SessionWorkload {
		workload := testWorkload(entity, slots(map[string]int64{"cpu": 1}), 0)
		workload.Kernels = []KernelRequirement{{
			KernelID:      uuid.New(),
			Slots:         slots(map[string]int64{"cpu": 1}),
			RequiredPorts: []int32{port},
		}}
		return workload
	}

	allocation, failure := allocator.Allocate(withPort("alice", 8080), snapshot.TotalCapacity)
	require.Nil(t, failure)
	require.Equal(t, []int32{8080}, allocation.Kernels[0].ReservedPorts)

	_, failure = allocator.Allocate(withPort("bob", 8080), snapshot.TotalCapacity)
	require.NotNil(t, failure)
	assert.Equal(t, PredicatePortAvailable, failure.FailedPredicates[0].Name)
}

// Two kernels of one session asking for the same host port can never both
// bind it, even on an agent where the port is still free.
func TestDuplicatePortsWithinOneSessionConflict(t *testing.T) {
	snapshot := testSnapshot(testAgent("agent-1", slots(map[string]int64{"cpu": 8})))
	allocator := newTestAllocator(testGroup("default"), snapshot)

	workload := testWorkload("alice", slots(map[string]int64{"cpu": 2}), 0)
	workload.Kernels = []KernelRequirement{
		{KernelID: uuid.New(), Slots: slots(map[string]int64{"cpu": 1}), RequiredPorts: []int32{8080}},
		{KernelID: uuid.New(), Slots: slots(map[string]int64{"cpu": 1}), RequiredPorts: []int32{8080}},
	}

	_, failure := allocator.Allocate(workload, snapshot.TotalCapacity)
	require.NotNil(t, failure)
	assert.Equal(t, PredicatePortAvailable, failure.FailedPredicates[0].Name)

	// The port stays free for a session that needs it once.
	allocation, failure := allocator.Allocate(withSinglePort("bob", 8080), snapshot.TotalCapacity)
	require.Nil(t, failure)
	require.Equal(t, []int32{8080}, allocation.Kernels[0].ReservedPorts)
}

func withSinglePort(entity string, port int32) *SessionWorkload {
	workload := testWorkload(entity, slots(map[string]int64{"cpu": 1}), 0)
	workload.Kernels = []KernelRequirement{{
		KernelID:      uuid.New(),
		Slots:         slots(map[string]int64{"cpu": 1}),
		RequiredPorts: []int32{port},
	}}
	return workload
}

func TestDispersedSpreadsAndConcentratedPacks(t *testing.T) {
	build := func(strategyName string) *Allocator {
		group := testGroup("default")
		group.AgentStrategy = strategyName
		big := testAgent("agent-big", slots(map[string]int64{"cpu": 8}))
		small := testAgent("agent-small", slots(map[string]int64{"cpu": 4}))
		return newTestAllocator(group, testSnapshot(big, small))
	}
	request := slots(map[string]int64{"cpu": 2})

	dispersed := build(StrategyDispersed)
	allocation, failure := dispersed.Allocate(testWorkload("alice", request, 0), slots(map[string]int64{"cpu": 12}))
	require.Nil(t, failure)
	assert.Equal(t, "agent-big", allocation.Kernels[0].AgentID)

	concentrated := build(StrategyConcentrated)
	allocation, failure = concentrated.Allocate(testWorkload("alice", request, 0), slots(map[string]int64{"cpu": 12}))
	require.Nil(t, failure)
	assert.Equal(t, "agent-small", allocation.Kernels[0].AgentID)
}

func TestFullPredicateTrailOnSuccess(t *testing.T) {
	snapshot := testSnapshot(testAgent("agent-1", slots(map[string]int64{"cpu": 4})))
	allocator := newTestAllocator(testGroup("default"), snapshot)

	allocation, failure := allocator.Allocate(testWorkload("alice", slots(map[string]int64{"cpu": 1}), 0), snapshot.TotalCapacity)
	require.Nil(t, failure)

	names := []string{}
	for _, predicate := range allocation.PassedPredicates {
		names = append(names, predicate.Name)
	}
	assert.Equal(t, []string{
		PredicateScalingGroupAccess,
		PredicateUnsatisfiableRequest,
		PredicateEnoughResource,
		PredicateConcurrencyLimit,
		PredicateEntityResourceLimit,
		PredicatePortAvailable,
	}, names)
}
