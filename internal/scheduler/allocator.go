package scheduler

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/flotillaproject/flotilla/internal/common/resource"
)

const (
	PredicateScalingGroupAccess   = "scaling-group-access"
	PredicateUnsatisfiableRequest = "unsatisfiable-request"
	PredicateEnoughResource       = "enough-resource"
	PredicateConcurrencyLimit     = "concurrency-limit"
	PredicateEntityResourceLimit  = "entity-resource-limit"
	PredicateNoAgentAvailable     = "no-agent-available"
	PredicateNoCompatibleAgent    = "no-compatible-agent"
	PredicatePortAvailable        = "port-available"
)

const (
	StrategyDispersed    = "dispersed"
	StrategyConcentrated = "concentrated"
)

// AgentStrategy decides between two feasible agents for a placement.
type AgentStrategy interface {
	Name() string
	Better(candidate *agentState, incumbent *agentState, requested resource.Slot) bool
}

// DispersedStrategy spreads load by preferring the agent with the most free
// capacity in the requested dimensions.
type DispersedStrategy struct{}

func (DispersedStrategy) Name() string { return StrategyDispersed }

func (DispersedStrategy) Better(candidate *agentState, incumbent *agentState, requested resource.Slot) bool {
	return freeScore(candidate, requested) > freeScore(incumbent, requested)
}

// ConcentratedStrategy packs load by preferring the agent with the least free
// capacity that still fits, keeping other agents empty for large requests.
type ConcentratedStrategy struct{}

func (ConcentratedStrategy) Name() string { return StrategyConcentrated }

func (ConcentratedStrategy) Better(candidate *agentState, incumbent *agentState, requested resource.Slot) bool {
	return freeScore(candidate, requested) < freeScore(incumbent, requested)
}

func freeScore(agent *agentState, requested resource.Slot) float64 {
	score := 0.0
	for slotName := range requested {
		f, _ := agent.freeSlots.Get(slotName).Float64()
		score += f
	}
	return score
}

func StrategyByName(name string) (AgentStrategy, error) {
	switch name {
	case StrategyDispersed, "":
		return DispersedStrategy{}, nil
	case StrategyConcentrated:
		return ConcentratedStrategy{}, nil
	default:
		return nil, errors.Errorf("unknown agent selection strategy %q", name)
	}
}

// agentState is the allocator's mutable view of one agent within a pass.
type agentState struct {
	info          *AgentInfo
	freeSlots     resource.Slot
	reservedPorts map[int32]bool
}

func (a *agentState) portFree(port int32) bool {
	return !a.info.OccupiedHostPorts[port] && !a.reservedPorts[port]
}

// Allocator places prioritized workloads onto agents, one workload at a
// time, against a single mutable in-pass ledger so later workloads see
// capacity consumed by earlier ones. The ledger is only mutated when a
// session places completely.
type Allocator struct {
	group    *ScalingGroupInfo
	strategy AgentStrategy

	agents            []*agentState
	remainingCapacity resource.Slot
	entityAllocations map[string]resource.Slot
	sessionsByKey     map[string]int
}

func NewAllocator(group *ScalingGroupInfo, snapshot *SystemSnapshot, strategy AgentStrategy) *Allocator {
	agents := make([]*agentState, 0, len(snapshot.Agents))
	remaining := resource.Zero()
	for _, info := range snapshot.Agents {
		free := info.FreeSlots()
		remaining.Add(free)
		agents = append(agents, &agentState{
			info:          info,
			freeSlots:     free,
			reservedPorts: map[int32]bool{},
		})
	}

	entityAllocations := map[string]resource.Slot{}
	for entityID, slots := range snapshot.EntityAllocations {
		entityAllocations[entityID] = slots.DeepCopy()
	}
	sessionsByKey := map[string]int{}
	for key, count := range snapshot.SessionsByKey {
		sessionsByKey[key] = count
	}

	return &Allocator{
		group:             group,
		strategy:          strategy,
		agents:            agents,
		remainingCapacity: remaining,
		entityAllocations: entityAllocations,
		sessionsByKey:     sessionsByKey,
	}
}

// RemainingCapacity exposes the ledger's unclaimed capacity, used by tests
// and the scale phase.
func (a *Allocator) RemainingCapacity() resource.Slot {
	return a.remainingCapacity.DeepCopy()
}

// Allocate attempts to place one workload. Exactly one of the returns is non
// nil. Failures never leak partial reservations into the ledger.
func (a *Allocator) Allocate(workload *SessionWorkload, totalCapacity resource.Slot) (*SessionAllocation, *SchedulingFailure) {
	passed := []SchedulingPredicate{}

	fail := func(name string, format string, args ...interface{}) *SchedulingFailure {
		msg := fmt.Sprintf(format, args...)
		return &SchedulingFailure{
			SessionID:        workload.SessionID,
			PassedPredicates: passed,
			FailedPredicates: []SchedulingPredicate{{Name: name, Message: msg}},
			Message:          msg,
		}
	}

	if !a.group.EntityAllowed(workload.EntityID) {
		return nil, fail(PredicateScalingGroupAccess,
			"entity %s is not allowed in scaling group %s", workload.EntityID, a.group.Name)
	}
	passed = append(passed, SchedulingPredicate{Name: PredicateScalingGroupAccess})

	// Requests beyond the group's total capacity can never fit, no matter
	// how long they wait. Report them distinctly so the retry layer can
	// treat them differently from transient shortages.
	if !workload.RequestedSlots.FitsIn(totalCapacity) {
		return nil, fail(PredicateUnsatisfiableRequest,
			"requested %s exceeds total capacity %s of scaling group %s",
			workload.RequestedSlots.String(), totalCapacity.String(), a.group.Name)
	}
	passed = append(passed, SchedulingPredicate{Name: PredicateUnsatisfiableRequest})

	if !workload.RequestedSlots.FitsIn(a.remainingCapacity) {
		return nil, fail(PredicateEnoughResource,
			"requested %s exceeds remaining capacity %s",
			workload.RequestedSlots.String(), a.remainingCapacity.String())
	}
	passed = append(passed, SchedulingPredicate{Name: PredicateEnoughResource})

	if a.group.MaxSessionsPerKey > 0 && a.sessionsByKey[workload.AccessKey] >= a.group.MaxSessionsPerKey {
		return nil, fail(PredicateConcurrencyLimit,
			"access key %s already has %d sessions (limit %d)",
			workload.AccessKey, a.sessionsByKey[workload.AccessKey], a.group.MaxSessionsPerKey)
	}
	passed = append(passed, SchedulingPredicate{Name: PredicateConcurrencyLimit})

	if limit, ok := a.group.EntitySlotLimits[workload.EntityID]; ok {
		projected := a.entityAllocation(workload.EntityID).DeepCopy()
		projected.Add(workload.RequestedSlots)
		if !projected.LessOrEqual(limit) {
			return nil, fail(PredicateEntityResourceLimit,
				"entity %s would exceed its resource limit %s", workload.EntityID, limit.String())
		}
	}
	passed = append(passed, SchedulingPredicate{Name: PredicateEntityResourceLimit})

	if len(a.agents) == 0 {
		return nil, fail(PredicateNoAgentAvailable, "no schedulable agents in scaling group %s", a.group.Name)
	}

	plan, failure := a.placeKernels(workload, &passed)
	if failure != nil {
		failure.PassedPredicates = passed
		return nil, failure
	}

	a.commit(workload, plan)
	return &SessionAllocation{
		SessionID:        workload.SessionID,
		ScalingGroup:     a.group.Name,
		Kernels:          plan.kernels,
		PassedPredicates: passed,
	}, nil
}

// placementPlan is the tentative outcome of placing one session. Nothing in
// it has touched the ledger yet.
type placementPlan struct {
	kernels      []KernelAllocation
	claimedSlots map[string]resource.Slot
	claimedPorts map[string]map[int32]bool
}

// placeKernels computes tentative placements without touching the ledger.
// Single node sessions put every kernel on one agent chosen by the aggregate
// request; multi node sessions place kernels one by one and fail the whole
// session if any kernel cannot land.
func (a *Allocator) placeKernels(workload *SessionWorkload, passed *[]SchedulingPredicate) (*placementPlan, *SchedulingFailure) {
	tentativeSlots := map[string]resource.Slot{}
	tentativePorts := map[string]map[int32]bool{}

	fail := func(name string, format string, args ...interface{}) *SchedulingFailure {
		msg := fmt.Sprintf(format, args...)
		return &SchedulingFailure{
			SessionID:        workload.SessionID,
			FailedPredicates: []SchedulingPredicate{{Name: name, Message: msg}},
			Message:          msg,
		}
	}

	pick := func(arch string, slots resource.Slot, ports []int32) (*agentState, *SchedulingFailure) {
		compatible := false
		sawPortConflict := false
		var best *agentState
		for _, agent := range a.agents {
			if arch != "" && agent.info.Architecture != "" && agent.info.Architecture != arch {
				continue
			}
			compatible = true
			free := agent.freeSlots.DeepCopy()
			if claimed, ok := tentativeSlots[agent.info.ID]; ok {
				free.Sub(claimed)
			}
			if !slots.FitsIn(free) {
				continue
			}
			if conflict := a.portConflict(agent, tentativePorts[agent.info.ID], ports); conflict {
				sawPortConflict = true
				continue
			}
			if best == nil || a.strategy.Better(agent, best, slots) {
				best = agent
			}
		}
		if best != nil {
			return best, nil
		}
		if !compatible {
			return nil, fail(PredicateNoCompatibleAgent,
				"no agent with architecture %s in scaling group %s", arch, a.group.Name)
		}
		if sawPortConflict {
			return nil, fail(PredicatePortAvailable,
				"required host ports %v are occupied on every fitting agent", ports)
		}
		return nil, fail(PredicateNoAgentAvailable,
			"no agent with enough free resources for %s", slots.String())
	}

	claim := func(agent *agentState, slots resource.Slot, ports []int32) {
		claimed, ok := tentativeSlots[agent.info.ID]
		if !ok {
			claimed = resource.Zero()
			tentativeSlots[agent.info.ID] = claimed
		}
		claimed.Add(slots)
		reserved, ok := tentativePorts[agent.info.ID]
		if !ok {
			reserved = map[int32]bool{}
			tentativePorts[agent.info.ID] = reserved
		}
		for _, port := range ports {
			reserved[port] = true
		}
	}

	kernels := []KernelAllocation{}
	if workload.ClusterMode == MultiNode {
		for _, kernel := range workload.Kernels {
			agent, failure := pick(kernel.Architecture, kernel.Slots, kernel.RequiredPorts)
			if failure != nil {
				return nil, failure
			}
			claim(agent, kernel.Slots, kernel.RequiredPorts)
			kernels = append(kernels, KernelAllocation{
				KernelID:      kernel.KernelID,
				AgentID:       agent.info.ID,
				AgentAddr:     agent.info.Addr,
				Image:         kernel.Image,
				Slots:         kernel.Slots.DeepCopy(),
				ReservedPorts: kernel.RequiredPorts,
			})
		}
	} else {
		arch := ""
		allPorts := []int32{}
		for _, kernel := range workload.Kernels {
			if kernel.Architecture != "" {
				arch = kernel.Architecture
			}
			allPorts = append(allPorts, kernel.RequiredPorts...)
		}
		agent, failure := pick(arch, workload.RequestedSlots, allPorts)
		if failure != nil {
			return nil, failure
		}
		claim(agent, workload.RequestedSlots, allPorts)
		if len(workload.Kernels) == 0 {
			// Sessions created before per kernel requirements existed
			// carry only an aggregate request.
			kernels = append(kernels, KernelAllocation{
				KernelID:      workload.SessionID,
				AgentID:       agent.info.ID,
				AgentAddr:     agent.info.Addr,
				Slots:         workload.RequestedSlots.DeepCopy(),
				ReservedPorts: allPorts,
			})
		}
		for _, kernel := range workload.Kernels {
			kernels = append(kernels, KernelAllocation{
				KernelID:      kernel.KernelID,
				AgentID:       agent.info.ID,
				AgentAddr:     agent.info.Addr,
				Image:         kernel.Image,
				Slots:         kernel.Slots.DeepCopy(),
				ReservedPorts: kernel.RequiredPorts,
			})
		}
	}

	*passed = append(*passed, SchedulingPredicate{Name: PredicatePortAvailable})
	return &placementPlan{
		kernels:      kernels,
		claimedSlots: tentativeSlots,
		claimedPorts: tentativePorts,
	}, nil
}

func (a *Allocator) portConflict(agent *agentState, tentative map[int32]bool, ports []int32) bool {
	seen := map[int32]bool{}
	for _, port := range ports {
		// A port listed twice in one request can only be bound once.
		if !agent.portFree(port) || tentative[port] || seen[port] {
			return true
		}
		seen[port] = true
	}
	return false
}

// commit applies a fully placed session to the ledger. A plan that passed
// feasibility can never drive free slots negative; if it does, the pass has
// a programming error and must abort without persisting anything.
func (a *Allocator) commit(workload *SessionWorkload, plan *placementPlan) {
	byID := map[string]*agentState{}
	for _, agent := range a.agents {
		byID[agent.info.ID] = agent
	}
	for agentID, claimed := range plan.claimedSlots {
		agent := byID[agentID]
		clamped := agent.freeSlots.Sub(claimed)
		if len(clamped) > 0 {
			panic(errors.Errorf("agent %s free slots went negative in dimensions %v", agentID, clamped))
		}
		a.remainingCapacity.Sub(claimed)
	}
	for agentID, ports := range plan.claimedPorts {
		agent := byID[agentID]
		for port := range ports {
			agent.reservedPorts[port] = true
		}
	}

	entityAllocation := a.entityAllocation(workload.EntityID)
	entityAllocation.Add(workload.RequestedSlots)
	a.sessionsByKey[workload.AccessKey]++
}

func (a *Allocator) entityAllocation(entityID string) resource.Slot {
	slots, ok := a.entityAllocations[entityID]
	if !ok {
		slots = resource.Zero()
		a.entityAllocations[entityID] = slots
	}
	return slots
}
