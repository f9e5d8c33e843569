package scheduler

import (
	"time"

	"github.com/google/uuid"

	"github.com/flotillaproject/flotilla/internal/common/resource"
)

type SessionStatus string

const (
	SessionPending    SessionStatus = "PENDING"
	SessionScheduled  SessionStatus = "SCHEDULED"
	SessionPreparing  SessionStatus = "PREPARING"
	SessionRunning    SessionStatus = "RUNNING"
	SessionTerminated SessionStatus = "TERMINATED"
	SessionCancelled  SessionStatus = "CANCELLED"
)

type ClusterMode string

const (
	SingleNode ClusterMode = "single-node"
	MultiNode  ClusterMode = "multi-node"
)

// KernelRequirement describes one kernel of a session. Multi node sessions
// carry one requirement per kernel; single node sessions are placed by their
// aggregate RequestedSlots but still record per kernel requirements so that
// container specs can be produced at start time.
type KernelRequirement struct {
	KernelID      uuid.UUID
	Image         string
	Architecture  string
	Slots         resource.Slot
	RequiredPorts []int32
}

// SessionWorkload is a pending session as seen by one scheduling pass. It is
// read only for the whole pass; outcomes are recorded in separate types.
type SessionWorkload struct {
	SessionID      uuid.UUID
	AccessKey      string
	EntityID       string
	ScalingGroup   string
	ClusterMode    ClusterMode
	RequestedSlots resource.Slot
	Kernels        []KernelRequirement
	Priority       int
	Retries        int
	EnqueuedAt     time.Time
}

// AgentInfo is the scheduler's view of one worker agent.
type AgentInfo struct {
	ID                string
	Addr              string
	Architecture      string
	ScalingGroup      string
	Schedulable       bool
	AvailableSlots    resource.Slot
	OccupiedSlots     resource.Slot
	ContainerCount    int
	OccupiedHostPorts map[int32]bool
}

// FreeSlots returns the capacity still unclaimed on the agent.
func (a *AgentInfo) FreeSlots() resource.Slot {
	free := a.AvailableSlots.DeepCopy()
	free.Sub(a.OccupiedSlots)
	return free
}

// SchedulingPredicate is one named pass/fail check evaluated during
// allocation. The ordered trail of predicates is persisted for diagnostics.
type SchedulingPredicate struct {
	Name    string `json:"name"`
	Message string `json:"msg,omitempty"`
}

type KernelAllocation struct {
	KernelID      uuid.UUID
	AgentID       string
	AgentAddr     string
	Image         string
	Slots         resource.Slot
	ReservedPorts []int32
}

type SessionAllocation struct {
	SessionID        uuid.UUID
	ScalingGroup     string
	Kernels          []KernelAllocation
	PassedPredicates []SchedulingPredicate
}

// AgentIDs returns the distinct agents involved in this allocation, in kernel
// order.
func (a *SessionAllocation) AgentIDs() []string {
	seen := map[string]bool{}
	ids := []string{}
	for _, k := range a.Kernels {
		if !seen[k.AgentID] {
			seen[k.AgentID] = true
			ids = append(ids, k.AgentID)
		}
	}
	return ids
}

// SchedulingFailure records why a session could not be placed in this pass.
// The session stays pending and is re-evaluated on the next pass.
type SchedulingFailure struct {
	SessionID        uuid.UUID
	PassedPredicates []SchedulingPredicate
	FailedPredicates []SchedulingPredicate
	Message          string
	LastTry          time.Time
}

// FailureStatusData is the durable representation of one failed attempt,
// stored on the session row so operators and users can see why it has not
// started.
type FailureStatusData struct {
	PassedPredicates []SchedulingPredicate `json:"passed_predicates"`
	FailedPredicates []SchedulingPredicate `json:"failed_predicates"`
	Retries          int                   `json:"retries"`
	LastTry          *string               `json:"last_try"`
	Msg              string                `json:"msg"`
}

// ToStatusData converts the failure into its persisted form, incrementing the
// retry counter carried by the session.
func (f *SchedulingFailure) ToStatusData(currentRetries int) FailureStatusData {
	var lastTry *string
	if !f.LastTry.IsZero() {
		formatted := f.LastTry.UTC().Format(time.RFC3339)
		lastTry = &formatted
	}
	return FailureStatusData{
		PassedPredicates: f.PassedPredicates,
		FailedPredicates: f.FailedPredicates,
		Retries:          currentRetries + 1,
		LastTry:          lastTry,
		Msg:              f.Message,
	}
}

// AllocationBatch is the outcome of one scheduling pass, persisted in a
// single transaction so partial passes are never visible.
type AllocationBatch struct {
	ScalingGroup string
	Allocations  []SessionAllocation
	Failures     []SchedulingFailure
}

// FairShareSpec configures decayed fair share scoring for one entity.
type FairShareSpec struct {
	Weight          float64
	HalfLifeDays    float64
	LookbackDays    int
	DecayUnitDays   float64
	ResourceWeights map[string]float64
}

// ResourceWeight returns the configured weight for a slot name, defaulting
// to 1 so unknown resource kinds still count.
func (s *FairShareSpec) ResourceWeight(slotName string) float64 {
	if w, ok := s.ResourceWeights[slotName]; ok {
		return w
	}
	return 1
}

// UsageBucketEntry is one row of normalized historical usage for an entity.
type UsageBucketEntry struct {
	BucketedAt      time.Time
	SlotName        string
	Amount          float64
	DurationSeconds float64
	Capacity        float64
}

// ScalingGroupInfo carries the per group policy knobs the pipeline needs.
type ScalingGroupInfo struct {
	Name              string
	Prioritizer       string
	AgentStrategy     string
	PendingTimeout    time.Duration
	AllowedEntities   map[string]bool
	MaxSessionsPerKey int
	EntitySlotLimits  map[string]resource.Slot
}

// EntityAllowed reports whether the entity may schedule into this group. An
// empty allow list means the group is open to everyone.
func (g *ScalingGroupInfo) EntityAllowed(entityID string) bool {
	if len(g.AllowedEntities) == 0 {
		return true
	}
	return g.AllowedEntities[entityID]
}
