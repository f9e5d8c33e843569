package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flotillaproject/flotilla/internal/common/resource"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeRepository struct {
	mu sync.Mutex

	groups   []*ScalingGroupInfo
	pending  map[string][]*SessionWorkload
	active   map[string][]*SessionWorkload
	starting map[string][]*SessionAllocation
	agents   map[string][]*AgentInfo
	counts   map[string]map[string]int
	specs    map[string]*FairShareSpec
	usage    map[string][]UsageBucketEntry
	images   map[string]bool
	retries  map[uuid.UUID]int

	persistedBatches []*AllocationBatch
	started          []uuid.UUID
	reverted         map[uuid.UUID]FailureStatusData
	cancelled        map[uuid.UUID]string
	synced           int
}

func newFakeRepository(groups ...*ScalingGroupInfo) *fakeRepository {
	return &fakeRepository{
		groups:    groups,
		pending:   map[string][]*SessionWorkload{},
		active:    map[string][]*SessionWorkload{},
		starting:  map[string][]*SessionAllocation{},
		agents:    map[string][]*AgentInfo{},
		counts:    map[string]map[string]int{},
		specs:     map[string]*FairShareSpec{},
		usage:     map[string][]UsageBucketEntry{},
		images:    map[string]bool{},
		retries:   map[uuid.UUID]int{},
		reverted:  map[uuid.UUID]FailureStatusData{},
		cancelled: map[uuid.UUID]string{},
	}
}

func (r *fakeRepository) ListScalingGroups(ctx context.Context) ([]*ScalingGroupInfo, error) {
	return r.groups, nil
}

func (r *fakeRepository) ListPendingWorkloads(ctx context.Context, scalingGroup string) ([]*SessionWorkload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending[scalingGroup], nil
}

func (r *fakeRepository) ListActiveWorkloads(ctx context.Context, scalingGroup string) ([]*SessionWorkload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[scalingGroup], nil
}

func (r *fakeRepository) ListStartingSessions(ctx context.Context, scalingGroup string) ([]*SessionAllocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starting[scalingGroup], nil
}

func (r *fakeRepository) GetSchedulableAgents(ctx context.Context, scalingGroup string) ([]*AgentInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agents[scalingGroup], nil
}

func (r *fakeRepository) GetSessionCountsByAccessKey(ctx context.Context, scalingGroup string) (map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[scalingGroup], nil
}

func (r *fakeRepository) GetSessionRetries(ctx context.Context, sessionID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retries[sessionID], nil
}

func (r *fakeRepository) GetFairShareSpec(ctx context.Context, scalingGroup string, entityID string) (*FairShareSpec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if spec, ok := r.specs[entityID]; ok {
		return spec, nil
	}
	return &FairShareSpec{Weight: 1, HalfLifeDays: 7, LookbackDays: 28, DecayUnitDays: 1}, nil
}

func (r *fakeRepository) GetUsageBucketEntries(ctx context.Context, entityID string, since time.Time) ([]UsageBucketEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := []UsageBucketEntry{}
	for _, entry := range r.usage[entityID] {
		if !entry.BucketedAt.Before(since) {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (r *fakeRepository) PersistAllocationBatch(ctx context.Context, batch *AllocationBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persistedBatches = append(r.persistedBatches, batch)
	return nil
}

func (r *fakeRepository) MarkSessionsStarted(ctx context.Context, sessionIDs []uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, sessionIDs...)
	return nil
}

func (r *fakeRepository) RevertToPending(ctx context.Context, sessionID uuid.UUID, statusData FailureStatusData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reverted[sessionID] = statusData
	return nil
}

func (r *fakeRepository) CancelSession(ctx context.Context, sessionID uuid.UUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled[sessionID] = reason
	return nil
}

func (r *fakeRepository) ImageAvailable(ctx context.Context, scalingGroup string, image string, architecture string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	available, ok := r.images[image]
	if !ok {
		return true, nil
	}
	return available, nil
}

func (r *fakeRepository) SyncSessionStatuses(ctx context.Context, scalingGroup string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.synced, nil
}

type publishedOutcome struct {
	eventType    string
	scalingGroup string
	sessionID    uuid.UUID
	message      string
}

type fakePublisher struct {
	mu       sync.Mutex
	outcomes []publishedOutcome
}

func (p *fakePublisher) PublishOutcome(eventType string, scalingGroup string, sessionID uuid.UUID, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes = append(p.outcomes, publishedOutcome{eventType, scalingGroup, sessionID, message})
}

func (p *fakePublisher) byType(eventType string) []publishedOutcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	matched := []publishedOutcome{}
	for _, outcome := range p.outcomes {
		if outcome.eventType == eventType {
			matched = append(matched, outcome)
		}
	}
	return matched
}

type fakeAgentClient struct {
	mu           sync.Mutex
	started      []*StartKernelRequest
	pinged       []string
	failAddr     string
	pingFailAddr string
}

func (c *fakeAgentClient) StartKernel(ctx context.Context, agentAddr string, req *StartKernelRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if agentAddr == c.failAddr {
		return context.DeadlineExceeded
	}
	c.started = append(c.started, req)
	return nil
}

func (c *fakeAgentClient) PingAgent(ctx context.Context, agentAddr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinged = append(c.pinged, agentAddr)
	if agentAddr == c.pingFailAddr {
		return context.DeadlineExceeded
	}
	return nil
}

func slots(pairs map[string]int64) resource.Slot {
	return resource.FromInts(pairs)
}

func testGroup(name string) *ScalingGroupInfo {
	return &ScalingGroupInfo{Name: name, Prioritizer: PrioritizerFifo, AgentStrategy: StrategyDispersed}
}

func testAgent(id string, available resource.Slot) *AgentInfo {
	return &AgentInfo{
		ID:                id,
		Addr:              id + ":6003",
		ScalingGroup:      "default",
		Schedulable:       true,
		AvailableSlots:    available,
		OccupiedSlots:     resource.Zero(),
		OccupiedHostPorts: map[int32]bool{},
	}
}

func testWorkload(entityID string, requested resource.Slot, enqueuedOffset time.Duration) *SessionWorkload {
	return &SessionWorkload{
		SessionID:      uuid.New(),
		AccessKey:      entityID + "-key",
		EntityID:       entityID,
		ScalingGroup:   "default",
		ClusterMode:    SingleNode,
		RequestedSlots: requested,
		EnqueuedAt:     baseTime.Add(enqueuedOffset),
	}
}

func testSnapshot(agents ...*AgentInfo) *SystemSnapshot {
	total := resource.Zero()
	for _, agent := range agents {
		total.Add(agent.AvailableSlots)
	}
	return &SystemSnapshot{
		ScalingGroup:      "default",
		TotalCapacity:     total,
		EntityAllocations: map[string]resource.Slot{},
		SessionsByKey:     map[string]int{},
		Agents:            agents,
	}
}
