package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/internal/common/resource"
)

// StartKernelRequest carries everything an agent needs to launch one kernel.
type StartKernelRequest struct {
	SessionID uuid.UUID     `json:"sessionId"`
	KernelID  uuid.UUID     `json:"kernelId"`
	Image     string        `json:"image"`
	Slots     resource.Slot `json:"slots"`
	Ports     []int32       `json:"ports"`
}

// AgentClient is the RPC contract to worker agents, used only during the
// start phase.
type AgentClient interface {
	StartKernel(ctx context.Context, agentAddr string, req *StartKernelRequest) error
	PingAgent(ctx context.Context, agentAddr string) error
}

// Pipeline implements the per phase work driven by the coordinator. Each
// pass fans out over the scaling groups concurrently; groups hold disjoint
// capacity so their passes never share mutable state.
type Pipeline struct {
	repo        Repository
	agentClient AgentClient
	publisher   OutcomePublisher
	registry    *PrioritizerRegistry
	config      SchedulingConfig
	clock       func() time.Time
}

// OutcomePublisher emits allocation outcome events for downstream consumers.
type OutcomePublisher interface {
	PublishOutcome(eventType string, scalingGroup string, sessionID uuid.UUID, message string)
}

func NewPipeline(repo Repository, agentClient AgentClient, publisher OutcomePublisher, registry *PrioritizerRegistry, config SchedulingConfig) *Pipeline {
	return &Pipeline{
		repo:        repo,
		agentClient: agentClient,
		publisher:   publisher,
		registry:    registry,
		config:      config,
		clock:       time.Now,
	}
}

// RunPhase executes one pass of the phase for every scaling group and
// reports whether any group did work that should trigger the next phase.
func (p *Pipeline) RunPhase(ctx context.Context, phase Phase) (bool, error) {
	groups, err := p.repo.ListScalingGroups(ctx)
	if err != nil {
		return false, errors.Wrap(err, "listing scaling groups")
	}

	var (
		mu          sync.Mutex
		result      *multierror.Error
		requestNext bool
		wg          sync.WaitGroup
	)
	for _, group := range groups {
		group := group
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := p.clock()
			next, err := p.runGroupPass(ctx, phase, group)
			passDurationHist.WithLabelValues(string(phase), group.Name).
				Observe(p.clock().Sub(start).Seconds())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result = multierror.Append(result, errors.Wrapf(err, "scaling group %s", group.Name))
			}
			if next {
				requestNext = true
			}
		}()
	}
	wg.Wait()
	return requestNext, result.ErrorOrNil()
}

// runGroupPass confines a panic raised during one group's pass to that
// group. An invariant violation surfaces as a pass error instead of
// unwinding an unrecovered goroutine and taking the scheduler down; other
// groups and later passes are unaffected.
func (p *Pipeline) runGroupPass(ctx context.Context, phase Phase, group *ScalingGroupInfo) (next bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			next = false
			err = errors.Errorf("%s pass panicked: %v", phase, r)
		}
	}()
	return p.runGroupPhase(ctx, phase, group)
}

func (p *Pipeline) runGroupPhase(ctx context.Context, phase Phase, group *ScalingGroupInfo) (bool, error) {
	switch phase {
	case PhaseCheckPrecondition:
		return p.checkPreconditions(ctx, group)
	case PhaseSchedule:
		return p.schedule(ctx, group)
	case PhaseStart:
		return p.startSessions(ctx, group)
	case PhaseScale:
		return false, p.checkScale(ctx, group)
	case PhaseUpdateSessionStatus:
		return false, p.updateSessionStatuses(ctx, group)
	default:
		return false, errors.Errorf("unknown phase %q", phase)
	}
}

// checkPreconditions cancels sessions that sat pending past the group's
// timeout and records a failure for sessions whose images are not pullable,
// so they do not churn through allocation every pass.
func (p *Pipeline) checkPreconditions(ctx context.Context, group *ScalingGroupInfo) (bool, error) {
	workloads, err := p.repo.ListPendingWorkloads(ctx, group.Name)
	if err != nil {
		return false, errors.Wrap(err, "listing pending workloads")
	}
	if len(workloads) == 0 {
		return false, nil
	}

	timeout := group.PendingTimeout
	if timeout == 0 {
		timeout = p.config.DefaultPendingTimeout
	}
	now := p.clock()

	eligible := 0
	for _, workload := range workloads {
		if timeout > 0 && now.Sub(workload.EnqueuedAt) > timeout {
			if err := p.repo.CancelSession(ctx, workload.SessionID, "session stayed pending longer than the scaling group timeout"); err != nil {
				return false, errors.Wrapf(err, "cancelling timed out session %s", workload.SessionID)
			}
			p.publisher.PublishOutcome(EventSessionCancelled, group.Name, workload.SessionID, "pending timeout exceeded")
			continue
		}

		if unavailable, err := p.unavailableImage(ctx, group, workload); err != nil {
			return false, err
		} else if unavailable != "" {
			failure := &SchedulingFailure{
				SessionID: workload.SessionID,
				FailedPredicates: []SchedulingPredicate{{
					Name:    "image-available",
					Message: "image " + unavailable + " is not available in scaling group " + group.Name,
				}},
				Message: "image " + unavailable + " is not available",
				LastTry: now,
			}
			if err := p.recordFailureStatus(ctx, workload.SessionID, failure); err != nil {
				return false, err
			}
			continue
		}
		eligible++
	}
	return eligible > 0, nil
}

func (p *Pipeline) unavailableImage(ctx context.Context, group *ScalingGroupInfo, workload *SessionWorkload) (string, error) {
	for _, kernel := range workload.Kernels {
		if kernel.Image == "" {
			continue
		}
		ok, err := p.repo.ImageAvailable(ctx, group.Name, kernel.Image, kernel.Architecture)
		if err != nil {
			return "", errors.Wrapf(err, "checking image %s", kernel.Image)
		}
		if !ok {
			return kernel.Image, nil
		}
	}
	return "", nil
}

// schedule is the core pass: snapshot, prioritize, allocate, persist, emit.
func (p *Pipeline) schedule(ctx context.Context, group *ScalingGroupInfo) (bool, error) {
	workloads, err := p.repo.ListPendingWorkloads(ctx, group.Name)
	if err != nil {
		return false, errors.Wrap(err, "listing pending workloads")
	}
	pendingGauge.WithLabelValues(group.Name).Set(float64(len(workloads)))
	if len(workloads) == 0 {
		return false, nil
	}

	snapshot, err := BuildSnapshot(ctx, p.repo, group.Name)
	if err != nil {
		return false, err
	}

	prioritizer, err := p.registry.Get(group.Prioritizer)
	if err != nil {
		return false, err
	}
	ordered, err := prioritizer.Prioritize(ctx, snapshot, workloads)
	if err != nil {
		return false, errors.Wrapf(err, "prioritizing with %s", prioritizer.Name())
	}

	strategyName := group.AgentStrategy
	if strategyName == "" {
		strategyName = p.config.DefaultAgentStrategy
	}
	strategy, err := StrategyByName(strategyName)
	if err != nil {
		return false, err
	}

	allocator := NewAllocator(group, snapshot, strategy)
	allocations := []SessionAllocation{}
	failures := []SchedulingFailure{}
	for _, workload := range ordered {
		allocation, failure := allocator.Allocate(workload, snapshot.TotalCapacity)
		if allocation != nil {
			allocations = append(allocations, *allocation)
			scheduledCounter.WithLabelValues(group.Name).Inc()
		} else {
			failures = append(failures, *failure)
			recordFailure(group.Name, failure)
		}
	}

	batch := AssembleBatch(group.Name, allocations, failures, p.clock())
	if !batch.IsEmpty() {
		err := retry.Do(
			func() error { return p.repo.PersistAllocationBatch(ctx, batch) },
			retry.Attempts(3),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			return false, errors.Wrap(err, "persisting allocation batch")
		}
	}

	for _, allocation := range batch.Allocations {
		p.publisher.PublishOutcome(EventSessionScheduled, group.Name, allocation.SessionID, "")
	}
	for _, failure := range batch.Failures {
		p.publisher.PublishOutcome(EventSessionSchedulingFailed, group.Name, failure.SessionID, failure.Message)
	}

	log.WithField("scalingGroup", group.Name).
		Infof("scheduled %d sessions, %d failed", len(batch.Allocations), len(batch.Failures))
	return len(batch.Allocations) > 0, nil
}

// startSessions issues the kernel start RPCs for every scheduled session. A
// session becomes running only when all its kernels start; any failure sends
// it back to pending through the same failure bookkeeping as scheduling.
func (p *Pipeline) startSessions(ctx context.Context, group *ScalingGroupInfo) (bool, error) {
	sessions, err := p.repo.ListStartingSessions(ctx, group.Name)
	if err != nil {
		return false, errors.Wrap(err, "listing starting sessions")
	}

	started := []uuid.UUID{}
	for _, session := range sessions {
		if startErr := p.startKernels(ctx, session); startErr != nil {
			failure := &SchedulingFailure{
				SessionID: session.SessionID,
				FailedPredicates: []SchedulingPredicate{{
					Name:    "kernel-start",
					Message: startErr.Error(),
				}},
				Message: startErr.Error(),
				LastTry: p.clock(),
			}
			if err := p.recordFailureStatus(ctx, session.SessionID, failure); err != nil {
				return false, err
			}
			startFailedCounter.WithLabelValues(group.Name).Inc()
			p.publisher.PublishOutcome(EventSessionStartFailed, group.Name, session.SessionID, startErr.Error())
			continue
		}
		started = append(started, session.SessionID)
		startedCounter.WithLabelValues(group.Name).Inc()
		p.publisher.PublishOutcome(EventSessionStarted, group.Name, session.SessionID, "")
	}

	if len(started) > 0 {
		if err := p.repo.MarkSessionsStarted(ctx, started); err != nil {
			return false, errors.Wrap(err, "marking sessions started")
		}
	}
	return false, nil
}

// startKernels pings every agent the session landed on before issuing any
// start RPC, so a dead agent fails the session cleanly instead of leaving
// kernels running on its peers.
func (p *Pipeline) startKernels(ctx context.Context, session *SessionAllocation) error {
	pinged := map[string]bool{}
	for _, kernel := range session.Kernels {
		if pinged[kernel.AgentAddr] {
			continue
		}
		if err := p.agentClient.PingAgent(ctx, kernel.AgentAddr); err != nil {
			return errors.Wrapf(err, "agent %s is not responding", kernel.AgentID)
		}
		pinged[kernel.AgentAddr] = true
	}
	for _, kernel := range session.Kernels {
		req := &StartKernelRequest{
			SessionID: session.SessionID,
			KernelID:  kernel.KernelID,
			Image:     kernel.Image,
			Slots:     kernel.Slots,
			Ports:     kernel.ReservedPorts,
		}
		if err := p.agentClient.StartKernel(ctx, kernel.AgentAddr, req); err != nil {
			return errors.Wrapf(err, "starting kernel %s on agent %s", kernel.KernelID, kernel.AgentID)
		}
	}
	return nil
}

func (p *Pipeline) recordFailureStatus(ctx context.Context, sessionID uuid.UUID, failure *SchedulingFailure) error {
	retries, err := p.repo.GetSessionRetries(ctx, sessionID)
	if err != nil {
		return errors.Wrapf(err, "reading retries for session %s", sessionID)
	}
	if err := p.repo.RevertToPending(ctx, sessionID, failure.ToStatusData(retries)); err != nil {
		return errors.Wrapf(err, "recording failure for session %s", sessionID)
	}
	return nil
}

// checkScale compares aggregate pending demand against free capacity and
// publishes an advisory event when the group cannot absorb its queue. Actual
// agent provisioning is someone else's job.
func (p *Pipeline) checkScale(ctx context.Context, group *ScalingGroupInfo) error {
	workloads, err := p.repo.ListPendingWorkloads(ctx, group.Name)
	if err != nil {
		return errors.Wrap(err, "listing pending workloads")
	}
	agents, err := p.repo.GetSchedulableAgents(ctx, group.Name)
	if err != nil {
		return errors.Wrap(err, "listing agents")
	}

	demand := resource.Zero()
	for _, workload := range workloads {
		demand.Add(workload.RequestedSlots)
	}
	free := resource.Zero()
	for _, agent := range agents {
		free.Add(agent.FreeSlots())
	}

	if demand.FitsIn(free) {
		scaleNeededGauge.WithLabelValues(group.Name).Set(0)
		return nil
	}
	scaleNeededGauge.WithLabelValues(group.Name).Set(1)
	p.publisher.PublishOutcome(EventScaleNeeded, group.Name, uuid.Nil,
		"pending demand "+demand.String()+" exceeds free capacity "+free.String())
	return nil
}

func (p *Pipeline) updateSessionStatuses(ctx context.Context, group *ScalingGroupInfo) error {
	updated, err := p.repo.SyncSessionStatuses(ctx, group.Name)
	if err != nil {
		return errors.Wrap(err, "syncing session statuses")
	}
	if updated > 0 {
		log.WithField("scalingGroup", group.Name).Infof("reconciled %d session statuses", updated)
	}
	return nil
}
