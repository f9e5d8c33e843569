package scheduler

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

type Phase string

const (
	PhaseCheckPrecondition   Phase = "CHECK_PRECONDITION"
	PhaseSchedule            Phase = "SCHEDULE"
	PhaseStart               Phase = "START"
	PhaseScale               Phase = "SCALE"
	PhaseUpdateSessionStatus Phase = "UPDATE_SESSION_STATUS"
)

var AllPhases = []Phase{
	PhaseCheckPrecondition,
	PhaseSchedule,
	PhaseStart,
	PhaseScale,
	PhaseUpdateSessionStatus,
}

// nextPhase sequences the main pipeline. A successful pass of one phase
// requests the next; the other phases run independently.
var nextPhase = map[Phase]Phase{
	PhaseCheckPrecondition: PhaseSchedule,
	PhaseSchedule:          PhaseStart,
}

type phaseState int

const (
	phaseIdle phaseState = iota
	phaseDirty
	phaseRunning
	phaseRunningDirty
)

// PhaseRunner executes one pass of a phase. It reports whether the pass did
// work that should trigger the downstream phase.
type PhaseRunner interface {
	RunPhase(ctx context.Context, phase Phase) (requestNext bool, err error)
}

// ScheduleCoordinator drives the pipeline phases and debounces trigger
// requests. Each phase has a three state machine: a request on an idle phase
// marks it dirty and wakes its runner goroutine; a request during a run is
// remembered so exactly one more pass follows, no matter how many requests
// arrive. At most one pass per phase is ever in flight.
type ScheduleCoordinator struct {
	mu     sync.Mutex
	states map[Phase]phaseState
	wake   map[Phase]chan struct{}
	runner PhaseRunner
	wg     sync.WaitGroup
}

func NewScheduleCoordinator(runner PhaseRunner) *ScheduleCoordinator {
	states := map[Phase]phaseState{}
	wake := map[Phase]chan struct{}{}
	for _, phase := range AllPhases {
		states[phase] = phaseIdle
		wake[phase] = make(chan struct{}, 1)
	}
	return &ScheduleCoordinator{states: states, wake: wake, runner: runner}
}

// RequestScheduling marks a phase as needing a pass. Non blocking and safe
// from any goroutine; concurrent requests coalesce.
func (c *ScheduleCoordinator) RequestScheduling(phase Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.states[phase] {
	case phaseIdle:
		c.states[phase] = phaseDirty
		c.signal(phase)
	case phaseRunning:
		c.states[phase] = phaseRunningDirty
	case phaseDirty, phaseRunningDirty:
		// Already pending, nothing to do.
	}
}

func (c *ScheduleCoordinator) signal(phase Phase) {
	select {
	case c.wake[phase] <- struct{}{}:
	default:
	}
}

// ProcessIfNeeded runs one pass of the phase if it is marked dirty. The
// release back to idle (or dirty, when requests arrived mid run) happens in
// a defer so a panicking pass cannot wedge the phase in running.
func (c *ScheduleCoordinator) ProcessIfNeeded(ctx context.Context, phase Phase) {
	c.mu.Lock()
	if c.states[phase] != phaseDirty {
		c.mu.Unlock()
		return
	}
	c.states[phase] = phaseRunning
	c.mu.Unlock()

	defer func() {
		r := recover()
		c.mu.Lock()
		if c.states[phase] == phaseRunningDirty {
			c.states[phase] = phaseDirty
			c.signal(phase)
		} else {
			c.states[phase] = phaseIdle
		}
		c.mu.Unlock()
		if r != nil {
			log.Errorf("panic during %s pass: %v", phase, r)
		}
	}()

	requestNext, err := c.runner.RunPhase(ctx, phase)
	if err != nil {
		log.WithField("phase", string(phase)).Errorf("pass failed: %v", err)
		return
	}
	if requestNext {
		if next, ok := nextPhase[phase]; ok {
			c.RequestScheduling(next)
		}
	}
}

// Run starts one consuming goroutine per phase and blocks until ctx is
// cancelled and all runners have drained.
func (c *ScheduleCoordinator) Run(ctx context.Context) {
	for _, phase := range AllPhases {
		phase := phase
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-c.wake[phase]:
					c.ProcessIfNeeded(ctx, phase)
				}
			}
		}()
	}
	c.wg.Wait()
}
