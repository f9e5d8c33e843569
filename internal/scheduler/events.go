package scheduler

import (
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/internal/common/eventstream"
)

// Inbound trigger events. Each maps to exactly one phase request.
const (
	EventSessionEnqueued       = "session.enqueued"
	EventSessionTerminated     = "session.terminated"
	EventAgentStarted          = "agent.started"
	EventDoCheckPrecondition   = "do.check-precondition"
	EventDoSchedule            = "do.schedule"
	EventDoStartSession        = "do.start-session"
	EventDoScale               = "do.scale"
	EventDoUpdateSessionStatus = "do.update-session-status"
)

// Outbound outcome events.
const (
	EventSessionScheduled        = "session.scheduled"
	EventSessionSchedulingFailed = "session.scheduling-failed"
	EventSessionStarted          = "session.started"
	EventSessionStartFailed      = "session.start-failed"
	EventSessionCancelled        = "session.cancelled"
	EventScaleNeeded             = "scaling-group.scale-needed"
)

// triggerPhases maps inbound event types to the phase they wake. New
// sessions enter through precondition checks; freed capacity and new agents
// go straight to scheduling.
var triggerPhases = map[string]Phase{
	EventSessionEnqueued:       PhaseCheckPrecondition,
	EventSessionTerminated:     PhaseSchedule,
	EventAgentStarted:          PhaseSchedule,
	EventDoCheckPrecondition:   PhaseCheckPrecondition,
	EventDoSchedule:            PhaseSchedule,
	EventDoStartSession:        PhaseStart,
	EventDoScale:               PhaseScale,
	EventDoUpdateSessionStatus: PhaseUpdateSessionStatus,
}

// EventRouter connects the event bus to the coordinator and publishes
// allocation outcomes back onto the bus. The coordinator is attached in
// Start rather than at construction because the pipeline publishing through
// the router is itself a coordinator dependency.
type EventRouter struct {
	stream eventstream.EventStream
}

func NewEventRouter(stream eventstream.EventStream) *EventRouter {
	return &EventRouter{stream: stream}
}

// Start subscribes to the bus. Unknown event types are ignored so outcome
// events on the same subject do not loop back into triggers.
func (r *EventRouter) Start(coordinator *ScheduleCoordinator) error {
	return r.stream.Subscribe(func(event *eventstream.Event) error {
		phase, ok := triggerPhases[event.Type]
		if !ok {
			return nil
		}
		log.WithField("event", event.Type).Debugf("requesting %s", phase)
		coordinator.RequestScheduling(phase)
		return nil
	})
}

func (r *EventRouter) PublishOutcome(eventType string, scalingGroup string, sessionID uuid.UUID, message string) {
	event := &eventstream.Event{
		Type:         eventType,
		ScalingGroup: scalingGroup,
		Message:      message,
		CreatedAt:    time.Now().UTC(),
	}
	if sessionID != uuid.Nil {
		event.SessionID = sessionID.String()
	}
	for _, err := range r.stream.Publish([]*eventstream.Event{event}) {
		log.Errorf("failed to publish %s: %v", eventType, err)
	}
}
