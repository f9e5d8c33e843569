package eventstream

import "time"

// Event is the envelope carried on the bus. Payload semantics are defined by
// the consumer registering for the given Type.
type Event struct {
	Type         string            `json:"type"`
	ScalingGroup string            `json:"scalingGroup,omitempty"`
	SessionID    string            `json:"sessionId,omitempty"`
	AgentID      string            `json:"agentId,omitempty"`
	Message      string            `json:"message,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

type EventStream interface {
	Publish(events []*Event) []error
	Subscribe(callback func(event *Event) error) error
	Close() error
}
