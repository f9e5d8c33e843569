package eventstream

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// InMemoryEventStream is a process-local EventStream used in tests and
// single-node deployments. Delivery is synchronous with Publish.
type InMemoryEventStream struct {
	mu        sync.Mutex
	callbacks []func(event *Event) error
	closed    bool
}

func NewInMemoryEventStream() *InMemoryEventStream {
	return &InMemoryEventStream{}
}

func (s *InMemoryEventStream) Publish(events []*Event) []error {
	s.mu.Lock()
	callbacks := make([]func(event *Event) error, len(s.callbacks))
	copy(callbacks, s.callbacks)
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return nil
	}
	for _, event := range events {
		for _, callback := range callbacks {
			if err := callback(event); err != nil {
				log.Errorf("event callback error: %v", err)
			}
		}
	}
	return nil
}

func (s *InMemoryEventStream) Subscribe(callback func(event *Event) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, callback)
	return nil
}

func (s *InMemoryEventStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.callbacks = nil
	return nil
}
