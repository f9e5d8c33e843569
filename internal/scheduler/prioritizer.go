package scheduler

import (
	"context"

	"github.com/pkg/errors"
)

const (
	PrioritizerFifo      = "fifo"
	PrioritizerFairShare = "fairshare"
)

// Prioritizer orders pending workloads for one scheduling pass. The result
// must be a permutation of the input; implementations never drop or invent
// workloads.
type Prioritizer interface {
	Name() string
	Prioritize(ctx context.Context, snapshot *SystemSnapshot, workloads []*SessionWorkload) ([]*SessionWorkload, error)
}

// FifoPrioritizer keeps the persisted enqueue order. It is the default
// policy and the tie break for every other policy.
type FifoPrioritizer struct{}

func NewFifoPrioritizer() *FifoPrioritizer {
	return &FifoPrioritizer{}
}

func (p *FifoPrioritizer) Name() string {
	return PrioritizerFifo
}

func (p *FifoPrioritizer) Prioritize(ctx context.Context, snapshot *SystemSnapshot, workloads []*SessionWorkload) ([]*SessionWorkload, error) {
	ordered := make([]*SessionWorkload, len(workloads))
	copy(ordered, workloads)
	return ordered, nil
}

// PrioritizerRegistry holds the closed set of policies, built once at
// startup and passed into the coordinator.
type PrioritizerRegistry struct {
	prioritizers map[string]Prioritizer
	defaultName  string
}

func NewPrioritizerRegistry(defaultName string, prioritizers ...Prioritizer) *PrioritizerRegistry {
	byName := map[string]Prioritizer{}
	for _, p := range prioritizers {
		byName[p.Name()] = p
	}
	return &PrioritizerRegistry{prioritizers: byName, defaultName: defaultName}
}

// Get resolves a policy name, falling back to the registry default when the
// name is empty.
func (r *PrioritizerRegistry) Get(name string) (Prioritizer, error) {
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.prioritizers[name]
	if !ok {
		return nil, errors.Errorf("unknown prioritizer %q", name)
	}
	return p, nil
}
