package scheduler

import (
	"time"

	"github.com/flotillaproject/flotilla/internal/common/eventstream"
)

type Configuration struct {
	MetricsPort uint16

	Postgres PostgresConfig
	Nats     NatsConfig

	Scheduling SchedulingConfig
}

type PostgresConfig struct {
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	Connection      map[string]string
}

type NatsConfig struct {
	Jetstream eventstream.JetstreamConfig
	// AgentRpcTimeout bounds every StartKernel request-reply exchange.
	AgentRpcTimeout time.Duration
	AgentRpcRetries uint
}

type SchedulingConfig struct {
	// Long cycle sweeps re-request every phase so no trigger loss can
	// strand a pending session forever.
	SweepInterval time.Duration

	DefaultPrioritizer    string
	DefaultAgentStrategy  string
	DefaultPendingTimeout time.Duration

	FairShare FairShareConfig
}

// FairShareConfig supplies defaults for entities without a stored spec.
type FairShareConfig struct {
	Weight          float64
	HalfLifeDays    float64
	LookbackDays    int
	DecayUnitDays   float64
	ResourceWeights map[string]float64
}

func (c FairShareConfig) ToSpec() *FairShareSpec {
	return &FairShareSpec{
		Weight:          c.Weight,
		HalfLifeDays:    c.HalfLifeDays,
		LookbackDays:    c.LookbackDays,
		DecayUnitDays:   c.DecayUnitDays,
		ResourceWeights: c.ResourceWeights,
	}
}
