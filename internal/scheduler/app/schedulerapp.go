package app

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/flotillaproject/flotilla/internal/common"
	"github.com/flotillaproject/flotilla/internal/common/eventstream"
	"github.com/flotillaproject/flotilla/internal/common/task"
	"github.com/flotillaproject/flotilla/internal/scheduler"
	"github.com/flotillaproject/flotilla/internal/scheduler/database"
	"github.com/flotillaproject/flotilla/internal/scheduler/rpc"
)

// Run wires the scheduler together and blocks until ctx is cancelled.
func Run(ctx context.Context, config scheduler.Configuration) error {
	pool, err := database.OpenPgxPool(ctx, config.Postgres)
	if err != nil {
		return errors.Wrap(err, "connecting to postgres")
	}
	defer pool.Close()
	if err := database.Migrate(ctx, pool); err != nil {
		return errors.Wrap(err, "migrating database")
	}
	repo := database.NewPostgresRepository(pool, config.Scheduling.FairShare.ToSpec())

	stream, err := eventstream.NewJetstreamEventStream(&config.Nats.Jetstream)
	if err != nil {
		return errors.Wrap(err, "connecting to jetstream")
	}
	defer stream.Close()

	agentClient, err := rpc.NewNatsAgentClient(
		strings.Join(config.Nats.Jetstream.Servers, ","),
		config.Nats.Jetstream.ConnTimeout,
		config.Nats.AgentRpcTimeout,
		config.Nats.AgentRpcRetries,
	)
	if err != nil {
		return errors.Wrap(err, "connecting agent rpc client")
	}
	defer agentClient.Close()

	registry := scheduler.NewPrioritizerRegistry(
		config.Scheduling.DefaultPrioritizer,
		scheduler.NewFifoPrioritizer(),
		scheduler.NewFairSharePrioritizer(repo),
	)

	router := scheduler.NewEventRouter(stream)
	pipeline := scheduler.NewPipeline(repo, agentClient, router, registry, config.Scheduling)
	coordinator := scheduler.NewScheduleCoordinator(pipeline)

	if err := router.Start(coordinator); err != nil {
		return errors.Wrap(err, "subscribing to event stream")
	}

	shutdownMetrics := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetrics()

	// Periodic sweeps make sure a lost trigger cannot strand pending work.
	// The main pipeline chains itself, so only its head needs sweeping.
	taskManager := task.NewBackgroundTaskManager("flotilla_scheduler_")
	sweep := config.Scheduling.SweepInterval
	if sweep <= 0 {
		sweep = time.Minute
	}
	taskManager.Register(func() {
		coordinator.RequestScheduling(scheduler.PhaseCheckPrecondition)
	}, sweep, "precondition_sweep")
	taskManager.RegisterWithDelay(func() {
		coordinator.RequestScheduling(scheduler.PhaseScale)
	}, sweep, sweep/3, "scale_sweep")
	taskManager.RegisterWithDelay(func() {
		coordinator.RequestScheduling(scheduler.PhaseUpdateSessionStatus)
	}, sweep, 2*sweep/3, "status_sweep")
	defer taskManager.StopAll(10 * time.Second)

	log.Info("scheduler started")
	coordinator.Run(ctx)
	log.Info("scheduler stopped")
	return nil
}
