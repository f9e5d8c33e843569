package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/flotillaproject/flotilla/internal/common/resource"
	"github.com/flotillaproject/flotilla/internal/scheduler"
)

var psql = goqu.Dialect("postgres")

var activeStatuses = []string{
	string(scheduler.SessionScheduled),
	string(scheduler.SessionPreparing),
	string(scheduler.SessionRunning),
}

// PostgresRepository is the production implementation of the scheduler's
// persistence contract.
type PostgresRepository struct {
	db          *pgxpool.Pool
	defaultSpec *scheduler.FairShareSpec
}

func NewPostgresRepository(db *pgxpool.Pool, defaultSpec *scheduler.FairShareSpec) *PostgresRepository {
	return &PostgresRepository{db: db, defaultSpec: defaultSpec}
}

func (r *PostgresRepository) ListScalingGroups(ctx context.Context) ([]*scheduler.ScalingGroupInfo, error) {
	query, args, err := psql.From("scaling_groups").
		Select("name", "prioritizer", "agent_strategy", "pending_timeout_secs",
			"allowed_entities", "max_sessions_per_key", "entity_slot_limits").
		Order(goqu.I("name").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	groups := []*scheduler.ScalingGroupInfo{}
	for rows.Next() {
		var (
			group          scheduler.ScalingGroupInfo
			timeoutSecs    int64
			allowedJSON    []byte
			slotLimitsJSON []byte
		)
		if err := rows.Scan(&group.Name, &group.Prioritizer, &group.AgentStrategy,
			&timeoutSecs, &allowedJSON, &group.MaxSessionsPerKey, &slotLimitsJSON); err != nil {
			return nil, errors.WithStack(err)
		}
		group.PendingTimeout = time.Duration(timeoutSecs) * time.Second

		allowed := []string{}
		if err := json.Unmarshal(allowedJSON, &allowed); err != nil {
			return nil, errors.Wrapf(err, "decoding allowed entities of %s", group.Name)
		}
		if len(allowed) > 0 {
			group.AllowedEntities = map[string]bool{}
			for _, entity := range allowed {
				group.AllowedEntities[entity] = true
			}
		}
		limits := map[string]resource.Slot{}
		if err := json.Unmarshal(slotLimitsJSON, &limits); err != nil {
			return nil, errors.Wrapf(err, "decoding slot limits of %s", group.Name)
		}
		if len(limits) > 0 {
			group.EntitySlotLimits = limits
		}
		groups = append(groups, &group)
	}
	return groups, errors.WithStack(rows.Err())
}

func (r *PostgresRepository) ListPendingWorkloads(ctx context.Context, scalingGroup string) ([]*scheduler.SessionWorkload, error) {
	workloads, err := r.listWorkloads(ctx, scalingGroup, []string{string(scheduler.SessionPending)})
	if err != nil {
		return nil, err
	}
	if err := r.attachKernels(ctx, workloads); err != nil {
		return nil, err
	}
	return workloads, nil
}

func (r *PostgresRepository) ListActiveWorkloads(ctx context.Context, scalingGroup string) ([]*scheduler.SessionWorkload, error) {
	// Snapshot construction only needs the aggregate request and owner,
	// so kernels are not loaded here.
	return r.listWorkloads(ctx, scalingGroup, activeStatuses)
}

func (r *PostgresRepository) listWorkloads(ctx context.Context, scalingGroup string, statuses []string) ([]*scheduler.SessionWorkload, error) {
	query, args, err := psql.From("sessions").
		Select("id", "access_key", "entity_id", "cluster_mode", "requested_slots",
			"priority", "retries", "enqueued_at").
		Where(goqu.Ex{"scaling_group": scalingGroup, "status": statuses}).
		Order(goqu.I("enqueued_at").Asc(), goqu.I("id").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	workloads := []*scheduler.SessionWorkload{}
	for rows.Next() {
		var (
			workload    scheduler.SessionWorkload
			clusterMode string
			slotsJSON   []byte
		)
		if err := rows.Scan(&workload.SessionID, &workload.AccessKey, &workload.EntityID,
			&clusterMode, &slotsJSON, &workload.Priority, &workload.Retries,
			&workload.EnqueuedAt); err != nil {
			return nil, errors.WithStack(err)
		}
		workload.ClusterMode = scheduler.ClusterMode(clusterMode)
		workload.ScalingGroup = scalingGroup
		if err := json.Unmarshal(slotsJSON, &workload.RequestedSlots); err != nil {
			return nil, errors.Wrapf(err, "decoding slots of session %s", workload.SessionID)
		}
		workloads = append(workloads, &workload)
	}
	return workloads, errors.WithStack(rows.Err())
}

func (r *PostgresRepository) attachKernels(ctx context.Context, workloads []*scheduler.SessionWorkload) error {
	if len(workloads) == 0 {
		return nil
	}
	byID := map[uuid.UUID]*scheduler.SessionWorkload{}
	ids := make([]uuid.UUID, 0, len(workloads))
	for _, workload := range workloads {
		byID[workload.SessionID] = workload
		ids = append(ids, workload.SessionID)
	}

	query, args, err := psql.From("kernels").
		Select("id", "session_id", "image", "architecture", "slots", "required_ports").
		Where(goqu.Ex{"session_id": ids}).
		Order(goqu.I("id").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return errors.WithStack(err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			kernel    scheduler.KernelRequirement
			sessionID uuid.UUID
			slotsJSON []byte
		)
		if err := rows.Scan(&kernel.KernelID, &sessionID, &kernel.Image,
			&kernel.Architecture, &slotsJSON, &kernel.RequiredPorts); err != nil {
			return errors.WithStack(err)
		}
		if err := json.Unmarshal(slotsJSON, &kernel.Slots); err != nil {
			return errors.Wrapf(err, "decoding slots of kernel %s", kernel.KernelID)
		}
		if workload, ok := byID[sessionID]; ok {
			workload.Kernels = append(workload.Kernels, kernel)
		}
	}
	return errors.WithStack(rows.Err())
}

func (r *PostgresRepository) ListStartingSessions(ctx context.Context, scalingGroup string) ([]*scheduler.SessionAllocation, error) {
	query, args, err := psql.From("kernels").
		Join(goqu.T("sessions"), goqu.On(goqu.Ex{"kernels.session_id": goqu.I("sessions.id")})).
		Select("kernels.id", "kernels.session_id", "kernels.image", "kernels.slots",
			"kernels.agent_id", "kernels.agent_addr", "kernels.reserved_ports").
		Where(goqu.Ex{
			"sessions.scaling_group": scalingGroup,
			"sessions.status":        string(scheduler.SessionScheduled),
		}).
		Order(goqu.I("kernels.session_id").Asc(), goqu.I("kernels.id").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	byID := map[uuid.UUID]*scheduler.SessionAllocation{}
	ordered := []*scheduler.SessionAllocation{}
	for rows.Next() {
		var (
			kernel    scheduler.KernelAllocation
			sessionID uuid.UUID
			slotsJSON []byte
			agentID   *string
			agentAddr *string
		)
		if err := rows.Scan(&kernel.KernelID, &sessionID, &kernel.Image, &slotsJSON,
			&agentID, &agentAddr, &kernel.ReservedPorts); err != nil {
			return nil, errors.WithStack(err)
		}
		if agentID == nil || agentAddr == nil {
			return nil, errors.Errorf("scheduled kernel %s has no agent assignment", kernel.KernelID)
		}
		kernel.AgentID = *agentID
		kernel.AgentAddr = *agentAddr
		if err := json.Unmarshal(slotsJSON, &kernel.Slots); err != nil {
			return nil, errors.Wrapf(err, "decoding slots of kernel %s", kernel.KernelID)
		}

		session, ok := byID[sessionID]
		if !ok {
			session = &scheduler.SessionAllocation{SessionID: sessionID, ScalingGroup: scalingGroup}
			byID[sessionID] = session
			ordered = append(ordered, session)
		}
		session.Kernels = append(session.Kernels, kernel)
	}
	return ordered, errors.WithStack(rows.Err())
}

func (r *PostgresRepository) GetSchedulableAgents(ctx context.Context, scalingGroup string) ([]*scheduler.AgentInfo, error) {
	query, args, err := psql.From("agents").
		Select("id", "addr", "architecture", "available_slots", "occupied_slots",
			"container_count", "occupied_ports").
		Where(goqu.Ex{"scaling_group": scalingGroup, "schedulable": true}).
		Order(goqu.I("id").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	agents := []*scheduler.AgentInfo{}
	for rows.Next() {
		var (
			agent         scheduler.AgentInfo
			availableJSON []byte
			occupiedJSON  []byte
			occupiedPorts []int32
		)
		if err := rows.Scan(&agent.ID, &agent.Addr, &agent.Architecture,
			&availableJSON, &occupiedJSON, &agent.ContainerCount, &occupiedPorts); err != nil {
			return nil, errors.WithStack(err)
		}
		if err := json.Unmarshal(availableJSON, &agent.AvailableSlots); err != nil {
			return nil, errors.Wrapf(err, "decoding available slots of agent %s", agent.ID)
		}
		if err := json.Unmarshal(occupiedJSON, &agent.OccupiedSlots); err != nil {
			return nil, errors.Wrapf(err, "decoding occupied slots of agent %s", agent.ID)
		}
		agent.ScalingGroup = scalingGroup
		agent.Schedulable = true
		agent.OccupiedHostPorts = map[int32]bool{}
		for _, port := range occupiedPorts {
			agent.OccupiedHostPorts[port] = true
		}
		agents = append(agents, &agent)
	}
	return agents, errors.WithStack(rows.Err())
}

func (r *PostgresRepository) GetSessionCountsByAccessKey(ctx context.Context, scalingGroup string) (map[string]int, error) {
	query, args, err := psql.From("sessions").
		Select("access_key", goqu.COUNT("*")).
		Where(goqu.Ex{"scaling_group": scalingGroup, "status": activeStatuses}).
		GroupBy("access_key").
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var (
			accessKey string
			count     int
		)
		if err := rows.Scan(&accessKey, &count); err != nil {
			return nil, errors.WithStack(err)
		}
		counts[accessKey] = count
	}
	return counts, errors.WithStack(rows.Err())
}

func (r *PostgresRepository) GetSessionRetries(ctx context.Context, sessionID uuid.UUID) (int, error) {
	var retries int
	err := r.db.QueryRow(ctx, "SELECT retries FROM sessions WHERE id = $1", sessionID).Scan(&retries)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return retries, nil
}

// GetFairShareSpec falls back to the configured defaults when no explicit
// spec is stored for the entity.
func (r *PostgresRepository) GetFairShareSpec(ctx context.Context, scalingGroup string, entityID string) (*scheduler.FairShareSpec, error) {
	query, args, err := psql.From("fair_share_specs").
		Select("weight", "half_life_days", "lookback_days", "decay_unit_days", "resource_weights").
		Where(goqu.Ex{"scaling_group": scalingGroup, "entity_id": entityID}).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var (
		spec        scheduler.FairShareSpec
		weightsJSON []byte
	)
	err = r.db.QueryRow(ctx, query, args...).Scan(&spec.Weight, &spec.HalfLifeDays,
		&spec.LookbackDays, &spec.DecayUnitDays, &weightsJSON)
	if err == pgx.ErrNoRows {
		copied := *r.defaultSpec
		return &copied, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := json.Unmarshal(weightsJSON, &spec.ResourceWeights); err != nil {
		return nil, errors.Wrapf(err, "decoding resource weights of entity %s", entityID)
	}
	return &spec, nil
}

func (r *PostgresRepository) GetUsageBucketEntries(ctx context.Context, entityID string, since time.Time) ([]scheduler.UsageBucketEntry, error) {
	query, args, err := psql.From("usage_buckets").
		Select("bucketed_at", "slot_name", "amount", "duration_seconds", "capacity").
		Where(goqu.Ex{"entity_id": entityID}, goqu.I("bucketed_at").Gte(since)).
		Order(goqu.I("bucketed_at").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	entries := []scheduler.UsageBucketEntry{}
	for rows.Next() {
		var entry scheduler.UsageBucketEntry
		if err := rows.Scan(&entry.BucketedAt, &entry.SlotName, &entry.Amount,
			&entry.DurationSeconds, &entry.Capacity); err != nil {
			return nil, errors.WithStack(err)
		}
		entries = append(entries, entry)
	}
	return entries, errors.WithStack(rows.Err())
}

// PersistAllocationBatch writes one pass's outcome in a single transaction.
// Allocated sessions move to scheduled with their placements; failed ones
// stay pending with an incremented retry count and a fresh failure record.
func (r *PostgresRepository) PersistAllocationBatch(ctx context.Context, batch *scheduler.AllocationBatch) error {
	err := r.db.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for i := range batch.Allocations {
			if err := persistAllocation(ctx, tx, &batch.Allocations[i]); err != nil {
				return err
			}
		}
		for i := range batch.Failures {
			if err := persistFailure(ctx, tx, &batch.Failures[i]); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.WithStack(err)
}

func persistAllocation(ctx context.Context, tx pgx.Tx, allocation *scheduler.SessionAllocation) error {
	tag, err := tx.Exec(ctx,
		"UPDATE sessions SET status = $1, updated_at = now() WHERE id = $2 AND status = $3",
		string(scheduler.SessionScheduled), allocation.SessionID, string(scheduler.SessionPending))
	if err != nil {
		return errors.WithStack(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Errorf("session %s is no longer pending", allocation.SessionID)
	}
	for _, kernel := range allocation.Kernels {
		_, err := tx.Exec(ctx,
			"UPDATE kernels SET agent_id = $1, agent_addr = $2, reserved_ports = $3, status = $4 WHERE id = $5",
			kernel.AgentID, kernel.AgentAddr, kernel.ReservedPorts,
			string(scheduler.SessionScheduled), kernel.KernelID)
		if err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func persistFailure(ctx context.Context, tx pgx.Tx, failure *scheduler.SchedulingFailure) error {
	var retries int
	err := tx.QueryRow(ctx,
		"SELECT retries FROM sessions WHERE id = $1 FOR UPDATE", failure.SessionID).Scan(&retries)
	if err != nil {
		return errors.WithStack(err)
	}
	statusData, err := json.Marshal(failure.ToStatusData(retries))
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = tx.Exec(ctx,
		"UPDATE sessions SET retries = retries + 1, status_data = $1, updated_at = now() WHERE id = $2",
		statusData, failure.SessionID)
	return errors.WithStack(err)
}

func (r *PostgresRepository) MarkSessionsStarted(ctx context.Context, sessionIDs []uuid.UUID) error {
	ids := make([]string, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		ids = append(ids, id.String())
	}
	_, err := r.db.Exec(ctx,
		"UPDATE sessions SET status = $1, updated_at = now() WHERE id = ANY($2::uuid[])",
		string(scheduler.SessionPreparing), ids)
	return errors.WithStack(err)
}

// RevertToPending sends a scheduled session back to the pending queue,
// clearing its placements and recording why the attempt failed.
func (r *PostgresRepository) RevertToPending(ctx context.Context, sessionID uuid.UUID, statusData scheduler.FailureStatusData) error {
	data, err := json.Marshal(statusData)
	if err != nil {
		return errors.WithStack(err)
	}
	err = r.db.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			"UPDATE sessions SET status = $1, retries = $2, status_data = $3, updated_at = now() WHERE id = $4",
			string(scheduler.SessionPending), statusData.Retries, data, sessionID)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = tx.Exec(ctx,
			"UPDATE kernels SET agent_id = NULL, agent_addr = NULL, reserved_ports = '{}', status = $1 WHERE session_id = $2",
			string(scheduler.SessionPending), sessionID)
		return errors.WithStack(err)
	})
	return errors.WithStack(err)
}

func (r *PostgresRepository) CancelSession(ctx context.Context, sessionID uuid.UUID, reason string) error {
	statusData, err := json.Marshal(map[string]string{"msg": reason})
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = r.db.Exec(ctx,
		"UPDATE sessions SET status = $1, status_data = $2, updated_at = now() WHERE id = $3",
		string(scheduler.SessionCancelled), statusData, sessionID)
	return errors.WithStack(err)
}

func (r *PostgresRepository) ImageAvailable(ctx context.Context, scalingGroup string, image string, architecture string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM images WHERE scaling_group = $1 AND name = $2 AND (architecture = '' OR architecture = $3))",
		scalingGroup, image, architecture).Scan(&exists)
	return exists, errors.WithStack(err)
}

// SyncSessionStatuses reconciles session states from kernel states. Sessions
// whose kernels all run become running; sessions whose kernels all ended
// become terminated.
func (r *PostgresRepository) SyncSessionStatuses(ctx context.Context, scalingGroup string) (int, error) {
	updated := 0
	err := r.db.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE sessions SET status = $1, updated_at = now()
			WHERE scaling_group = $2 AND status = $3
			AND NOT EXISTS (
				SELECT 1 FROM kernels WHERE kernels.session_id = sessions.id AND kernels.status <> $1
			)`,
			string(scheduler.SessionRunning), scalingGroup, string(scheduler.SessionPreparing))
		if err != nil {
			return errors.WithStack(err)
		}
		updated += int(tag.RowsAffected())

		tag, err = tx.Exec(ctx, `
			UPDATE sessions SET status = $1, updated_at = now()
			WHERE scaling_group = $2 AND status = ANY($3)
			AND EXISTS (SELECT 1 FROM kernels WHERE kernels.session_id = sessions.id)
			AND NOT EXISTS (
				SELECT 1 FROM kernels WHERE kernels.session_id = sessions.id AND kernels.status <> $1
			)`,
			string(scheduler.SessionTerminated), scalingGroup, activeStatuses)
		if err != nil {
			return errors.WithStack(err)
		}
		updated += int(tag.RowsAffected())
		return nil
	})
	return updated, errors.WithStack(err)
}
