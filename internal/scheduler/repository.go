package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract the scheduling pipeline consumes.
// The Postgres implementation lives in the database package; tests use a
// hand written fake.
type Repository interface {
	ListScalingGroups(ctx context.Context) ([]*ScalingGroupInfo, error)
	ListPendingWorkloads(ctx context.Context, scalingGroup string) ([]*SessionWorkload, error)
	// ListActiveWorkloads returns every session currently holding an
	// allocation (scheduled, preparing or running). Snapshot construction
	// sums these into per entity usage.
	ListActiveWorkloads(ctx context.Context, scalingGroup string) ([]*SessionWorkload, error)
	// ListStartingSessions returns scheduled sessions with their persisted
	// placements, ready for kernel start RPCs.
	ListStartingSessions(ctx context.Context, scalingGroup string) ([]*SessionAllocation, error)
	GetSchedulableAgents(ctx context.Context, scalingGroup string) ([]*AgentInfo, error)
	GetSessionCountsByAccessKey(ctx context.Context, scalingGroup string) (map[string]int, error)
	GetSessionRetries(ctx context.Context, sessionID uuid.UUID) (int, error)

	GetFairShareSpec(ctx context.Context, scalingGroup string, entityID string) (*FairShareSpec, error)
	GetUsageBucketEntries(ctx context.Context, entityID string, since time.Time) ([]UsageBucketEntry, error)

	PersistAllocationBatch(ctx context.Context, batch *AllocationBatch) error
	MarkSessionsStarted(ctx context.Context, sessionIDs []uuid.UUID) error
	RevertToPending(ctx context.Context, sessionID uuid.UUID, statusData FailureStatusData) error
	CancelSession(ctx context.Context, sessionID uuid.UUID, reason string) error
	ImageAvailable(ctx context.Context, scalingGroup string, image string, architecture string) (bool, error)
	SyncSessionStatuses(ctx context.Context, scalingGroup string) (int, error)
}
