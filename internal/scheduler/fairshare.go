package scheduler

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// FairSharePrioritizer orders workloads ascending by the decayed, weight
// normalized usage of their owning entity. Entities that consumed less
// weighted capacity recently are serviced first; old usage stops counting as
// the half life decay erodes it. Equal scores fall back to enqueue order.
type FairSharePrioritizer struct {
	repo  Repository
	clock func() time.Time
}

func NewFairSharePrioritizer(repo Repository) *FairSharePrioritizer {
	return &FairSharePrioritizer{repo: repo, clock: time.Now}
}

func (p *FairSharePrioritizer) Name() string {
	return PrioritizerFairShare
}

// Prioritize loads specs and usage history for every distinct owning entity
// up front, then sorts without further I/O so the pass ledger stays
// consistent.
func (p *FairSharePrioritizer) Prioritize(ctx context.Context, snapshot *SystemSnapshot, workloads []*SessionWorkload) ([]*SessionWorkload, error) {
	scores := map[string]float64{}
	for _, workload := range workloads {
		if _, ok := scores[workload.EntityID]; ok {
			continue
		}
		score, err := p.entityScore(ctx, snapshot, workload.EntityID)
		if err != nil {
			return nil, err
		}
		scores[workload.EntityID] = score
		log.WithField("scalingGroup", snapshot.ScalingGroup).
			WithField("entity", workload.EntityID).
			Debugf("fair share score %f", score)
	}

	ordered := make([]*SessionWorkload, len(workloads))
	copy(ordered, workloads)
	sort.SliceStable(ordered, func(i, j int) bool {
		return scores[ordered[i].EntityID] < scores[ordered[j].EntityID]
	})
	return ordered, nil
}

func (p *FairSharePrioritizer) entityScore(ctx context.Context, snapshot *SystemSnapshot, entityID string) (float64, error) {
	spec, err := p.repo.GetFairShareSpec(ctx, snapshot.ScalingGroup, entityID)
	if err != nil {
		return 0, errors.Wrapf(err, "loading fair share spec for entity %s", entityID)
	}
	now := p.clock()
	since := now.AddDate(0, 0, -spec.LookbackDays)
	entries, err := p.repo.GetUsageBucketEntries(ctx, entityID, since)
	if err != nil {
		return 0, errors.Wrapf(err, "loading usage buckets for entity %s", entityID)
	}

	usage := decayedUsage(spec, entries, now)

	// Current allocations count at full strength. They are happening now,
	// so no decay applies.
	for slotName, amount := range snapshot.EntityAllocation(entityID) {
		capacity := snapshot.TotalCapacity.Get(slotName)
		if capacity.IsZero() {
			continue
		}
		normalized, _ := amount.Div(capacity).Float64()
		usage += spec.ResourceWeight(slotName) * normalized
	}

	weight := spec.Weight
	if weight <= 0 {
		weight = 1
	}
	return usage / weight, nil
}

// decayedUsage sums historical bucket contributions, each scaled by
// 0.5^(ageUnits/halfLifeUnits). Age is measured in whole decay units from
// now, so all buckets inside one unit decay identically.
func decayedUsage(spec *FairShareSpec, entries []UsageBucketEntry, now time.Time) float64 {
	decayUnit := spec.DecayUnitDays
	if decayUnit <= 0 {
		decayUnit = 1
	}
	halfLifeUnits := spec.HalfLifeDays / decayUnit
	if halfLifeUnits <= 0 {
		halfLifeUnits = 1
	}

	total := 0.0
	for _, entry := range entries {
		if entry.Capacity <= 0 {
			continue
		}
		ageDays := now.Sub(entry.BucketedAt).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		ageUnits := math.Floor(ageDays / decayUnit)
		decay := math.Pow(0.5, ageUnits/halfLifeUnits)
		total += spec.ResourceWeight(entry.SlotName) * (entry.Amount / entry.Capacity) * decay
	}
	return total
}
