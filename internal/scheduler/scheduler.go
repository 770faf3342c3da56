// Package scheduler finds rotation slots whose switch time has elapsed and
// drives exactly one switch attempt per due slot per invocation.
//
// Invocations are stateless: an external trigger (HTTP tick or the CLI tick
// command) may fire from any number of processes, and per-slot mutual
// exclusion comes entirely from the storage-level claim. Invoking the
// trigger more often than the shortest interval is safe; the claim plus the
// due-time check make extra invocations no-ops.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/splitpix/go-splitpix-backend/internal/domain"
	"github.com/splitpix/go-splitpix-backend/internal/repo"
	syncer "github.com/splitpix/go-splitpix-backend/internal/sync"
)

var (
	// switchesTotal counts switch attempts by trigger and outcome.
	switchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "splitpix",
			Name:      "rotation_switches_total",
			Help:      "Total rotation switch attempts by trigger and outcome.",
		},
		[]string{"trigger", "outcome"},
	)

	// switchDuration records the wall time of one full synchronizer run.
	switchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "splitpix",
			Name:      "rotation_switch_duration_seconds",
			Help:      "Duration of one CAPTURE/BUILD/EXECUTE/VERIFY run.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// slotsDue gauges how many slots each tick found due.
	slotsDue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "splitpix",
			Name:      "rotation_slots_due",
			Help:      "Slots found due on the most recent scheduler tick.",
		},
	)
)

func init() {
	prometheus.MustRegister(switchesTotal, switchDuration, slotsDue)
}

// ErrSlotNotSwitchable is returned by ForceSwitch for slots that are not
// active or could not be claimed.
var ErrSlotNotSwitchable = errors.New("slot cannot be switched")

// Switcher is the synchronizer contract the scheduler drives.
type Switcher interface {
	Switch(ctx context.Context, slot *domain.RotationSlot, targetVariant string) (*syncer.Result, error)
}

// Scheduler detects due slots and runs the claim → synchronize → commit path.
type Scheduler struct {
	DB   *gorm.DB
	Sync Switcher

	// ClaimTTL bounds how long a crashed invocation can hold a slot.
	ClaimTTL time.Duration
	// MaxFailures demotes a slot to paused after this many consecutive
	// synchronizer failures.
	MaxFailures int
	// BatchLimit caps due slots handled per tick; 0 means no cap.
	BatchLimit int

	// now is a test seam.
	now func() time.Time
}

// New constructs a Scheduler with defaults applied.
func New(db *gorm.DB, sw Switcher, claimTTL time.Duration, maxFailures int) *Scheduler {
	if claimTTL <= 0 {
		claimTTL = 5 * time.Minute
	}
	if maxFailures <= 0 {
		maxFailures = 5
	}
	return &Scheduler{
		DB:          db,
		Sync:        sw,
		ClaimTTL:    claimTTL,
		MaxFailures: maxFailures,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// TickSummary reports what one scheduler invocation did.
type TickSummary struct {
	Due      int `json:"due"`
	Switched int `json:"switched"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
	Demoted  int `json:"demoted"`
}

// switchContext is the diagnostic payload stored on each ledger entry.
type switchContext struct {
	Uploaded int    `json:"uploaded"`
	Reused   int    `json:"reused"`
	Deleted  int    `json:"deleted"`
	Trigger  string `json:"trigger"`
}

// Tick runs one scheduler invocation: select due slots, claim each, run the
// synchronizer, and commit or record the failure. A slot whose claim is held
// elsewhere is skipped silently; it is not an error.
func (s *Scheduler) Tick(ctx context.Context) (*TickSummary, error) {
	tr := otel.Tracer("scheduler/Scheduler")
	ctx, span := tr.Start(ctx, "Tick")
	defer span.End()

	now := s.now()
	due, err := repo.ListDueSlots(ctx, s.DB, now, s.BatchLimit)
	if err != nil {
		return nil, fmt.Errorf("list due slots: %w", err)
	}

	summary := &TickSummary{Due: len(due)}
	slotsDue.Set(float64(len(due)))
	span.SetAttributes(attribute.Int("slots.due", len(due)))

	for i := range due {
		outcome := s.attempt(ctx, &due[i])
		switch outcome {
		case outcomeSwitched:
			summary.Switched++
		case outcomeSkipped:
			summary.Skipped++
		case outcomeFailed:
			summary.Failed++
		case outcomeDemoted:
			summary.Failed++
			summary.Demoted++
		}
	}
	return summary, nil
}

// ForceSwitch is the operator-invoked override: it bypasses the due-time
// check but still goes through claim, full synchronizer pipeline, and the
// atomic commit. trigger must be manual or rollback.
func (s *Scheduler) ForceSwitch(ctx context.Context, slotID, targetVariant, trigger string) (*domain.RotationHistoryEntry, *syncer.Result, error) {
	if trigger != domain.TriggerManual && trigger != domain.TriggerRollback {
		return nil, nil, fmt.Errorf("%w: trigger %q", syncer.ErrValidation, trigger)
	}

	slot, err := repo.GetSlot(ctx, s.DB, slotID)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	if err := repo.ClaimSlot(ctx, s.DB, slot.ID, now, s.ClaimTTL); err != nil {
		if errors.Is(err, repo.ErrClaimHeld) {
			return nil, nil, fmt.Errorf("%w: claim held or slot not active", ErrSlotNotSwitchable)
		}
		return nil, nil, err
	}

	res, err := s.runSwitch(ctx, slot, targetVariant)
	if err != nil {
		s.recordFailure(ctx, slot, trigger, err)
		return nil, nil, err
	}

	entry, err := s.commit(ctx, slot, targetVariant, trigger, res)
	if err != nil {
		return nil, nil, err
	}
	return entry, res, nil
}

type attemptOutcome int

const (
	outcomeSwitched attemptOutcome = iota
	outcomeSkipped
	outcomeFailed
	outcomeDemoted
)

// attempt runs the claim → synchronize → commit path for one due slot. The
// claim re-checks the due time, and the slot row is re-read after claiming,
// so an invocation holding a stale listing can neither switch a window a
// competing tick already handled nor pick its target from outdated state.
func (s *Scheduler) attempt(ctx context.Context, slot *domain.RotationSlot) attemptOutcome {
	now := s.now()
	if err := repo.ClaimDueSlot(ctx, s.DB, slot.ID, now, s.ClaimTTL); err != nil {
		if errors.Is(err, repo.ErrClaimHeld) {
			// Another invocation owns this slot or already switched it.
			switchesTotal.WithLabelValues(domain.TriggerCron, "skipped").Inc()
			return outcomeSkipped
		}
		log.Error().Err(err).Str("slot_id", slot.ID).Msg("claim failed")
		switchesTotal.WithLabelValues(domain.TriggerCron, "error").Inc()
		return outcomeFailed
	}

	fresh, err := repo.GetSlot(ctx, s.DB, slot.ID)
	if err != nil {
		log.Error().Err(err).Str("slot_id", slot.ID).Msg("slot reload after claim failed")
		_ = repo.ReleaseClaim(ctx, s.DB, slot.ID)
		switchesTotal.WithLabelValues(domain.TriggerCron, "error").Inc()
		return outcomeFailed
	}
	targetVariant := domain.OppositeVariant(fresh.ActiveVariant)

	res, err := s.runSwitch(ctx, fresh, targetVariant)
	if err != nil {
		if s.recordFailure(ctx, fresh, domain.TriggerCron, err) {
			return outcomeDemoted
		}
		return outcomeFailed
	}

	if _, err := s.commit(ctx, fresh, targetVariant, domain.TriggerCron, res); err != nil {
		log.Error().Err(err).Str("slot_id", fresh.ID).Msg("commit failed after verified switch")
		switchesTotal.WithLabelValues(domain.TriggerCron, "error").Inc()
		return outcomeFailed
	}
	return outcomeSwitched
}

func (s *Scheduler) runSwitch(ctx context.Context, slot *domain.RotationSlot, targetVariant string) (*syncer.Result, error) {
	start := time.Now()
	res, err := s.Sync.Switch(ctx, slot, targetVariant)
	switchDuration.Observe(time.Since(start).Seconds())
	return res, err
}

// recordFailure books a failed attempt: counter bump, claim release, and
// demotion past the threshold. Schedule fields stay untouched so the slot is
// retried next tick. Reports whether the slot was demoted.
func (s *Scheduler) recordFailure(ctx context.Context, slot *domain.RotationSlot, trigger string, cause error) bool {
	switchesTotal.WithLabelValues(trigger, "failed").Inc()
	log.Warn().Err(cause).Str("slot_id", slot.ID).Str("trigger", trigger).Msg("switch failed")

	demoted, err := repo.RecordSwitchFailure(ctx, s.DB, slot.ID, s.MaxFailures, cause.Error())
	if err != nil {
		log.Error().Err(err).Str("slot_id", slot.ID).Msg("recording switch failure failed")
		return false
	}
	if demoted {
		log.Error().Str("slot_id", slot.ID).Int("max_failures", s.MaxFailures).
			Msg("slot demoted to paused after repeated switch failures")
	}
	return demoted
}

// commit writes the post-switch state and ledger entry atomically.
func (s *Scheduler) commit(ctx context.Context, slot *domain.RotationSlot, targetVariant, trigger string, res *syncer.Result) (*domain.RotationHistoryEntry, error) {
	payload, _ := json.Marshal(switchContext{
		Uploaded: res.Uploaded,
		Reused:   res.Reused,
		Deleted:  res.Deleted,
		Trigger:  trigger,
	})
	entry, err := repo.CommitSwitch(ctx, s.DB, slot.ID, targetVariant, trigger, string(payload), s.now())
	if err != nil {
		return nil, err
	}
	switchesTotal.WithLabelValues(trigger, "switched").Inc()
	log.Info().
		Str("slot_id", slot.ID).
		Str("variant", targetVariant).
		Str("trigger", trigger).
		Msg("rotation switch committed")
	return entry, nil
}
