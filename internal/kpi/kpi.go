// Package kpi computes success metrics over the run history. It is
// read-only with respect to the store.
package kpi

import (
	"time"

	"github.com/hochfrequenz/proposal-orchestrator/internal/domain"
	"github.com/hochfrequenz/proposal-orchestrator/internal/runstore"
)

const (
	ApprovalRateTarget  = 0.33
	DetectionRateTarget = 0.50
	StreakTarget        = 10
)

// Snapshot is a point-in-time view of every tracked metric.
type Snapshot struct {
	ComputedAt time.Time `json:"computed_at"`

	ProposalsCreated  int     `json:"proposals_created"`
	ProposalsResolved int     `json:"proposals_resolved"`
	ProposalsApproved int     `json:"proposals_approved"`
	ApprovalRate      float64 `json:"approval_rate"`
	ApprovalTargetMet bool    `json:"approval_target_met"`

	DetectedIncomplete    int     `json:"detected_incomplete"`
	GroundTruthIncomplete int     `json:"ground_truth_incomplete"`
	TruePositives         int     `json:"true_positives"`
	DetectionRate         float64 `json:"detection_rate"`
	DetectionTargetMet    bool    `json:"detection_target_met"`

	TotalRuns       int  `json:"total_runs"`
	FailedRuns      int  `json:"failed_runs"`
	ErrorFreeStreak int  `json:"error_free_streak"`
	StreakTargetMet bool `json:"streak_target_met"`

	CompletedPipeline  int     `json:"completed_pipeline"`
	FlaggedIncomplete  int     `json:"flagged_incomplete"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
}

// Compute derives a snapshot from the raw run, outcome, and ground truth
// records. Merged proposals count as approved.
func Compute(runs []*domain.Run, outcomes []*domain.OutcomeRecord, labels []*domain.GroundTruthLabel) *Snapshot {
	s := &Snapshot{ComputedAt: time.Now().UTC()}

	var durationTotal float64
	var durationCount int
	stoppedTickets := make(map[string]bool)
	for _, run := range runs {
		s.TotalRuns++
		switch run.Status {
		case domain.RunFailed:
			s.FailedRuns++
		case domain.RunCompleted:
			s.CompletedPipeline++
		case domain.RunStoppedIncomplete:
			s.FlaggedIncomplete++
			stoppedTickets[run.TicketKey] = true
		}
		if run.CompletedAt != nil {
			durationTotal += run.CompletedAt.Sub(run.CreatedAt).Seconds()
			durationCount++
		}
	}
	if durationCount > 0 {
		s.AvgDurationSeconds = durationTotal / float64(durationCount)
	}

	// Trailing streak over runs ordered oldest first.
	for _, run := range runs {
		if run.Status == domain.RunFailed {
			s.ErrorFreeStreak = 0
		} else {
			s.ErrorFreeStreak++
		}
	}
	s.StreakTargetMet = s.ErrorFreeStreak >= StreakTarget

	for _, outcome := range outcomes {
		s.ProposalsCreated++
		switch outcome.State {
		case domain.OutcomeApproved, domain.OutcomeMerged:
			s.ProposalsApproved++
			s.ProposalsResolved++
		case domain.OutcomeRejected:
			s.ProposalsResolved++
		}
	}
	if s.ProposalsResolved > 0 {
		s.ApprovalRate = float64(s.ProposalsApproved) / float64(s.ProposalsResolved)
		s.ApprovalTargetMet = s.ApprovalRate >= ApprovalRateTarget
	}

	for _, label := range labels {
		if label.Label != domain.TruthIncomplete {
			continue
		}
		s.GroundTruthIncomplete++
		if stoppedTickets[label.TicketKey] {
			s.TruePositives++
		}
	}
	s.DetectedIncomplete = len(stoppedTickets)
	if s.GroundTruthIncomplete > 0 {
		s.DetectionRate = float64(s.TruePositives) / float64(s.GroundTruthIncomplete)
		s.DetectionTargetMet = s.DetectionRate >= DetectionRateTarget
	}

	return s
}

// Collector loads the inputs for a snapshot from the store.
type Collector struct {
	store *runstore.Store
}

func NewCollector(store *runstore.Store) *Collector {
	return &Collector{store: store}
}

func (c *Collector) Snapshot() (*Snapshot, error) {
	runs, err := c.store.ListRuns(runstore.ListOptions{})
	if err != nil {
		return nil, err
	}
	outcomes, err := c.store.ListOutcomes()
	if err != nil {
		return nil, err
	}
	labels, err := c.store.ListGroundTruth()
	if err != nil {
		return nil, err
	}
	return Compute(runs, outcomes, labels), nil
}
