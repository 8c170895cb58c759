package models

import "time"

// Stats are derived from a workflow's run history; they are never stored.
//
// RunCount includes runs that have not finished, while SuccessRate and
// AverageDuration only cover finished ones: SuccessRate is
// Succeeded / (Succeeded + Failed), which equals Succeeded / RunCount once
// InFlight is zero.
type Stats struct {
	WorkflowID      string        `json:"workflow_id"`
	RunCount        int           `json:"run_count"`
	Succeeded       int           `json:"succeeded"`
	Failed          int           `json:"failed"`
	InFlight        int           `json:"in_flight"`
	SuccessRate     float64       `json:"success_rate"`
	LastRunAt       *time.Time    `json:"last_run_at,omitempty"`
	AverageDuration time.Duration `json:"average_duration"`
}

// ComputeStats folds runs into Stats. SuccessRate only counts terminal runs
// and is 0 when none have finished.
func ComputeStats(workflowID string, runs []*Run) Stats {
	stats := Stats{WorkflowID: workflowID}

	var total time.Duration

	for _, run := range runs {
		stats.RunCount++

		switch run.Status {
		case RunStatusSucceeded:
			stats.Succeeded++
			total += run.Duration()
		case RunStatusFailed:
			stats.Failed++
			total += run.Duration()
		default:
			stats.InFlight++
		}

		if stats.LastRunAt == nil || run.StartedAt.After(*stats.LastRunAt) {
			startedAt := run.StartedAt
			stats.LastRunAt = &startedAt
		}
	}

	stats.finish(total)

	return stats
}

// FromCounts builds Stats from pre-aggregated counters, as a database would return them.
func (s Stats) FromCounts(total time.Duration) Stats {
	s.finish(total)

	return s
}

func (s *Stats) finish(total time.Duration) {
	terminal := s.Succeeded + s.Failed
	if terminal == 0 {
		return
	}

	s.SuccessRate = float64(s.Succeeded) / float64(terminal)
	s.AverageDuration = total / time.Duration(terminal)
}
