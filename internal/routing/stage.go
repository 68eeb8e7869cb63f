package routing

import (
	"time"

	"recordflow/internal/domain"
)

// Stage is one uninterrupted period of custody.
type Stage struct {
	Unit     string        `json:"unit,omitempty"`
	User     string        `json:"user,omitempty"`
	Since    time.Time     `json:"since"`
	Until    *time.Time    `json:"until,omitempty"`
	Duration time.Duration `json:"duration"`
}

// TimeInStage splits the entity's life into custody stages. The first stage
// starts at creation with the originating custodian; the last one is open
// and measured up to now.
func TimeInStage(e domain.Entity, movements []domain.Movement, now time.Time) []Stage {
	cur := Stage{Unit: e.OriginUnit, User: e.OriginUser, Since: e.CreatedAt}
	var stages []Stage
	for _, m := range movements {
		end := m.OccurredAt
		cur.Until = &end
		cur.Duration = end.Sub(cur.Since)
		stages = append(stages, cur)
		cur = Stage{Unit: m.ToUnit, User: m.ToUser, Since: m.OccurredAt}
	}
	cur.Duration = now.Sub(cur.Since)
	return append(stages, cur)
}

// TotalByUnit sums stage durations per custodian unit.
func TotalByUnit(stages []Stage) map[string]time.Duration {
	out := make(map[string]time.Duration, len(stages))
	for _, s := range stages {
		out[s.Unit] += s.Duration
	}
	return out
}
