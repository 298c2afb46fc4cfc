package calendar

import (
	"time"

	"stageline/internal/domain"
)

// DefaultStep is the integration resolution for elapsed time.
const DefaultStep = 15 * time.Minute

// BusinessHourFunc reports whether an instant counts towards elapsed time.
type BusinessHourFunc func(time.Time) bool

// AlwaysOpen counts every instant.
func AlwaysOpen(time.Time) bool { return true }

// Clock measures elapsed business time. The zero value counts wall time at
// DefaultStep resolution against time.Now.
type Clock struct {
	IsBusinessHour BusinessHourFunc
	Step           time.Duration
	Now            func() time.Time
}

func (c Clock) now() time.Time {
	if c.Now == nil {
		return time.Now().UTC()
	}
	return c.Now()
}

// Between returns the business hours in [from, to). Each step-aligned segment
// counts fully when its first instant is a business hour.
func (c Clock) Between(from, to time.Time) float64 {
	if !to.After(from) {
		return 0
	}
	open := c.IsBusinessHour
	if open == nil {
		open = AlwaysOpen
	}
	step := c.Step
	if step <= 0 {
		step = DefaultStep
	}
	var total time.Duration
	for cursor := from; cursor.Before(to); {
		next := cursor.Truncate(step).Add(step)
		if next.After(to) {
			next = to
		}
		if open(cursor) {
			total += next.Sub(cursor)
		}
		cursor = next
	}
	return total.Hours()
}

// StageStart returns when the project entered stage, falling back to createdAt
// when the chronology has no entry for it.
func StageStart(chron domain.Chronology, stage string, createdAt time.Time) time.Time {
	if entry, ok := chron.LastEntryFor(stage); ok {
		return entry.EnteredAt
	}
	return createdAt
}

// ElapsedBusinessHours measures time spent in the current stage up to now.
func (c Clock) ElapsedBusinessHours(chron domain.Chronology, currentStage string, createdAt time.Time) float64 {
	return c.Between(StageStart(chron, currentStage, createdAt), c.now())
}

// IsOverdue reports whether elapsed hours reached the stage limit. Stages
// without a limit are never overdue.
func IsOverdue(stage domain.Stage, elapsedHours float64) bool {
	if !stage.Monitored() {
		return false
	}
	return elapsedHours >= *stage.MaxInstanceTimeHours
}
