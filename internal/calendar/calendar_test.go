package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stageline/internal/domain"
)

// 2026-10-12 is a Monday.
func at(day, hour, minute int) time.Time {
	return time.Date(2026, time.October, day, hour, minute, 0, 0, time.UTC)
}

func officeHours(t *testing.T, holidays ...string) *Calendar {
	t.Helper()
	cal, err := New(Spec{Timezone: "UTC", Start: "09:00", End: "17:00", Holidays: holidays})
	require.NoError(t, err)
	return cal
}

func TestIsBusinessHour(t *testing.T) {
	cal := officeHours(t, "2026-10-14")
	require.True(t, cal.IsBusinessHour(at(12, 9, 0)))
	require.True(t, cal.IsBusinessHour(at(12, 16, 59)))
	require.False(t, cal.IsBusinessHour(at(12, 17, 0)))
	require.False(t, cal.IsBusinessHour(at(12, 8, 45)))
	require.False(t, cal.IsBusinessHour(at(10, 12, 0)), "saturday")
	require.False(t, cal.IsBusinessHour(at(14, 12, 0)), "holiday")
}

func TestIsBusinessHourUsesCalendarZone(t *testing.T) {
	cal, err := New(Spec{Timezone: "America/New_York"})
	require.NoError(t, err)
	// 13:30 UTC is 09:30 in New York during daylight saving time.
	require.True(t, cal.IsBusinessHour(at(12, 13, 30)))
	require.False(t, cal.IsBusinessHour(at(12, 12, 30)))
}

func TestNewRejectsBadSpecs(t *testing.T) {
	_, err := New(Spec{Timezone: "Mars/Olympus"})
	require.Error(t, err)
	_, err = New(Spec{Days: []string{"funday"}})
	require.Error(t, err)
	_, err = New(Spec{Start: "18:00", End: "09:00"})
	require.Error(t, err)
	_, err = New(Spec{Holidays: []string{"12/25"}})
	require.Error(t, err)
}

func TestBetweenSkipsNightsAndWeekends(t *testing.T) {
	clock := Clock{IsBusinessHour: officeHours(t).IsBusinessHour}
	require.InDelta(t, 9.0, clock.Between(at(12, 9, 0), at(13, 10, 0)), 1e-9)
	// Friday 16:00 to Monday 10:00.
	require.InDelta(t, 2.0, clock.Between(at(9, 16, 0), at(12, 10, 0)), 1e-9)
	require.InDelta(t, 0.5, clock.Between(at(12, 16, 30), at(12, 20, 0)), 1e-9)
	require.Zero(t, clock.Between(at(12, 10, 0), at(12, 9, 0)))
}

func TestBetweenHonoursPartialSegments(t *testing.T) {
	clock := Clock{}
	require.InDelta(t, 10.0/60.0, clock.Between(at(12, 9, 5), at(12, 9, 15)), 1e-9)
}

func TestElapsedFromLastEntryOfCurrentStage(t *testing.T) {
	now := at(13, 10, 0)
	clock := Clock{IsBusinessHour: officeHours(t).IsBusinessHour, Now: func() time.Time { return now }}
	chron := domain.Chronology{
		{Stage: "intake", EnteredAt: at(5, 9, 0)},
		{Stage: "in_progress", EnteredAt: at(6, 9, 0)},
		{Stage: "intake", EnteredAt: at(8, 9, 0)},
		{Stage: "in_progress", EnteredAt: at(12, 9, 0)},
	}
	require.InDelta(t, 9.0, clock.ElapsedBusinessHours(chron, "in_progress", at(1, 9, 0)), 1e-9)
}

func TestElapsedFallsBackToCreatedAt(t *testing.T) {
	now := at(12, 16, 0)
	clock := Clock{IsBusinessHour: officeHours(t).IsBusinessHour, Now: func() time.Time { return now }}
	require.InDelta(t, 7.0, clock.ElapsedBusinessHours(nil, "intake", at(12, 9, 0)), 1e-9)
}

func TestElapsedResetsAfterFreshEntry(t *testing.T) {
	now := at(13, 10, 0)
	clock := Clock{IsBusinessHour: officeHours(t).IsBusinessHour, Now: func() time.Time { return now }}
	chron := domain.Chronology{
		{Stage: "intake", EnteredAt: at(5, 9, 0)},
		{Stage: "in_progress", EnteredAt: now},
	}
	require.InDelta(t, 0.0, clock.ElapsedBusinessHours(chron, "in_progress", at(5, 9, 0)), 1e-9)
}

func TestIsOverdue(t *testing.T) {
	limit := 8.0
	stage := domain.Stage{Name: "in_progress", MaxInstanceTimeHours: &limit}
	clock := Clock{IsBusinessHour: officeHours(t).IsBusinessHour}

	nine := clock.Between(at(12, 9, 0), at(13, 10, 0))
	seven := clock.Between(at(12, 9, 0), at(12, 16, 0))
	require.True(t, IsOverdue(stage, nine))
	require.False(t, IsOverdue(stage, seven))
	require.True(t, IsOverdue(stage, 8))

	zero := 0.0
	require.False(t, IsOverdue(domain.Stage{MaxInstanceTimeHours: &zero}, 1000))
	require.False(t, IsOverdue(domain.Stage{}, 1000))
}
