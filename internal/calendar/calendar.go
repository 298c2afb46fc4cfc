package calendar

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// Spec describes a working calendar in configuration terms.
type Spec struct {
	Timezone string
	Days     []string
	Start    string
	End      string
	Holidays []string
}

// Calendar answers whether an instant falls inside working time.
type Calendar struct {
	loc      *time.Location
	days     [7]bool
	start    int
	end      int
	holidays map[string]struct{}
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// DefaultDays is the working week used when a schedule lists none.
var DefaultDays = []string{"mon", "tue", "wed", "thu", "fri"}

// New builds a calendar. Empty values default to UTC, Monday to Friday, 09:00-17:00.
func New(s Spec) (*Calendar, error) {
	c := &Calendar{holidays: map[string]struct{}{}}
	tz := s.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("calendar timezone %q: %w", tz, err)
	}
	c.loc = loc
	days := s.Days
	if len(days) == 0 {
		days = DefaultDays
	}
	for _, d := range days {
		wd, ok := weekdays[strings.ToLower(strings.TrimSpace(d))]
		if !ok {
			return nil, fmt.Errorf("calendar day %q is not a weekday", d)
		}
		c.days[wd] = true
	}
	if c.start, err = parseClock(s.Start, "09:00"); err != nil {
		return nil, err
	}
	if c.end, err = parseClock(s.End, "17:00"); err != nil {
		return nil, err
	}
	if c.end <= c.start {
		return nil, fmt.Errorf("calendar window %s-%s is empty", s.Start, s.End)
	}
	for _, h := range s.Holidays {
		day, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(h), loc)
		if err != nil {
			return nil, fmt.Errorf("calendar holiday %q: expected YYYY-MM-DD", h)
		}
		c.holidays[day.Format("2006-01-02")] = struct{}{}
	}
	return c, nil
}

func parseClock(v, fallback string) (int, error) {
	if v == "" {
		v = fallback
	}
	t, err := time.Parse("15:04", v)
	if err != nil {
		if v == "24:00" {
			return 24 * 60, nil
		}
		return 0, fmt.Errorf("calendar time %q: expected HH:MM", v)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Location returns the calendar's timezone.
func (c *Calendar) Location() *time.Location { return c.loc }

// IsBusinessHour reports whether t lies in a working window on a working day.
func (c *Calendar) IsBusinessHour(t time.Time) bool {
	local := t.In(c.loc)
	if !c.days[local.Weekday()] {
		return false
	}
	if _, ok := c.holidays[local.Format("2006-01-02")]; ok {
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	return minute >= c.start && minute < c.end
}
