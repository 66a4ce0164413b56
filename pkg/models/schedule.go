package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule is returned when a schedule cannot produce fire times.
var ErrInvalidSchedule = errors.New("invalid schedule configuration")

// CronParser accepts standard 5-field expressions and descriptors such as
// @daily or @every 1h.
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses expr with CronParser.
func ParseCron(expr string) (cron.Schedule, error) {
	schedule, err := CronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %w", ErrInvalidSchedule, expr, err)
	}

	return schedule, nil
}

// Location loads the configured IANA timezone.
func (c ScheduleConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %w", ErrInvalidSchedule, c.Timezone, err)
	}

	return loc, nil
}

// InWindow reports whether t falls inside the optional start/end bounds.
func (c ScheduleConfig) InWindow(t time.Time) bool {
	if c.StartAt != nil && t.Before(*c.StartAt) {
		return false
	}

	if c.EndAt != nil && t.After(*c.EndAt) {
		return false
	}

	return true
}

// NextFire returns the first fire time strictly after after, evaluated in the
// configured timezone. A zero time means the schedule will not fire again.
func (c ScheduleConfig) NextFire(after time.Time) (time.Time, error) {
	schedule, err := ParseCron(c.Cron)
	if err != nil {
		return time.Time{}, err
	}

	loc, err := c.Location()
	if err != nil {
		return time.Time{}, err
	}

	from := after
	if c.StartAt != nil && from.Before(*c.StartAt) {
		from = c.StartAt.Add(-time.Nanosecond)
	}

	next := schedule.Next(from.In(loc))
	if next.IsZero() {
		return time.Time{}, nil
	}

	if c.EndAt != nil && next.After(*c.EndAt) {
		return time.Time{}, nil
	}

	return next.UTC(), nil
}

// Schedule tracks when one schedule node of a workflow fires next.
type Schedule struct {
	WorkflowID     string         `json:"workflow_id"`
	NodeID         string         `json:"node_id"`
	OrganizationID string         `json:"organization_id"`
	Config         ScheduleConfig `json:"config"`
	LastFireAt     time.Time      `json:"last_fire_at"`
	NextDueAt      time.Time      `json:"next_due_at"`
}

// Key identifies the schedule across polls.
func (s *Schedule) Key() string {
	return s.WorkflowID + ":" + s.NodeID
}

// IsDue reports whether the schedule should fire at now.
func (s *Schedule) IsDue(now time.Time) bool {
	return s.Config.Active && !s.NextDueAt.IsZero() && !s.NextDueAt.After(now)
}

// Advance records a fire at firedAt and computes the following due time.
func (s *Schedule) Advance(firedAt time.Time) error {
	next, err := s.Config.NextFire(firedAt)
	if err != nil {
		return err
	}

	s.LastFireAt = firedAt
	s.NextDueAt = next

	return nil
}
