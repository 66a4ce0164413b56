package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	valid := []string{"0 8 * * 1", "*/5 * * * *", "@daily", "@every 90s"}
	for _, expr := range valid {
		_, err := ParseCron(expr)
		assert.NoError(t, err, expr)
	}

	invalid := []string{"", "not a cron", "61 * * * *", "0 0 * * * *"}
	for _, expr := range invalid {
		_, err := ParseCron(expr)
		assert.ErrorIs(t, err, ErrInvalidSchedule, expr)
	}
}

func TestScheduleConfig_NextFire_Timezone(t *testing.T) {
	config := ScheduleConfig{Cron: "0 8 * * 1", Timezone: "America/New_York", Active: true}

	// Sunday 2025-01-05 12:00 UTC; next Monday 08:00 New York is 13:00 UTC (EST).
	after := time.Date(2025, 1, 5, 12, 0, 0, 0, time.UTC)

	next, err := config.NextFire(after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 6, 13, 0, 0, 0, time.UTC), next)
}

func TestScheduleConfig_NextFire_Bounds(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)
	config := ScheduleConfig{Cron: "0 12 * * *", Timezone: "UTC", StartAt: &start, EndAt: &end}

	next, err := config.NextFire(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), next)

	next, err = config.NextFire(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, next.IsZero())

	assert.False(t, config.InWindow(time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC)))
	assert.True(t, config.InWindow(time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)))
	assert.False(t, config.InWindow(time.Date(2025, 6, 4, 0, 0, 0, 0, time.UTC)))
}

func TestScheduleConfig_NextFire_InvalidTimezone(t *testing.T) {
	config := ScheduleConfig{Cron: "@hourly", Timezone: "Mars/Olympus"}

	_, err := config.NextFire(time.Now())
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestSchedule_AdvanceAndIsDue(t *testing.T) {
	schedule := &Schedule{
		WorkflowID: "wf-1",
		NodeID:     "schedule-1",
		Config:     ScheduleConfig{Cron: "@every 1m", Timezone: "UTC", Active: true},
	}

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, schedule.Advance(now))

	assert.Equal(t, "wf-1:schedule-1", schedule.Key())
	assert.Equal(t, now, schedule.LastFireAt)
	assert.False(t, schedule.IsDue(now))
	assert.True(t, schedule.IsDue(now.Add(time.Minute)))

	schedule.Config.Active = false
	assert.False(t, schedule.IsDue(now.Add(time.Minute)))
}
