// Package scheduler fires the SCHEDULE nodes of active workflows.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/dukex/flowgraph/pkg/models"
	"github.com/dukex/flowgraph/pkg/otelhelper"
	"github.com/dukex/flowgraph/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Dispatcher starts an execution for a schedule fire.
type Dispatcher interface {
	Submit(ctx context.Context, workflowID string, payload models.TriggerPayload) (*models.Execution, error)
}

type Config struct {
	// PollInterval is the time between two scans of the active workflows.
	PollInterval time.Duration
	// LockTTL bounds how long a fired slot stays locked.
	LockTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
		LockTTL:      5 * time.Minute,
	}
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// entry tracks the upcoming fire of one schedule node.
type entry struct {
	signature string
	next      time.Time
}

type Scheduler struct {
	store      persistence.Persistence
	dispatcher Dispatcher
	locker     Locker
	logger     *slog.Logger
	tracer     trace.Tracer
	config     Config
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

func New(
	store persistence.Persistence,
	dispatcher Dispatcher,
	locker Locker,
	logger *slog.Logger,
	config Config,
	opts ...Option,
) *Scheduler {
	defaults := DefaultConfig()

	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}

	if config.LockTTL <= 0 {
		config.LockTTL = defaults.LockTTL
	}

	s := &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		locker:     locker,
		logger:     logger.With("module", "scheduler"),
		tracer:     otelhelper.Tracer("flowgraph/scheduler"),
		config:     config,
		now:        func() time.Time { return time.Now().UTC() },
		entries:    make(map[string]*entry),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// NextFire returns the first fire of cfg strictly after after, or the zero
// time when the schedule has ended.
func (s *Scheduler) NextFire(cfg models.ScheduleConfig, after time.Time) (time.Time, error) {
	return cfg.NextFire(after)
}

// Run polls until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scheduler started", "poll_interval", s.config.PollInterval)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		err := s.Tick(ctx)
		if err != nil {
			s.logger.ErrorContext(ctx, "schedule poll failed", "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "scheduler stopped")

			return nil
		case <-ticker.C:
		}
	}
}

// Tick scans every active workflow once and fires the schedules that are due.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	workflows, err := s.store.Workflows().ListActive(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list active workflows: %w", err)
	}

	seen := make(map[string]bool)

	var errs []error

	for _, workflow := range workflows {
		nodes, err := s.store.Graph().FindNodes(ctx, workflow.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("workflow %s: %w", workflow.ID, err))

			continue
		}

		for _, node := range nodes {
			cfg, ok := node.Config.(*models.ScheduleConfig)
			if !ok || !cfg.Active {
				continue
			}

			key := workflow.ID + ":" + node.NodeID
			seen[key] = true

			err = s.visit(ctx, workflow, node, cfg, key, now)
			if err != nil {
				errs = append(errs, err)
			}
		}
	}

	for key := range s.entries {
		if !seen[key] {
			delete(s.entries, key)
		}
	}

	return errors.Join(errs...)
}

func (s *Scheduler) visit(ctx context.Context, workflow *models.Workflow, node *models.Node, cfg *models.ScheduleConfig, key string, now time.Time) error {
	signature := scheduleSignature(cfg)

	current, ok := s.entries[key]
	if !ok || current.signature != signature {
		next, err := cfg.NextFire(now)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", key, err)
		}

		s.entries[key] = &entry{signature: signature, next: next}

		s.logger.DebugContext(ctx, "schedule registered", "schedule", key, "next_fire_at", next)

		return nil
	}

	if current.next.IsZero() || now.Before(current.next) {
		return nil
	}

	return s.fire(ctx, workflow, node, cfg, key, current, now)
}

func (s *Scheduler) fire(
	ctx context.Context,
	workflow *models.Workflow,
	node *models.Node,
	cfg *models.ScheduleConfig,
	key string,
	current *entry,
	now time.Time,
) error {
	due := current.next

	ctx, span := s.tracer.Start(ctx, "scheduler.fire", trace.WithAttributes(
		attribute.String(otelhelper.WorkflowIDKey, workflow.ID),
		attribute.String(otelhelper.NodeIDKey, node.NodeID),
		attribute.String("flowgraph.schedule.due_at", due.Format(time.RFC3339)),
	))
	defer span.End()

	next, err := cfg.NextFire(now)
	if err != nil {
		otelhelper.SetError(span, err)

		return fmt.Errorf("schedule %s: %w", key, err)
	}

	logger := s.logger.With("workflow_id", workflow.ID, "node_id", node.NodeID, "due_at", due)

	slot := key + ":" + strconv.FormatInt(due.Unix(), 10)

	acquired, err := s.locker.Acquire(ctx, slot, s.config.LockTTL)
	if err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	if !acquired {
		logger.DebugContext(ctx, "schedule slot taken by another scheduler")

		current.next = next

		return nil
	}

	active, err := s.store.Executions().CountActive(ctx, workflow.ID)
	if err != nil {
		_ = s.locker.Release(ctx, slot)
		otelhelper.SetError(span, err)

		return fmt.Errorf("failed to count active executions: %w", err)
	}

	if active > 0 {
		switch cfg.OverlapPolicy {
		case models.OverlapDefer:
			logger.InfoContext(ctx, "schedule deferred, previous run still active", "active", active)

			return s.locker.Release(ctx, slot)
		case models.OverlapAllow:
		default:
			logger.InfoContext(ctx, "schedule skipped, previous run still active", "active", active, "next_fire_at", next)

			current.next = next

			return nil
		}
	}

	current.next = next

	execution, err := s.dispatcher.Submit(ctx, workflow.ID, models.TriggerPayload{
		OrganizationID: workflow.OrganizationID,
		Event:          models.TriggerEventSchedule,
		ScheduleNodeID: node.NodeID,
		Data:           fireData(cfg, due, next),
		OccurredAt:     now,
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return fmt.Errorf("failed to dispatch schedule %s: %w", key, err)
	}

	span.SetAttributes(attribute.String(otelhelper.ExecutionIDKey, execution.ID))
	logger.InfoContext(ctx, "schedule fired", "execution_id", execution.ID, "next_fire_at", next)

	return nil
}

func fireData(cfg *models.ScheduleConfig, due, next time.Time) map[string]any {
	metadata := maps.Clone(cfg.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}

	data := map[string]any{
		"fired_at":     due.Format(time.RFC3339),
		"next_fire_at": nil,
		"cron":         cfg.Cron,
		"timezone":     cfg.Timezone,
		"metadata":     metadata,
	}

	if !next.IsZero() {
		data["next_fire_at"] = next.Format(time.RFC3339)
	}

	return data
}

// scheduleSignature changes whenever an edit moves the fire times.
func scheduleSignature(cfg *models.ScheduleConfig) string {
	signature := cfg.Cron + "|" + cfg.Timezone

	if cfg.StartAt != nil {
		signature += "|" + cfg.StartAt.UTC().Format(time.RFC3339Nano)
	}

	signature += "|"

	if cfg.EndAt != nil {
		signature += cfg.EndAt.UTC().Format(time.RFC3339Nano)
	}

	return signature
}
