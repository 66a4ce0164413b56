package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dukex/flowgraph/pkg/models"
	"github.com/dukex/flowgraph/pkg/protocol"
	"github.com/dukex/flowgraph/pkg/template"
)

// handler performs the work of one node type. Returned errors are retried
// unless marked permanent.
type handler func(ctx context.Context, r *run, f *frame, node *models.Node) (result, error)

func defaultHandlers() map[models.NodeType]handler {
	return map[models.NodeType]handler{
		models.NodeTypeTrigger:      runTrigger,
		models.NodeTypeSchedule:     runSchedule,
		models.NodeTypeCondition:    runCondition,
		models.NodeTypeFilter:       runFilter,
		models.NodeTypeQuery:        runQuery,
		models.NodeTypeDelay:        runDelay,
		models.NodeTypeCreateRecord: runCreateRecord,
		models.NodeTypeUpdateRecord: runUpdateRecord,
		models.NodeTypeSendEmail:    runSendEmail,
		models.NodeTypeSendSMS:      runSendSMS,
		models.NodeTypeLoop:         runLoop,
		models.NodeTypeParallel:     runParallel,
		models.NodeTypeApproval:     runApproval,
	}
}

func runTrigger(_ context.Context, _ *run, f *frame, node *models.Node) (result, error) {
	cfg := configOrZero[models.TriggerConfig](node)

	trigger, _ := f.scope.Lookup("trigger")

	return result{key: cfg.ResultKey, value: trigger}, nil
}

// runSchedule starts a schedule fire. Reached from any other start it ends the branch.
func runSchedule(_ context.Context, r *run, _ *frame, node *models.Node) (result, error) {
	payload := r.execution.Trigger
	if payload.Event != models.TriggerEventSchedule || payload.ScheduleNodeID != node.NodeID {
		return result{skipped: true}, nil
	}

	cfg, err := configOf[models.ScheduleConfig](node)
	if err != nil {
		return result{}, err
	}

	return result{key: cfg.ResultKey, value: deepCopyMap(payload.Data)}, nil
}

func runCondition(_ context.Context, _ *run, f *frame, node *models.Node) (result, error) {
	cfg, err := configOf[models.ConditionConfig](node)
	if err != nil {
		return result{}, err
	}

	ok, err := cfg.Group().Evaluate(f.scope.Resolve)
	if err != nil {
		return result{}, permanent(err)
	}

	handle := cfg.FalseHandle
	if ok {
		handle = cfg.TrueHandle
	}

	return result{
		handles: []string{handle},
		key:     cfg.ResultKey,
		value:   map[string]any{"result": ok, "handle": handle},
	}, nil
}

func runFilter(_ context.Context, _ *run, f *frame, node *models.Node) (result, error) {
	cfg, err := configOf[models.FilterConfig](node)
	if err != nil {
		return result{}, err
	}

	items, err := collection(f.scope, cfg.SourceKey)
	if err != nil {
		return result{}, err
	}

	group := cfg.Group()
	kept := make([]any, 0, len(items))

	for _, item := range items {
		ok, err := group.Evaluate(func(path string) (any, bool) {
			if v, found := lookupPath(item, path); found {
				return v, true
			}

			return f.scope.Resolve(path)
		})
		if err != nil {
			return result{}, permanent(err)
		}

		if ok {
			kept = append(kept, item)
		}
	}

	return result{key: cfg.ResultKey, value: orFallback(f.scope, kept, cfg.FallbackKey)}, nil
}

func runQuery(ctx context.Context, r *run, f *frame, node *models.Node) (result, error) {
	cfg, err := configOf[models.QueryConfig](node)
	if err != nil {
		return result{}, err
	}

	if r.engine.records == nil {
		return result{}, permanentf("no record store configured")
	}

	filters, err := renderPredicates(cfg.Filters, f.scope)
	if err != nil {
		return result{}, err
	}

	records, err := r.engine.records.Query(ctx, r.execution.OrganizationID, protocol.RecordQuery{
		Model:   cfg.Model,
		Filters: filters,
		OrderBy: cfg.OrderBy,
		Limit:   cfg.Limit,
		Offset:  cfg.Offset,
		Fields:  cfg.Fields,
	})
	if err != nil {
		return result{}, fmt.Errorf("query %s: %w", cfg.Model, err)
	}

	rows := make([]any, 0, len(records))
	for _, record := range records {
		rows = append(rows, map[string]any(record))
	}

	return result{key: cfg.ResultKey, value: orFallback(f.scope, rows, cfg.FallbackKey)}, nil
}

func runDelay(ctx context.Context, r *run, _ *frame, node *models.Node) (result, error) {
	cfg, err := configOf[models.DelayConfig](node)
	if err != nil {
		return result{}, err
	}

	started := r.engine.now()
	timer := time.NewTimer(cfg.Duration())

	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return result{}, context.Cause(ctx)
	}

	return result{key: cfg.ResultKey, value: map[string]any{
		"duration_ms": cfg.DurationMs,
		"started_at":  started.Format(time.RFC3339Nano),
		"resumed_at":  r.engine.now().Format(time.RFC3339Nano),
	}}, nil
}

func runCreateRecord(ctx context.Context, r *run, f *frame, node *models.Node) (result, error) {
	cfg, err := configOf[models.CreateRecordConfig](node)
	if err != nil {
		return result{}, err
	}

	if r.engine.records == nil {
		return result{}, permanentf("no record store configured")
	}

	fields, err := template.RenderFields(cfg.Fields, f.scope.Values())
	if err != nil {
		return result{}, permanent(err)
	}

	id, err := r.engine.records.Create(ctx, r.execution.OrganizationID, cfg.Model, fields)
	if err != nil {
		return result{}, fmt.Errorf("create %s: %w", cfg.Model, err)
	}

	return result{key: cfg.ResultKey, value: id}, nil
}

func runUpdateRecord(ctx context.Context, r *run, f *frame, node *models.Node) (result, error) {
	cfg, err := configOf[models.UpdateRecordConfig](node)
	if err != nil {
		return result{}, err
	}

	if r.engine.records == nil {
		return result{}, permanentf("no record store configured")
	}

	id, err := template.RenderString(cfg.RecordID, f.scope.Values())
	if err != nil {
		return result{}, permanent(err)
	}

	if id == "" {
		return result{}, permanentf("record id %q rendered empty", cfg.RecordID)
	}

	fields, err := template.RenderFields(cfg.Fields, f.scope.Values())
	if err != nil {
		return result{}, permanent(err)
	}

	err = r.engine.records.Update(ctx, r.execution.OrganizationID, cfg.Model, id, fields)
	if err != nil {
		return result{}, fmt.Errorf("update %s %s: %w", cfg.Model, id, err)
	}

	return result{key: cfg.ResultKey, value: id}, nil
}

func runSendEmail(ctx context.Context, r *run, f *frame, node *models.Node) (result, error) {
	cfg, err := configOf[models.SendEmailConfig](node)
	if err != nil {
		return result{}, err
	}

	return r.send(ctx, f, node, protocol.ChannelEmail, cfg.To, cfg.Subject, cfg.Body, cfg.ResultKey)
}

func runSendSMS(ctx context.Context, r *run, f *frame, node *models.Node) (result, error) {
	cfg, err := configOf[models.SendSMSConfig](node)
	if err != nil {
		return result{}, err
	}

	return r.send(ctx, f, node, protocol.ChannelSMS, cfg.To, "", cfg.Body, cfg.ResultKey)
}

func (r *run) send(
	ctx context.Context,
	f *frame,
	node *models.Node,
	channel protocol.Channel,
	to, subject, body, resultKey string,
) (result, error) {
	if r.engine.sender == nil {
		return result{}, permanentf("no %s sender configured", channel)
	}

	data := f.scope.Values()
	msg := protocol.Message{
		OrganizationID: r.execution.OrganizationID,
		ExecutionID:    r.execution.ID,
		NodeID:         node.NodeID,
		Channel:        channel,
	}

	var err error

	for _, field := range []struct {
		dst *string
		src string
	}{{&msg.To, to}, {&msg.Subject, subject}, {&msg.Body, body}} {
		*field.dst, err = template.RenderString(field.src, data)
		if err != nil {
			return result{}, permanent(err)
		}
	}

	if msg.To == "" {
		return result{}, permanentf("recipient %q rendered empty", to)
	}

	err = r.engine.sender.Send(ctx, msg)
	if err != nil {
		return result{}, fmt.Errorf("send %s: %w", channel, err)
	}

	return result{key: resultKey, value: map[string]any{
		"channel": string(channel),
		"to":      msg.To,
		"sent_at": r.engine.now().Format(time.RFC3339),
	}}, nil
}

// collection resolves key to a list. A missing key is an empty list.
func collection(scope *Scope, key string) ([]any, error) {
	value, ok := scope.Resolve(key)
	if !ok || value == nil {
		return nil, nil
	}

	items, ok := models.ToSlice(value)
	if !ok {
		return nil, permanentf("%s is a %T, not a list", key, value)
	}

	return items, nil
}

// orFallback returns the value at fallbackKey when items is empty and a
// fallback is configured.
func orFallback(scope *Scope, items []any, fallbackKey string) any {
	if len(items) > 0 || fallbackKey == "" {
		return items
	}

	fallback, ok := scope.Resolve(fallbackKey)
	if !ok {
		return items
	}

	return fallback
}

// renderPredicates renders templated string values against the scope.
func renderPredicates(predicates []models.Predicate, scope *Scope) ([]models.Predicate, error) {
	out := make([]models.Predicate, len(predicates))

	for i, predicate := range predicates {
		out[i] = predicate

		value, ok := predicate.Value.(string)
		if !ok || !strings.Contains(value, "{{") {
			continue
		}

		rendered, err := template.Render(value, scope.Values())
		if err != nil {
			return nil, permanent(fmt.Errorf("filter %s: %w", predicate.Field, err))
		}

		out[i].Value = rendered
	}

	return out, nil
}
