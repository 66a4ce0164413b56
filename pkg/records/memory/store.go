// Package memory is an in-process protocol.RecordStore for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/dukex/flowgraph/pkg/models"
	"github.com/dukex/flowgraph/pkg/protocol"
	"github.com/google/uuid"
	memdb "github.com/hashicorp/go-memdb"
)

// ErrRecordNotFound is returned by Update when the record does not exist.
var ErrRecordNotFound = errors.New("record not found")

const (
	tableRecords = "records"

	indexID    = "id"
	indexModel = "model"
)

type storedRecord struct {
	ID             string
	OrganizationID string
	Model          string
	Fields         map[string]any
	CreatedAt      time.Time
}

// Store keeps records per organization and model.
type Store struct {
	db     *memdb.MemDB
	logger *slog.Logger
}

// NewStore creates an empty record store.
func NewStore(logger *slog.Logger) (*Store, error) {
	db, err := memdb.NewMemDB(&memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableRecords: {
				Name: tableRecords,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {Name: indexID, Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					indexModel: {
						Name: indexModel,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "OrganizationID"},
							&memdb.StringFieldIndex{Field: "Model", Lowercase: true},
						}},
					},
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create record database: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Query(_ context.Context, organizationID string, query protocol.RecordQuery) ([]protocol.Record, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableRecords, indexModel, organizationID, query.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to scan records: %w", err)
	}

	group := models.ConditionGroup{Conditions: query.Filters}

	var matched []*storedRecord

	for obj := it.Next(); obj != nil; obj = it.Next() {
		record := obj.(*storedRecord)

		ok, err := group.Evaluate(resolver(record))
		if err != nil {
			return nil, fmt.Errorf("failed to filter %s records: %w", query.Model, err)
		}

		if ok {
			matched = append(matched, record)
		}
	}

	sortRecords(matched, query.OrderBy)

	if query.Offset >= len(matched) {
		return []protocol.Record{}, nil
	}

	matched = matched[query.Offset:]
	if query.Limit > 0 && len(matched) > query.Limit {
		matched = matched[:query.Limit]
	}

	out := make([]protocol.Record, 0, len(matched))
	for _, record := range matched {
		out = append(out, project(record, query.Fields))
	}

	return out, nil
}

func (s *Store) Create(ctx context.Context, organizationID, model string, fields map[string]any) (string, error) {
	id := uuid.NewString()

	err := s.Insert(organizationID, model, id, fields)
	if err != nil {
		return "", err
	}

	s.logger.DebugContext(ctx, "record created", "organization_id", organizationID, "model", model, "record_id", id)

	return id, nil
}

func (s *Store) Update(ctx context.Context, organizationID, model, id string, fields map[string]any) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	obj, err := txn.First(tableRecords, indexID, id)
	if err != nil {
		return fmt.Errorf("failed to read record: %w", err)
	}

	if obj == nil {
		return fmt.Errorf("%w: %s %s", ErrRecordNotFound, model, id)
	}

	existing := obj.(*storedRecord)
	if existing.OrganizationID != organizationID || !strings.EqualFold(existing.Model, model) {
		return fmt.Errorf("%w: %s %s", ErrRecordNotFound, model, id)
	}

	updated := *existing
	updated.Fields = maps.Clone(existing.Fields)
	maps.Copy(updated.Fields, fields)

	err = txn.Insert(tableRecords, &updated)
	if err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}

	txn.Commit()

	s.logger.DebugContext(ctx, "record updated", "organization_id", organizationID, "model", model, "record_id", id)

	return nil
}

// Insert stores a record under a caller chosen id, replacing any record with that id.
func (s *Store) Insert(organizationID, model, id string, fields map[string]any) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	err := txn.Insert(tableRecords, &storedRecord{
		ID:             id,
		OrganizationID: organizationID,
		Model:          model,
		Fields:         maps.Clone(fields),
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}

	txn.Commit()

	return nil
}

func resolver(record *storedRecord) models.Resolver {
	return func(path string) (any, bool) {
		if path == "id" {
			return record.ID, true
		}

		var current any = record.Fields

		for _, part := range strings.Split(path, ".") {
			m, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}

			current, ok = m[part]
			if !ok {
				return nil, false
			}
		}

		return current, true
	}
}

// sortRecords orders by the given keys, then by creation time. Missing and
// incomparable values sort last.
func sortRecords(records []*storedRecord, orderBy []models.QueryOrder) {
	slices.SortStableFunc(records, func(a, b *storedRecord) int {
		for _, order := range orderBy {
			av, aok := resolver(a)(order.Field)
			bv, bok := resolver(b)(order.Field)

			switch {
			case !aok && !bok:
				continue
			case !aok:
				return 1
			case !bok:
				return -1
			}

			c, err := models.Order(av, bv)
			if err != nil || c == 0 {
				continue
			}

			if order.Direction == models.SortDesc {
				return -c
			}

			return c
		}

		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

func project(record *storedRecord, fields []string) protocol.Record {
	out := protocol.Record{"id": record.ID}

	if len(fields) == 0 {
		maps.Copy(out, record.Fields)

		return out
	}

	for _, field := range fields {
		if value, ok := record.Fields[field]; ok {
			out[field] = value
		}
	}

	return out
}
