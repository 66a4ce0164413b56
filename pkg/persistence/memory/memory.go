// Package memory provides an in-process graph store backed by go-memdb.
//
// A unit of work holds the memdb write transaction for its whole lifetime, so
// units of work run one at a time. Auto-committed writes open their own write
// transaction and must not be issued from a goroutine that holds a unit of work.
package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/flowgraph/pkg/persistence"
	memdb "github.com/hashicorp/go-memdb"
)

const (
	tableWorkflows   = "workflows"
	tableNodes       = "nodes"
	tableConnections = "connections"
	tableExecutions  = "executions"
	tableAttempts    = "attempts"

	indexID        = "id"
	indexWorkflow  = "workflow"
	indexOrgName   = "org_name"
	indexStatus    = "status"
	indexLogical   = "logical"
	indexSource    = "source"
	indexTarget    = "target"
	indexExecution = "execution"
)

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableWorkflows: {
				Name: tableWorkflows,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {Name: indexID, Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					indexOrgName: {
						Name:         indexOrgName,
						AllowMissing: true,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "OrganizationID"},
							&memdb.StringFieldIndex{Field: "Name"},
						}},
					},
					indexStatus: {Name: indexStatus, AllowMissing: true, Indexer: &memdb.StringFieldIndex{Field: "Status"}},
				},
			},
			tableNodes: {
				Name: tableNodes,
				Indexes: map[string]*memdb.IndexSchema{
					indexID:       {Name: indexID, Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					indexWorkflow: {Name: indexWorkflow, Indexer: &memdb.StringFieldIndex{Field: "WorkflowID"}},
					indexLogical: {
						Name:   indexLogical,
						Unique: true,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "WorkflowID"},
							&memdb.StringFieldIndex{Field: "NodeID"},
						}},
					},
				},
			},
			tableConnections: {
				Name: tableConnections,
				Indexes: map[string]*memdb.IndexSchema{
					indexID:       {Name: indexID, Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					indexWorkflow: {Name: indexWorkflow, Indexer: &memdb.StringFieldIndex{Field: "WorkflowID"}},
					indexSource:   {Name: indexSource, Indexer: &memdb.StringFieldIndex{Field: "SourceID"}},
					indexTarget:   {Name: indexTarget, Indexer: &memdb.StringFieldIndex{Field: "TargetID"}},
				},
			},
			tableExecutions: {
				Name: tableExecutions,
				Indexes: map[string]*memdb.IndexSchema{
					indexID:       {Name: indexID, Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					indexWorkflow: {Name: indexWorkflow, Indexer: &memdb.StringFieldIndex{Field: "WorkflowID"}},
				},
			},
			tableAttempts: {
				Name: tableAttempts,
				Indexes: map[string]*memdb.IndexSchema{
					indexID:        {Name: indexID, Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					indexExecution: {Name: indexExecution, Indexer: &memdb.StringFieldIndex{Field: "ExecutionID"}},
				},
			},
		},
	}
}

// Persistence implements persistence.Persistence in memory.
type Persistence struct {
	db     *memdb.MemDB
	logger *slog.Logger
}

// NewPersistence creates an empty in-memory store.
func NewPersistence(logger *slog.Logger) (*Persistence, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory database: %w", err)
	}

	return &Persistence{db: db, logger: logger}, nil
}

// Begin opens the write transaction backing a unit of work.
func (p *Persistence) Begin(_ context.Context) (persistence.UnitOfWork, error) {
	return &unitOfWork{store: store{db: p.db, txn: p.db.Txn(true), logger: p.logger}}, nil
}

func (p *Persistence) Workflows() persistence.WorkflowRepository {
	return &WorkflowRepository{store: p.store()}
}

func (p *Persistence) Graph() persistence.GraphRepository {
	return &GraphRepository{store: p.store()}
}

func (p *Persistence) Executions() persistence.ExecutionRepository {
	return &ExecutionRepository{store: p.store()}
}

func (p *Persistence) store() store {
	return store{db: p.db, logger: p.logger}
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}

type unitOfWork struct {
	store

	done bool
}

func (u *unitOfWork) Workflows() persistence.WorkflowRepository {
	return &WorkflowRepository{store: u.store}
}

func (u *unitOfWork) Graph() persistence.GraphRepository {
	return &GraphRepository{store: u.store}
}

func (u *unitOfWork) Executions() persistence.ExecutionRepository {
	return &ExecutionRepository{store: u.store}
}

func (u *unitOfWork) Commit() error {
	if u.done {
		return persistence.ErrTransactionDone
	}

	u.done = true
	u.txn.Commit()

	return nil
}

func (u *unitOfWork) Rollback() error {
	if u.done {
		return nil
	}

	u.done = true
	u.txn.Abort()

	return nil
}

// store runs repository operations either inside a unit of work or in
// short-lived transactions of their own.
type store struct {
	db     *memdb.MemDB
	txn    *memdb.Txn
	logger *slog.Logger
}

func (s store) read(fn func(txn *memdb.Txn) error) error {
	if s.txn != nil {
		return fn(s.txn)
	}

	txn := s.db.Txn(false)
	defer txn.Abort()

	return fn(txn)
}

func (s store) write(fn func(txn *memdb.Txn) error) error {
	if s.txn != nil {
		return fn(s.txn)
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	err := fn(txn)
	if err != nil {
		return err
	}

	txn.Commit()

	return nil
}

func collect[T any](txn *memdb.Txn, table, index string, args ...any) ([]*T, error) {
	it, err := txn.Get(table, index, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", table, err)
	}

	var out []*T

	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(*T))
	}

	return out, nil
}
