package mocks

import (
	"context"

	"github.com/dukex/flowgraph/pkg/protocol"
	"github.com/stretchr/testify/mock"
)

// MockRecordStore is a mock implementation of protocol.RecordStore interface.
type MockRecordStore struct {
	mock.Mock
}

func (m *MockRecordStore) Query(ctx context.Context, organizationID string, query protocol.RecordQuery) ([]protocol.Record, error) {
	args := m.Called(ctx, organizationID, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]protocol.Record), args.Error(1)
}

func (m *MockRecordStore) Create(ctx context.Context, organizationID, model string, fields map[string]any) (string, error) {
	args := m.Called(ctx, organizationID, model, fields)

	return args.String(0), args.Error(1)
}

func (m *MockRecordStore) Update(ctx context.Context, organizationID, model, id string, fields map[string]any) error {
	args := m.Called(ctx, organizationID, model, id, fields)

	return args.Error(0)
}

// MockSender is a mock implementation of protocol.Sender interface.
type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, msg protocol.Message) error {
	args := m.Called(ctx, msg)

	return args.Error(0)
}

// MockPermissionChecker is a mock implementation of protocol.PermissionChecker interface.
type MockPermissionChecker struct {
	mock.Mock
}

func (m *MockPermissionChecker) RequirePermission(ctx context.Context, organizationID, actor, action string) error {
	args := m.Called(ctx, organizationID, actor, action)

	return args.Error(0)
}
