package permission

import (
	"context"
	"testing"

	"github.com/dukex/flowgraph/pkg/protocol"
	"github.com/stretchr/testify/assert"
)

func TestStatic_RequirePermission(t *testing.T) {
	checker := Static{
		Roles: map[string][]string{
			"admin":  {Wildcard},
			"editor": {protocol.ActionWorkflowRead, protocol.ActionWorkflowWrite, protocol.ActionGraphSync},
		},
		Members: map[string][]string{
			"org-1/alice": {"editor"},
			"root":        {"admin"},
		},
	}
	ctx := context.Background()

	assert.NoError(t, checker.RequirePermission(ctx, "org-1", "alice", protocol.ActionGraphSync))
	assert.ErrorIs(t, checker.RequirePermission(ctx, "org-1", "alice", protocol.ActionWorkflowDelete), protocol.ErrForbidden)
	assert.ErrorIs(t, checker.RequirePermission(ctx, "org-2", "alice", protocol.ActionWorkflowRead), protocol.ErrForbidden)
	assert.NoError(t, checker.RequirePermission(ctx, "org-2", "root", protocol.ActionWorkflowDelete))
	assert.ErrorIs(t, checker.RequirePermission(ctx, "org-1", "mallory", protocol.ActionWorkflowRead), protocol.ErrForbidden)
}

func TestAllowAll(t *testing.T) {
	assert.NoError(t, AllowAll{}.RequirePermission(context.Background(), "org", "anyone", protocol.ActionApprove))
}
