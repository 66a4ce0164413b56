// Package permission provides protocol.PermissionChecker implementations.
package permission

import (
	"context"
	"fmt"
	"slices"

	"github.com/dukex/flowgraph/pkg/protocol"
)

// Wildcard grants every action.
const Wildcard = "*"

// AllowAll authorizes every request.
type AllowAll struct{}

func (AllowAll) RequirePermission(context.Context, string, string, string) error {
	return nil
}

// Static authorizes actors from a fixed role table.
type Static struct {
	// Roles maps a role name to the actions it grants.
	Roles map[string][]string
	// Members maps "organization/actor" or "actor" to role names.
	Members map[string][]string
}

func (s Static) RequirePermission(_ context.Context, organizationID, actor, action string) error {
	roles := append(slices.Clone(s.Members[organizationID+"/"+actor]), s.Members[actor]...)

	for _, role := range roles {
		granted := s.Roles[role]
		if slices.Contains(granted, action) || slices.Contains(granted, Wildcard) {
			return nil
		}
	}

	return fmt.Errorf("%w: %s may not %s in organization %s", protocol.ErrForbidden, actor, action, organizationID)
}
