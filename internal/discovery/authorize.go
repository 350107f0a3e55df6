package discovery

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/dray-io/placement/internal/faults"
	"github.com/dray-io/placement/internal/metadata/keys"
	"github.com/dray-io/placement/internal/naming"
)

// AuthorizationFunc reports whether role may look up dest.
type AuthorizationFunc func(ctx context.Context, dest naming.DestinationName, role string) (bool, error)

// AuthorizationConfig configures Registry.Authorize.
type AuthorizationConfig struct {
	Enabled    bool
	SuperUsers []string
	// CanLookup is the external authorization provider. Nil denies, leaving
	// only tenant admins and super users.
	CanLookup AuthorizationFunc
}

// TenantPolicy is the part of a tenant document consulted by Authorize.
type TenantPolicy struct {
	AdminRoles      []string `json:"adminRoles"`
	AllowedClusters []string `json:"allowedClusters,omitempty"`
}

// Authorize checks that role may look up dest. A role the provider denies
// is still allowed when it administers the destination's tenant.
func (r *Registry) Authorize(ctx context.Context, dest naming.DestinationName, role string) error {
	const op = "authorize"
	auth := r.cfg.Authorization
	if !auth.Enabled || slices.Contains(auth.SuperUsers, role) {
		return nil
	}

	if auth.CanLookup != nil {
		ok, err := auth.CanLookup(ctx, dest, role)
		if err != nil {
			return faults.Transport(op, err)
		}
		if ok {
			return nil
		}
	}

	tenant := dest.Tenant()
	res, err := r.store.Get(ctx, keys.TenantPolicyKey(tenant))
	if err != nil {
		return faults.Transport(op, err)
	}
	if !res.Exists {
		return faults.NotFound(op, "tenant does not exist: "+tenant)
	}
	var policy TenantPolicy
	if err := json.Unmarshal(res.Value, &policy); err != nil {
		return faults.Malformed(op, err)
	}
	if slices.Contains(policy.AdminRoles, role) {
		return nil
	}
	return faults.Forbidden(op, "role "+role+" is not authorized to look up "+dest.String())
}
