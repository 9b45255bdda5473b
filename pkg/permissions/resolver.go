package permissions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/outflow/outflow-backend/pkg/cache"
	"github.com/outflow/outflow-backend/pkg/logger"
)

// RoleSource loads the permissions granted to a role
type RoleSource interface {
	GetRolePermissions(ctx context.Context, roleID string) ([]string, error)
}

// Resolver resolves role permissions through a TTL cache in front of a RoleSource.
type Resolver struct {
	cache  cache.Cache
	source RoleSource
	ttl    time.Duration
	logger *logger.Logger
}

// NewResolver creates a permission resolver
func NewResolver(c cache.Cache, source RoleSource, ttl time.Duration, log *logger.Logger) *Resolver {
	return &Resolver{
		cache:  c,
		source: source,
		ttl:    ttl,
		logger: log.WithComponent("permission-resolver"),
	}
}

func roleKey(roleID string) string {
	return "role-permissions:" + roleID
}

// RolePermissions returns the permissions of roleID. Cache failures fall
// through to the source; source failures are returned.
func (r *Resolver) RolePermissions(ctx context.Context, roleID string) ([]string, error) {
	if roleID == "" {
		return nil, nil
	}

	raw, found, err := r.cache.Get(ctx, roleKey(roleID))
	if err != nil {
		r.logger.Warn().Err(err).Str("role_id", roleID).Msg("permission cache read failed")
	}
	if found {
		var perms []string
		if err := json.Unmarshal(raw, &perms); err == nil {
			return perms, nil
		}
	}

	perms, err := r.source.GetRolePermissions(ctx, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load role permissions: %w", err)
	}

	if encoded, err := json.Marshal(perms); err == nil {
		if err := r.cache.Set(ctx, roleKey(roleID), encoded, r.ttl); err != nil {
			r.logger.Warn().Err(err).Str("role_id", roleID).Msg("permission cache write failed")
		}
	}

	return perms, nil
}

// Invalidate drops the cached permissions of roleID
func (r *Resolver) Invalidate(ctx context.Context, roleID string) error {
	return r.cache.Delete(ctx, roleKey(roleID))
}
