package permissions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/outflow/outflow-backend/pkg/cache"
	"github.com/outflow/outflow-backend/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRoleSource struct {
	perms map[string][]string
	err   error
	calls int
}

func (s *stubRoleSource) GetRolePermissions(_ context.Context, roleID string) ([]string, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.perms[roleID], nil
}

func TestResolver_CachesRolePermissions(t *testing.T) {
	ctx := context.Background()
	source := &stubRoleSource{perms: map[string][]string{"picker": {AllocationsRead, FulfillmentsUpdate}}}
	r := NewResolver(cache.NewMemoryCache(), source, time.Minute, logger.Nop())

	first, err := r.RolePermissions(ctx, "picker")
	require.NoError(t, err)
	second, err := r.RolePermissions(ctx, "picker")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, source.calls)

	require.NoError(t, r.Invalidate(ctx, "picker"))
	_, err = r.RolePermissions(ctx, "picker")
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls)
}

func TestResolver_SourceError(t *testing.T) {
	source := &stubRoleSource{err: errors.New("user service down")}
	r := NewResolver(cache.NewMemoryCache(), source, time.Minute, logger.Nop())

	_, err := r.RolePermissions(context.Background(), "picker")
	assert.Error(t, err)
}

func TestResolver_EmptyRole(t *testing.T) {
	source := &stubRoleSource{}
	r := NewResolver(cache.NewMemoryCache(), source, time.Minute, logger.Nop())

	perms, err := r.RolePermissions(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, perms)
	assert.Equal(t, 0, source.calls)
}
