package httputil

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/outflow/outflow-backend/pkg/actor"
	"github.com/outflow/outflow-backend/pkg/errors"
	"github.com/outflow/outflow-backend/pkg/logger"
	"github.com/outflow/outflow-backend/pkg/messaging"
	"github.com/outflow/outflow-backend/pkg/permissions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRoles struct {
	perms map[string][]string
	err   error
}

func (s stubRoles) RolePermissions(_ context.Context, roleID string) ([]string, error) {
	return s.perms[roleID], s.err
}

func TestActorMiddleware(t *testing.T) {
	roles := stubRoles{perms: map[string][]string{"role-picker": {permissions.FulfillmentsUpdate}}}

	var got actor.Actor
	h := ActorMiddleware(roles, logger.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = actor.FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/outbound/orders/o1/allocations", nil)
	req.Header.Set(HeaderUserID, "user-1")
	req.Header.Set(HeaderUserEmail, "picker@example.com")
	req.Header.Set(HeaderUserRoleID, "role-picker")
	req.Header.Set(HeaderPermissions, "inventory.ledger.read, outbound.fulfillments.update")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "user-1", got.ID)
	assert.Equal(t, []string{permissions.FulfillmentsUpdate, permissions.LedgerRead}, got.Permissions)
}

func TestActorMiddleware_MissingIdentity(t *testing.T) {
	h := ActorMiddleware(nil, logger.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/outbound/lots/l1/ledger", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestActorMiddleware_ResolverFailure(t *testing.T) {
	h := ActorMiddleware(stubRoles{err: stderrors.New("down")}, logger.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(HeaderUserID, "user-1")
	req.Header.Set(HeaderUserRoleID, "role-x")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequirePermission(t *testing.T) {
	h := RequirePermission(permissions.AllocationsConfirm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	allowed := httptest.NewRequest(http.MethodPost, "/", nil)
	allowed = allowed.WithContext(actor.WithActor(allowed.Context(), actor.Actor{ID: "u", Permissions: []string{"outbound.*"}}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, allowed)
	assert.Equal(t, http.StatusOK, rec.Code)

	denied := httptest.NewRequest(http.MethodPost, "/", nil)
	denied = denied.WithContext(actor.WithActor(denied.Context(), actor.Actor{ID: "u", Permissions: []string{permissions.AllocationsRead}}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, denied)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequestID_SetsCorrelation(t *testing.T) {
	var correlation string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlation = messaging.CorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", correlation)
	assert.Equal(t, "req-42", rec.Header().Get(HeaderRequestID))
}

func TestError_Envelope(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, errors.Conflict("allocation already in flight").WithDetail("order_id", "o1"))

	assert.Equal(t, http.StatusConflict, rec.Code)

	var body Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	assert.False(t, body.Success)
	assert.Equal(t, errors.CodeConflict, body.Error.Code)
	assert.True(t, body.Error.Retryable)
	assert.Equal(t, "o1", body.Error.Details["order_id"])

	rec = httptest.NewRecorder()
	Error(rec, stderrors.New("sql: connection refused"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}
