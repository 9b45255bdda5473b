package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/outflow/outflow-backend/pkg/logger"
	"github.com/outflow/outflow-backend/pkg/messaging"
)

// UserClient calls the user service for role information
type UserClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewUserClient creates a new user service client
func NewUserClient(baseURL string, log *logger.Logger) *UserClient {
	return &UserClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     log.WithComponent("user-client"),
	}
}

// Role is a role as the user service returns it
type Role struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Level       int      `json:"level"`
	Permissions []string `json:"permissions"`
}

// GetRole fetches a role by id
func (c *UserClient) GetRole(ctx context.Context, roleID string) (*Role, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/roles/"+url.PathEscape(roleID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if id := messaging.CorrelationID(ctx); id != "" {
		httpReq.Header.Set("X-Request-ID", id)
	}

	c.logger.Debug().Str("role_id", roleID).Msg("fetching role")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call user service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("role not found: %s", roleID)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, fmt.Errorf("get role failed with status %d: %v", resp.StatusCode, errResp)
	}

	// user service wraps responses in {"success": true, "data": ...}
	var response struct {
		Success bool `json:"success"`
		Data    Role `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &response.Data, nil
}

// GetRolePermissions returns the permissions granted to roleID
func (c *UserClient) GetRolePermissions(ctx context.Context, roleID string) ([]string, error) {
	role, err := c.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	return role.Permissions, nil
}
