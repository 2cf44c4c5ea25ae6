package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// StaffClient resolves roles through the staff service's HTTP API
type StaffClient struct {
	httpClient  *http.Client
	baseURL     string
	rateLimiter *rate.Limiter
}

// NewStaffClient creates a client limited to rps requests per second
func NewStaffClient(baseURL string, rps float64) *StaffClient {
	if rps <= 0 {
		rps = 20
	}
	return &StaffClient{
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		baseURL:     strings.TrimRight(baseURL, "/"),
		rateLimiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

type staffRolesResponse struct {
	UserID string   `json:"userId"`
	Roles  []string `json:"roles"`
}

// GetUserRoles implements RoleResolver. A user the staff service does not
// know has no roles.
func (c *StaffClient) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	fullURL := fmt.Sprintf("%s/api/v1/staff/%s/roles", c.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("staff service request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound {
		return []string{}, nil
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("staff service error (status %d): %s", resp.StatusCode, string(body))
	}

	var parsed staffRolesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse staff roles response: %w", err)
	}
	if parsed.Roles == nil {
		parsed.Roles = []string{}
	}
	return parsed.Roles, nil
}
