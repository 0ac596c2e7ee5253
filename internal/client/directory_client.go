// Package client holds outbound integrations: the platform membership
// directory and the NATS lifecycle event publisher.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// DirectoryHTTPClient resolves role references into concrete member IDs by
// calling the platform identity service. Location-aware resolution (e.g.
// "the manager of branch X") happens on the directory side; this client just
// forwards the location.
type DirectoryHTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewDirectoryHTTPClient creates a directory client for the given base URL.
func NewDirectoryHTTPClient(baseURL string, timeout time.Duration) *DirectoryHTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DirectoryHTTPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type membersByRoleResponse struct {
	MemberIDs []string `json:"member_ids"`
}

// ResolveApproversForRole returns the member IDs holding role in the
// organization, optionally narrowed to a location.
func (c *DirectoryHTTPClient) ResolveApproversForRole(ctx context.Context, organizationID, role string, locationID *string) ([]string, error) {
	params := url.Values{}
	params.Set("organization_id", organizationID)
	params.Set("role", role)
	if locationID != nil {
		params.Set("location_id", *locationID)
	}

	endpoint := fmt.Sprintf("%s/api/v1/members/by-role?%s", c.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build directory request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call membership directory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("membership directory returned status %d", resp.StatusCode)
	}

	var body membersByRoleResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode directory response: %w", err)
	}
	return body.MemberIDs, nil
}
