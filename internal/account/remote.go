package account

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/petervdpas/pairline/internal/util"
)

// RemoteProvider asks the accounts service over HTTP:
//
//	GET {base}/api/accounts/{id}/status → {"premium": true}
type RemoteProvider struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewRemoteProvider(baseURL, token string) *RemoteProvider {
	return &RemoteProvider{
		baseURL: util.NormalizeURL(baseURL),
		token:   token,
		client:  &http.Client{Timeout: util.DefaultFetchTimeout},
	}
}

func (p *RemoteProvider) PremiumStatus(ctx context.Context, userID string) (bool, error) {
	reqURL := fmt.Sprintf("%s/api/accounts/%s/status", p.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return false, err
	}
	setAuthHeader(req, p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("accounts service: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("accounts service: status %d", resp.StatusCode)
	}

	var result struct {
		Premium bool `json:"premium"`
	}
	if err := readJSON(resp, &result); err != nil {
		return false, fmt.Errorf("accounts service: decode: %w", err)
	}
	return result.Premium, nil
}

// readJSON reads resp.Body and unmarshals JSON into v.
func readJSON(resp *http.Response, v any) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// setAuthHeader sets Bearer authorization if token is non-empty.
func setAuthHeader(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
