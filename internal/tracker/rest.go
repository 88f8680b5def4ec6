package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"ideaforge/internal/provider"
)

const providerName = "tracker"

// RESTConfig configures the generic REST tracker client.
type RESTConfig struct {
	BaseURL string        `json:"base_url"`
	Token   string        `json:"token"`
	Timeout time.Duration `json:"timeout"`
	// Bulk advertises POST /issues/bulk support. Trackers without the
	// endpoint get per-issue creates from the writer.
	Bulk bool `json:"bulk"`
}

// RESTTracker talks to a tracker exposing a plain JSON issue API:
//
//	POST /issues            create one issue
//	POST /issues/bulk       create a batch, per-item results
//	POST /links             link two issues
//	GET  /issues/by-key/{k} look up by external key
//
// The client does no retrying or rate limiting of its own; it classifies
// failures with the provider taxonomy and leaves policy to the caller.
type RESTTracker struct {
	baseURL    string
	token      string
	bulk       bool
	httpClient *http.Client
}

// NewRESTTracker creates a client for the configured tracker.
func NewRESTTracker(cfg RESTConfig) (*RESTTracker, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("tracker base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &RESTTracker{
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		bulk:       cfg.Bulk,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// SupportsBulk reports whether the bulk endpoint is enabled.
func (t *RESTTracker) SupportsBulk() bool { return t.bulk }

type issueResponse struct {
	RemoteID string `json:"remote_id"`
}

type bulkResponse struct {
	Results []struct {
		RemoteID string `json:"remote_id,omitempty"`
		Error    string `json:"error,omitempty"`
		Status   int    `json:"status,omitempty"`
	} `json:"results"`
}

type linkRequest struct {
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
	LinkType string `json:"link_type"`
}

// CreateIssue creates one issue and returns its remote id.
func (t *RESTTracker) CreateIssue(ctx context.Context, req IssueRequest) (string, error) {
	var out issueResponse
	if err := t.post(ctx, "/issues", req, &out); err != nil {
		return "", err
	}
	if out.RemoteID == "" {
		return "", provider.FatalClient(providerName, fmt.Errorf("create response missing remote_id"))
	}
	return out.RemoteID, nil
}

// BulkCreate creates a batch of issues. The transport either accepts or
// rejects the whole batch; accepted batches report per-item outcomes.
func (t *RESTTracker) BulkCreate(ctx context.Context, reqs []IssueRequest) ([]IssueResult, error) {
	var out bulkResponse
	payload := map[string]any{"issues": reqs}
	if err := t.post(ctx, "/issues/bulk", payload, &out); err != nil {
		return nil, err
	}
	if len(out.Results) != len(reqs) {
		return nil, provider.FatalClient(providerName,
			fmt.Errorf("bulk response has %d results for %d issues", len(out.Results), len(reqs)))
	}
	results := make([]IssueResult, len(out.Results))
	for i, r := range out.Results {
		if r.Error != "" {
			results[i].Err = classifyStatus(r.Status, fmt.Errorf("%s", r.Error))
			continue
		}
		results[i].RemoteID = r.RemoteID
	}
	return results, nil
}

// LinkIssues records a typed link between two existing issues.
func (t *RESTTracker) LinkIssues(ctx context.Context, sourceRemoteID, targetRemoteID, linkType string) error {
	return t.post(ctx, "/links", linkRequest{
		SourceID: sourceRemoteID,
		TargetID: targetRemoteID,
		LinkType: linkType,
	}, nil)
}

// LookupByExternalKey resolves the remote id carrying the given key.
func (t *RESTTracker) LookupByExternalKey(ctx context.Context, key string) (string, error) {
	endpoint := t.baseURL + "/issues/by-key/" + url.PathEscape(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", provider.FatalClient(providerName, fmt.Errorf("failed to create request: %w", err))
	}
	t.authorize(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", t.transportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", provider.Retryable(providerName, fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", provider.FatalClient(providerName, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp.StatusCode, fmt.Errorf("lookup returned %d: %s", resp.StatusCode, truncate(body)))
	}

	var out issueResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", provider.FatalClient(providerName, fmt.Errorf("failed to decode lookup response: %w", err))
	}
	return out.RemoteID, nil
}

func (t *RESTTracker) post(ctx context.Context, path string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return provider.FatalClient(providerName, fmt.Errorf("failed to marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return provider.FatalClient(providerName, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	t.authorize(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return t.transportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.Retryable(providerName, fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyStatus(resp.StatusCode, fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, truncate(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return provider.FatalClient(providerName, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func (t *RESTTracker) authorize(req *http.Request) {
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
}

func (t *RESTTracker) transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return provider.Cancelled(providerName, ctx.Err())
	}
	return provider.Retryable(providerName, err)
}

// classifyStatus maps an HTTP status to the provider taxonomy. 409 means
// the external key already exists; the writer recovers via lookup.
func classifyStatus(status int, err error) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return provider.FatalAuth(providerName, err)
	case status == http.StatusConflict:
		return provider.FatalClient(providerName, fmt.Errorf("%w: %v", ErrAlreadyExists, err))
	case status == http.StatusTooManyRequests || status >= 500:
		return provider.Retryable(providerName, err)
	case status >= 400:
		return provider.FatalClient(providerName, err)
	default:
		return provider.Retryable(providerName, err)
	}
}

func truncate(body []byte) string {
	const max = 300
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
