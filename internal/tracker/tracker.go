// Package tracker persists a completed hierarchy into an external issue
// tracker: level-by-level topological writes, local-to-remote id mapping,
// parent linkage, idempotent retries keyed on a per-run external key, and
// best-effort dependency links after all levels land.
package tracker

import (
	"context"
	"errors"
)

// ErrNotFound is returned by LookupByExternalKey when no issue carries
// the key.
var ErrNotFound = errors.New("issue not found")

// ErrAlreadyExists marks a create rejected because the external key is
// already taken; the writer recovers the existing remote id via lookup.
var ErrAlreadyExists = errors.New("issue already exists")

// IssueRequest is one issue to create.
type IssueRequest struct {
	Type           string            `json:"type"` // level-specific issue type
	Title          string            `json:"title"`
	Description    string            `json:"description,omitempty"`
	ParentRemoteID string            `json:"parent_remote_id,omitempty"`
	ParentLinkType string            `json:"parent_link_type,omitempty"`
	ExternalKey    string            `json:"external_key"`
	Labels         []string          `json:"labels,omitempty"`
	Fields         map[string]string `json:"fields,omitempty"` // custom fields
}

// IssueResult is one outcome in a bulk response.
type IssueResult struct {
	RemoteID string
	Err      error
}

// Tracker is the consumed issue-tracker surface. Implementations must
// classify transport errors with the provider taxonomy so the caller can
// retry the right ones.
type Tracker interface {
	CreateIssue(ctx context.Context, req IssueRequest) (string, error)
	// BulkCreate returns one result per request, in request order.
	// Implementations that cannot batch should report SupportsBulk false;
	// the writer then falls back to per-item creates.
	BulkCreate(ctx context.Context, reqs []IssueRequest) ([]IssueResult, error)
	SupportsBulk() bool
	LinkIssues(ctx context.Context, sourceRemoteID, targetRemoteID, linkType string) error
	LookupByExternalKey(ctx context.Context, key string) (string, error)
}
