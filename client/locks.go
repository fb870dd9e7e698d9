package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/radpeer/radpeer/wire"
)

// LockClient acquires, releases and inspects per-annotation exclusive locks
// through the collaboration server's REST surface. Locks are advisory on the
// client; the server is the source of truth and expires locks whose holder's
// socket closes.
type LockClient struct {
	baseURL    string
	tokens     TokenProvider
	httpClient *http.Client
}

// NewLockClient creates a lock client against a server base URL
func NewLockClient(baseURL string, tokens TokenProvider, httpClient *http.Client) (*LockClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("a token provider is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &LockClient{baseURL: baseURL, tokens: tokens, httpClient: httpClient}, nil
}

// Acquire attempts to take the exclusive lock on an annotation. Returns
// false when another participant already holds it. Must succeed before any
// modify or delete of a pre-existing object is allowed to commit; creating
// new objects needs no lock.
func (lc *LockClient) Acquire(ctx context.Context, imageID, annotationID string) (bool, error) {
	resp, err := lc.do(ctx, http.MethodPost, lc.lockURL(imageID, annotationID))
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		return true, nil
	case http.StatusConflict:
		return false, nil
	default:
		return false, fmt.Errorf("lock acquire returned %s", resp.Status)
	}
}

// Release gives up a lock this client holds. Releasing a lock not held by
// this client is a no-op, not an error.
func (lc *LockClient) Release(ctx context.Context, imageID, annotationID string) error {
	resp, err := lc.do(ctx, http.MethodDelete, lc.lockURL(imageID, annotationID))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("lock release returned %s", resp.Status)
	}
}

// Status reports whether the annotation is currently locked. The answer can
// be stale immediately; callers must still Acquire before committing.
func (lc *LockClient) Status(ctx context.Context, imageID, annotationID string) (wire.LockStatus, error) {
	resp, err := lc.do(ctx, http.MethodGet, lc.lockURL(imageID, annotationID))
	if err != nil {
		return wire.LockStatus{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return wire.LockStatus{}, fmt.Errorf("lock status returned %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return wire.LockStatus{}, fmt.Errorf("failed to read lock status: %w", err)
	}
	var status wire.LockStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return wire.LockStatus{}, fmt.Errorf("failed to parse lock status: %w", err)
	}
	return status, nil
}

func (lc *LockClient) lockURL(imageID, annotationID string) string {
	return fmt.Sprintf("%s/images/%s/annotations/%s/lock", lc.baseURL, imageID, annotationID)
}

func (lc *LockClient) do(ctx context.Context, method, url string) (*http.Response, error) {
	token, err := lc.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("no auth token for lock call: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := lc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lock request failed: %w", err)
	}
	return resp, nil
}
