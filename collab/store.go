package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/radpeer/radpeer/annotation"
	"github.com/radpeer/radpeer/client"
)

// Store is the persistence collaborator boundary. Both operations are
// at-least-once-safe: resending the same annotation set on retry is
// acceptable and converges to the same stored state.
type Store interface {
	SaveAnnotations(ctx context.Context, imageID string, annotations []annotation.Annotation) error
	GetAnnotations(ctx context.Context, imageID string) ([]annotation.Annotation, error)
}

// HTTPStore persists annotations through the collaboration server's REST
// surface.
type HTTPStore struct {
	baseURL    string
	tokens     client.TokenProvider
	httpClient *http.Client
}

// NewHTTPStore creates a store against a server base URL
func NewHTTPStore(baseURL string, tokens client.TokenProvider, httpClient *http.Client) (*HTTPStore, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("a token provider is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPStore{baseURL: baseURL, tokens: tokens, httpClient: httpClient}, nil
}

// SaveAnnotations replaces the stored annotation set for the image
func (s *HTTPStore) SaveAnnotations(ctx context.Context, imageID string, annotations []annotation.Annotation) error {
	payload := struct {
		Annotations []annotation.Annotation `json:"annotations"`
	}{Annotations: annotations}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize annotations: %w", err)
	}

	req, err := s.request(ctx, http.MethodPut, imageID, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("save request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("save returned %s", resp.Status)
	}
	return nil
}

// GetAnnotations loads the stored annotation set for the image
func (s *HTTPStore) GetAnnotations(ctx context.Context, imageID string) ([]annotation.Annotation, error) {
	req, err := s.request(ctx, http.MethodGet, imageID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("load request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("load returned %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read load response: %w", err)
	}
	var parsed struct {
		Annotations []annotation.Annotation `json:"annotations"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse load response: %w", err)
	}
	return parsed.Annotations, nil
}

func (s *HTTPStore) request(ctx context.Context, method, imageID string, body io.Reader) (*http.Request, error) {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("no auth token for persistence call: %w", err)
	}
	url := fmt.Sprintf("%s/images/%s/annotations", s.baseURL, imageID)
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}
