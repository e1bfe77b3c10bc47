// Package reportstore is the typed client for the external annotation/report
// store. The store owns persistence; this client only shapes requests and
// decodes responses.
package reportstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"radview/api/internal/annotation"
)

var (
	// ErrUnreachable means the store could not be reached.
	ErrUnreachable = errors.New("reportstore: store unreachable")
	// ErrRejected means the store refused the payload (4xx).
	ErrRejected = errors.New("reportstore: save rejected")
)

// Client talks to the annotation store over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Save upserts a draft. The store keys on (studyUid, externalToolId), so
// repeating a save for the same tool instance updates in place.
func (c *Client) Save(ctx context.Context, draft annotation.Draft) (annotation.Persisted, error) {
	body, err := json.Marshal(draft)
	if err != nil {
		return annotation.Persisted{}, fmt.Errorf("marshal draft: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/annotations", bytes.NewReader(body))
	if err != nil {
		return annotation.Persisted{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var persisted annotation.Persisted
	if err := c.do(req, &persisted); err != nil {
		return annotation.Persisted{}, err
	}
	return persisted, nil
}

// ListByStudy fetches all persisted annotations for one study.
func (c *Client) ListByStudy(ctx context.Context, studyUID string) ([]annotation.Persisted, error) {
	endpoint := c.baseURL + "/api/annotations?study=" + url.QueryEscape(studyUID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	var annotations []annotation.Persisted
	if err := c.do(req, &annotations); err != nil {
		return nil, err
	}
	return annotations, nil
}

// Delete removes a persisted annotation by its server-assigned id.
func (c *Client) Delete(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/annotations/"+url.PathEscape(id), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, nil)
}

// Ping probes the store's health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, target any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%w: %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s returned %d", ErrUnreachable, req.URL.Path, resp.StatusCode)
	}

	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
