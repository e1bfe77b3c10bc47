// Package pacs is a thin typed client for the archive's REST API.
// It does URL construction and response decoding only; ordering and
// failure policy live in the resolver.
package pacs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

var (
	// ErrStudyNotFound means the archive has no study with the requested identifier.
	ErrStudyNotFound = errors.New("pacs: study not found")
	// ErrUnreachable means the archive could not be reached or answered outside 2xx.
	ErrUnreachable = errors.New("pacs: archive unreachable")
)

// Study is one archive study handle. Series holds archive-internal series
// identifiers in the order the archive returned them; that order is
// significant downstream and must not be re-sorted.
type Study struct {
	ID               string
	StudyInstanceUID string
	Description      string
	Series           []string
}

// Series is one archive series handle with its ordered instance identifiers.
type Series struct {
	ID                string
	SeriesInstanceUID string
	Modality          string
	Description       string
	Instances         []string
}

// Instance is one archive instance handle.
type Instance struct {
	ID             string
	SOPInstanceUID string
}

// Client talks to an Orthanc-style archive over HTTP.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	healthy  atomic.Bool
	done     chan struct{}
}

// New creates an archive client and starts its background health monitor.
func New(baseURL, username, password string) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: 15 * time.Second},
		done:     make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		log.Printf("pacs: archive unavailable at %s: %v", baseURL, err)
		c.healthy.Store(false)
	} else {
		c.healthy.Store(true)
	}

	go c.healthLoop()
	return c
}

func (c *Client) healthLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := c.Ping(ctx)
			cancel()
			wasHealthy := c.healthy.Load()
			c.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("pacs: archive recovered")
			}
		}
	}
}

// Close stops the background health monitor.
func (c *Client) Close() {
	close(c.done)
}

// Healthy reports whether the archive answered the last probe.
func (c *Client) Healthy() bool {
	return c.healthy.Load()
}

// BaseURL returns the configured archive base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Ping probes the archive's system endpoint.
func (c *Client) Ping(ctx context.Context) error {
	var system struct {
		Version string `json:"Version"`
	}
	if err := c.get(ctx, "/system", &system); err != nil {
		return err
	}
	return nil
}

// FindStudy resolves an external StudyInstanceUID to the archive's internal
// study identifier. Returns ErrStudyNotFound when the archive has no match.
func (c *Client) FindStudy(ctx context.Context, studyInstanceUID string) (string, error) {
	query := map[string]any{
		"Level": "Study",
		"Query": map[string]string{"StudyInstanceUID": studyInstanceUID},
	}
	var ids []string
	if err := c.post(ctx, "/tools/find", query, &ids); err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", ErrStudyNotFound
	}
	return ids[0], nil
}

// GetStudy fetches one study handle with its ordered series identifiers.
func (c *Client) GetStudy(ctx context.Context, studyID string) (Study, error) {
	var raw struct {
		ID            string            `json:"ID"`
		MainDicomTags map[string]string `json:"MainDicomTags"`
		Series        []string          `json:"Series"`
	}
	if err := c.get(ctx, "/studies/"+studyID, &raw); err != nil {
		return Study{}, err
	}
	return Study{
		ID:               raw.ID,
		StudyInstanceUID: raw.MainDicomTags["StudyInstanceUID"],
		Description:      raw.MainDicomTags["StudyDescription"],
		Series:           raw.Series,
	}, nil
}

// GetSeries fetches one series handle with its ordered instance identifiers.
func (c *Client) GetSeries(ctx context.Context, seriesID string) (Series, error) {
	var raw struct {
		ID            string            `json:"ID"`
		MainDicomTags map[string]string `json:"MainDicomTags"`
		Instances     []string          `json:"Instances"`
	}
	if err := c.get(ctx, "/series/"+seriesID, &raw); err != nil {
		return Series{}, err
	}
	return Series{
		ID:                raw.ID,
		SeriesInstanceUID: raw.MainDicomTags["SeriesInstanceUID"],
		Modality:          raw.MainDicomTags["Modality"],
		Description:       raw.MainDicomTags["SeriesDescription"],
		Instances:         raw.Instances,
	}, nil
}

// GetInstance fetches one instance handle.
func (c *Client) GetInstance(ctx context.Context, instanceID string) (Instance, error) {
	var raw struct {
		ID            string            `json:"ID"`
		MainDicomTags map[string]string `json:"MainDicomTags"`
	}
	if err := c.get(ctx, "/instances/"+instanceID, &raw); err != nil {
		return Instance{}, err
	}
	return Instance{
		ID:             raw.ID,
		SOPInstanceUID: raw.MainDicomTags["SOPInstanceUID"],
	}, nil
}

func (c *Client) get(ctx context.Context, path string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, target)
}

func (c *Client) post(ctx context.Context, path string, payload, target any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, target)
}

func (c *Client) do(req *http.Request, target any) error {
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.healthy.Store(false)
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrStudyNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%w: %s returned %d: %s", ErrUnreachable, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
