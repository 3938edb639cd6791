// Package hass is a minimal Home Assistant REST API client.
package hass

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/jkaberg/hass-weight/internal/domain"
	"github.com/jkaberg/hass-weight/internal/netutil"
	"github.com/sirupsen/logrus"
)

// maxBody caps how much of a response we read.
const maxBody = 16 << 20

// EntityState is one element of GET /api/states.
type EntityState struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged string         `json:"last_changed"`
	LastUpdated string         `json:"last_updated"`
}

// Client talks to the Home Assistant REST API with a long-lived access token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewClient creates a client for the instance at baseURL.
func NewClient(baseURL, token string, timeout time.Duration, insecure bool, logger *logrus.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: netutil.NewHTTPClient(timeout, insecure, logger),
		logger:     logger,
	}
}

// States fetches every entity state.
func (c *Client) States(ctx context.Context) ([]EntityState, error) {
	body, err := c.get(ctx, "/api/states")
	if err != nil {
		return nil, err
	}
	var states []EntityState
	if err := json.Unmarshal(body, &states); err != nil {
		return nil, fmt.Errorf("failed to decode states: %w", err)
	}
	return states, nil
}

// KnownSensors returns the sorted ids of all sensor-domain entities.
func (c *Client) KnownSensors(ctx context.Context) ([]string, error) {
	states, err := c.States(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(states))
	for _, s := range states {
		if strings.HasPrefix(s.EntityID, domain.SensorDomain+".") {
			ids = append(ids, s.EntityID)
		}
	}
	sort.Strings(ids)
	c.logger.WithField("sensors", len(ids)).Debug("Fetched sensor list from Home Assistant")
	return ids, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s returned status %d", path, resp.StatusCode)
	}
	return body, nil
}
