package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"
)

// TargetClient drives supervised targets through their control and state endpoints:
//
//	POST {endpoint}/control/{stop|start|restart|safe-mode|reprovision}
//	GET  {endpoint}/state
//	PUT  {endpoint}/state
type TargetClient struct {
	httpClient *http.Client

	mu        sync.RWMutex
	endpoints map[string]string
}

// NewTargetClient constructs a client. endpoints maps target ids to base URLs.
func NewTargetClient(endpoints map[string]string, timeout time.Duration) *TargetClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &TargetClient{
		httpClient: &http.Client{Timeout: timeout},
		endpoints:  make(map[string]string, len(endpoints)),
	}
	for id, endpoint := range endpoints {
		c.endpoints[id] = strings.TrimRight(endpoint, "/")
	}
	return c
}

// SetEndpoint registers or replaces the base URL of a target.
func (c *TargetClient) SetEndpoint(targetID, endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoints[targetID] = strings.TrimRight(endpoint, "/")
}

// Stop asks the target to shut down.
func (c *TargetClient) Stop(ctx context.Context, targetID string) error {
	return c.control(ctx, targetID, "stop", nil)
}

// Start asks the target to start.
func (c *TargetClient) Start(ctx context.Context, targetID string) error {
	return c.control(ctx, targetID, "start", nil)
}

// Restart asks the target to restart in place.
func (c *TargetClient) Restart(ctx context.Context, targetID string) error {
	return c.control(ctx, targetID, "restart", nil)
}

// RestartSafeMode restarts the target with a reduced feature profile.
func (c *TargetClient) RestartSafeMode(ctx context.Context, targetID, profile string) error {
	return c.control(ctx, targetID, "safe-mode", map[string]string{"profile": profile})
}

// Reprovision wipes the target back to a freshly provisioned state.
func (c *TargetClient) Reprovision(ctx context.Context, targetID string) error {
	return c.control(ctx, targetID, "reprovision", nil)
}

// State fetches the target's data state.
func (c *TargetClient) State(ctx context.Context, targetID string) (map[string]interface{}, error) {
	endpoint, err := c.resolve(targetID, "/state")
	if err != nil {
		return nil, err
	}
	var response struct {
		State map[string]interface{} `json:"state"`
	}
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, fmt.Errorf("target %s state request failed: %w", targetID, err)
	}
	if response.State == nil {
		response.State = map[string]interface{}{}
	}
	return response.State, nil
}

// PutState replaces the target's data state.
func (c *TargetClient) PutState(ctx context.Context, targetID string, state map[string]interface{}) error {
	endpoint, err := c.resolve(targetID, "/state")
	if err != nil {
		return err
	}
	if err := c.doJSON(ctx, http.MethodPut, endpoint, map[string]interface{}{"state": state}, nil); err != nil {
		return fmt.Errorf("target %s state update failed: %w", targetID, err)
	}
	return nil
}

// DataSource exposes the target's state endpoints as a checkpoint source.
func (c *TargetClient) DataSource() *DataSource {
	return &DataSource{client: c}
}

func (c *TargetClient) control(ctx context.Context, targetID, action string, payload any) error {
	endpoint, err := c.resolve(targetID, "/control/"+action)
	if err != nil {
		return err
	}
	if err := c.doJSON(ctx, http.MethodPost, endpoint, payload, nil); err != nil {
		return fmt.Errorf("target %s %s failed: %w", targetID, action, err)
	}
	return nil
}

func (c *TargetClient) resolve(targetID, p string) (string, error) {
	if c == nil {
		return "", fmt.Errorf("target client not initialised")
	}
	c.mu.RLock()
	base, ok := c.endpoints[targetID]
	c.mu.RUnlock()
	if !ok || base == "" {
		return "", fmt.Errorf("no endpoint configured for target %s", targetID)
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(base)
	if err != nil {
		return base + cleaned, nil
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String(), nil
}

func (c *TargetClient) doJSON(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("target returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// DataSource captures and applies the data component through the target's state API.
type DataSource struct {
	client *TargetClient
}

// Capture implements checkpoint.Source.
func (s *DataSource) Capture(ctx context.Context, targetID string) (map[string]interface{}, error) {
	return s.client.State(ctx, targetID)
}

// Apply implements checkpoint.Source.
func (s *DataSource) Apply(ctx context.Context, targetID string, state map[string]interface{}) error {
	return s.client.PutState(ctx, targetID, state)
}

// ConfigSource captures and applies the config component through a ConfigStore.
type ConfigSource struct {
	store ConfigStore
}

// NewConfigSource adapts store to a checkpoint source.
func NewConfigSource(store ConfigStore) *ConfigSource {
	return &ConfigSource{store: store}
}

// Capture implements checkpoint.Source.
func (s *ConfigSource) Capture(ctx context.Context, targetID string) (map[string]interface{}, error) {
	cfg, err := s.store.GetCurrentConfig(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = map[string]interface{}{}
	}
	return cfg, nil
}

// Apply implements checkpoint.Source.
func (s *ConfigSource) Apply(ctx context.Context, targetID string, state map[string]interface{}) error {
	return s.store.SetCurrentConfig(ctx, targetID, state)
}
