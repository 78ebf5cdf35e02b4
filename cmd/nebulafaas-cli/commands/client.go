package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/piwi3910/nebulafaas/internal/fabric"
	"github.com/piwi3910/nebulafaas/internal/httputil"
	"github.com/piwi3910/nebulafaas/internal/lease"
)

// File permission constants.
const (
	dirPermissions  = 0700
	filePermissions = 0600
)

// ErrNoLease is returned when a command needs lease credentials that are not
// configured.
var ErrNoLease = errors.New("no lease configured. Use 'nebulafaas-cli lease create --save' or 'nebulafaas-cli config set lease-id <id>'")

// ClientConfig holds the CLI configuration.
type ClientConfig struct {
	AdminURL   string        `yaml:"admin_url"`
	Executor   string        `yaml:"executor"`
	Provider   string        `yaml:"provider"`
	LeaseID    uint16        `yaml:"lease_id"`
	Secret     uint16        `yaml:"secret"`
	Cores      int           `yaml:"cores"`
	Solicited  bool          `yaml:"solicited"`
	Timeout    time.Duration `yaml:"timeout"`
	SkipVerify bool          `yaml:"skip_verify"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		AdminURL: "http://localhost:7480",
		Executor: "localhost:7471",
		Provider: fabric.ProviderSockets,
		Cores:    1,
		Timeout:  10 * time.Second,
	}
}

// configPath returns the path to the config file.
func configPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".nebulafaas", "config.yaml")
}

// LoadConfig loads the configuration from file or environment.
func LoadConfig() (*ClientConfig, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath())
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config file: %w", err)
		}
	}

	if url := os.Getenv("NEBULAFAAS_ADMIN_URL"); url != "" {
		cfg.AdminURL = url
	}

	if executor := os.Getenv("NEBULAFAAS_EXECUTOR"); executor != "" {
		cfg.Executor = executor
	}

	if v := os.Getenv("NEBULAFAAS_LEASE_ID"); v != "" {
		id, err := parseUint16(v)
		if err != nil {
			return nil, fmt.Errorf("invalid NEBULAFAAS_LEASE_ID: %w", err)
		}

		cfg.LeaseID = id
	}

	if v := os.Getenv("NEBULAFAAS_SECRET"); v != "" {
		secret, err := parseUint16(v)
		if err != nil {
			return nil, fmt.Errorf("invalid NEBULAFAAS_SECRET: %w", err)
		}

		cfg.Secret = secret
	}

	return cfg, nil
}

// SaveConfig saves the configuration to file.
func SaveConfig(cfg *ClientConfig) error {
	path := configPath()

	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, filePermissions); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// parseUint16 accepts decimal or 0x-prefixed hex.
func parseUint16(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16)
	if err != nil {
		return 0, err
	}

	return uint16(v), nil
}

// APIError is an error response from the admin API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("admin API returned %d: %s", e.Status, e.Message)
}

// AdminClient talks to the lease manager's admin API.
type AdminClient struct {
	baseURL string
	http    *http.Client
}

// NewAdminClient creates a client for the admin API at baseURL.
func NewAdminClient(baseURL string, cfg httputil.ClientConfig) *AdminClient {
	return &AdminClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httputil.NewClient(cfg),
	}
}

// CreateLease requests a lease.
func (c *AdminClient) CreateLease(ctx context.Context, req lease.CreateRequest) (*lease.Lease, error) {
	var l lease.Lease
	if err := c.do(ctx, http.MethodPost, "/v1/leases", req, &l); err != nil {
		return nil, err
	}

	return &l, nil
}

// ListLeases lists leases, optionally filtered by state.
func (c *AdminClient) ListLeases(ctx context.Context, state string) ([]*lease.Lease, error) {
	path := "/v1/leases"
	if state != "" {
		path += "?state=" + state
	}

	var leases []*lease.Lease
	if err := c.do(ctx, http.MethodGet, path, nil, &leases); err != nil {
		return nil, err
	}

	return leases, nil
}

// GetLease fetches lease id.
func (c *AdminClient) GetLease(ctx context.Context, id uint16) (*lease.Lease, error) {
	var l lease.Lease
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/leases/%d", id), nil, &l); err != nil {
		return nil, err
	}

	return &l, nil
}

// ReleaseLease releases lease id and returns its final record.
func (c *AdminClient) ReleaseLease(ctx context.Context, id uint16) (*lease.Lease, error) {
	var l lease.Lease
	if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/v1/leases/%d", id), nil, &l); err != nil {
		return nil, err
	}

	return &l, nil
}

// ListExecutors lists the executors the lease manager places leases on.
func (c *AdminClient) ListExecutors(ctx context.Context) ([]lease.ExecutorStatus, error) {
	var executors []lease.ExecutorStatus
	if err := c.do(ctx, http.MethodGet, "/v1/executors", nil, &executors); err != nil {
		return nil, err
	}

	return executors, nil
}

func (c *AdminClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}

		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}

		return &APIError{Status: resp.StatusCode, Message: apiErr.Error}
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// newAdminClient builds an admin client from the CLI config.
func newAdminClient() (*AdminClient, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	return NewAdminClient(cfg.AdminURL, cfg.httpConfig()), nil
}

func (c *ClientConfig) httpConfig() httputil.ClientConfig {
	return httputil.ClientConfig{Timeout: c.Timeout, SkipTLSVerify: c.SkipVerify}
}
