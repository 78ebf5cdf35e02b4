// Package httputil builds the HTTP clients used to reach the lease manager's
// admin API.
package httputil

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// Default transport configuration.
const (
	DefaultTimeout             = 10 * time.Second
	DefaultMaxIdleConnsPerHost = 4
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultDialTimeout         = 5 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 5 * time.Second
)

// ClientConfig holds configuration options for creating an HTTP client.
type ClientConfig struct {
	// Timeout bounds each request. Zero means DefaultTimeout.
	Timeout time.Duration

	// MaxIdleConnsPerHost bounds kept-alive connections to the admin API.
	MaxIdleConnsPerHost int

	// SkipTLSVerify disables certificate verification for https URLs.
	SkipTLSVerify bool
}

// NewClient creates an HTTP client for cfg.
func NewClient(cfg ClientConfig) *http.Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     DefaultIdleConnTimeout,
		TLSHandshakeTimeout: DefaultTLSHandshakeTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.SkipTLSVerify, // #nosec G402 - opt-in for development clusters
		},
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}
}
