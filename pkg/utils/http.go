package utils

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	DefaultDialTimeout           = 5 * time.Second
	DefaultTLSHandshakeTimeout   = 5 * time.Second
	DefaultResponseHeaderTimeout = 10 * time.Second
	DefaultIdleConnTimeout       = 90 * time.Second
	DefaultMaxIdleConns          = 100
	DefaultMaxIdleConnsPerHost   = 10
	DefaultRequestTimeout        = 30 * time.Second
)

var ErrInvalidHTTPConfig = errors.New("http: invalid configuration")

// HTTPClientConfig holds configuration for HTTP clients
type HTTPClientConfig struct {
	RequestTimeout        time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	DisableKeepAlives   bool

	TLSMinVersion      uint16
	InsecureSkipVerify bool
	RootCAs            *x509.CertPool
	ServerName         string

	DisableCompression bool

	// Retries apply only to idempotent requests; callers submitting
	// transactions must keep MaxRetries at 0.
	MaxRetries   int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// DefaultHTTPClientConfig returns secure defaults
func DefaultHTTPClientConfig() *HTTPClientConfig {
	return &HTTPClientConfig{
		RequestTimeout:        DefaultRequestTimeout,
		DialTimeout:           DefaultDialTimeout,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		TLSMinVersion:         tls.VersionTLS12,
		DisableCompression:    true,
		MaxRetries:            0,
		RetryWaitMin:          1 * time.Second,
		RetryWaitMax:          30 * time.Second,
	}
}

// HTTPClientBuilder provides a fluent interface for building HTTP clients
type HTTPClientBuilder struct {
	config *HTTPClientConfig
	err    error
}

// NewHTTPClientBuilder creates a new builder with defaults
func NewHTTPClientBuilder() *HTTPClientBuilder {
	return &HTTPClientBuilder{config: DefaultHTTPClientConfig()}
}

// WithTimeout sets the request timeout
func (b *HTTPClientBuilder) WithTimeout(timeout time.Duration) *HTTPClientBuilder {
	if b.err == nil && timeout > 0 {
		b.config.RequestTimeout = timeout
	}
	return b
}

// WithRootCAs sets a custom root CA pool
func (b *HTTPClientBuilder) WithRootCAs(pool *x509.CertPool) *HTTPClientBuilder {
	if b.err == nil && pool != nil {
		b.config.RootCAs = pool
	}
	return b
}

// WithServerName sets the SNI server name
func (b *HTTPClientBuilder) WithServerName(name string) *HTTPClientBuilder {
	if b.err == nil && name != "" {
		b.config.ServerName = name
	}
	return b
}

// WithConnectionPool configures connection pooling
func (b *HTTPClientBuilder) WithConnectionPool(maxIdle, maxIdlePerHost int) *HTTPClientBuilder {
	if b.err == nil {
		b.config.MaxIdleConns = maxIdle
		b.config.MaxIdleConnsPerHost = maxIdlePerHost
	}
	return b
}

// WithRetry configures retry behavior for idempotent requests
func (b *HTTPClientBuilder) WithRetry(maxRetries int, waitMin, waitMax time.Duration) *HTTPClientBuilder {
	if b.err == nil {
		b.config.MaxRetries = maxRetries
		b.config.RetryWaitMin = waitMin
		b.config.RetryWaitMax = waitMax
	}
	return b
}

// Build creates the HTTP client
func (b *HTTPClientBuilder) Build() (*HTTPClient, error) {
	if b.err != nil {
		return nil, b.err
	}
	return NewHTTPClient(b.config)
}

// HTTPClient wraps http.Client with pooling, TLS hardening and retries
type HTTPClient struct {
	client    *http.Client
	config    *HTTPClientConfig
	transport *http.Transport
}

// NewHTTPClient creates a new HTTP client
func NewHTTPClient(config *HTTPClientConfig) (*HTTPClient, error) {
	if config == nil {
		config = DefaultHTTPClientConfig()
	}
	if err := validateHTTPConfig(config); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHTTPConfig, err)
	}

	dialer := &net.Dialer{
		Timeout:   config.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext: dialer.DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion:         config.TLSMinVersion,
			InsecureSkipVerify: config.InsecureSkipVerify,
			ServerName:         config.ServerName,
			RootCAs:            config.RootCAs,
		},
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		DisableCompression:    config.DisableCompression,
		DisableKeepAlives:     config.DisableKeepAlives,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   config.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("too many redirects")
			}
			return nil
		},
	}

	return &HTTPClient{client: client, config: config, transport: transport}, nil
}

// DoWithContext performs an HTTP request with context and retries
func (c *HTTPClient) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	var resp *http.Response
	var err error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		reqClone := req.Clone(ctx)
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, bodyErr
			}
			reqClone.Body = body
		}
		resp, err = c.client.Do(reqClone)
		if err == nil && !shouldRetryStatus(resp.StatusCode) {
			return resp, nil
		}
		if resp != nil {
			resp.Body.Close()
		}
		if attempt == c.config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.backoff(attempt)):
		}
	}
	return resp, err
}

// Get performs a GET request
func (c *HTTPClient) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.DoWithContext(ctx, req)
}

// Post performs a POST request with a pre-serialized body
func (c *HTTPClient) Post(ctx context.Context, url, contentType string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	// Clone consumes the body reader; GetBody lets retries re-read it.
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return c.DoWithContext(ctx, req)
}

// Close closes idle connections
func (c *HTTPClient) Close() {
	c.transport.CloseIdleConnections()
}

func validateHTTPConfig(config *HTTPClientConfig) error {
	if config.TLSMinVersion < tls.VersionTLS12 {
		return fmt.Errorf("TLS version must be 1.2 or higher")
	}
	if config.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if config.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	return nil
}

func shouldRetryStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusRequestTimeout,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return statusCode >= 500 && statusCode != http.StatusNotImplemented
}

func (c *HTTPClient) backoff(attempt int) time.Duration {
	// Jittered so a fleet of clients does not hammer a recovering server in
	// lockstep.
	return ExponentialBackoff(attempt, c.config.RetryWaitMin, c.config.RetryWaitMax, 0.2)
}
