// Package client is the HTTP client used by the lock, unlock and status
// commands to drive a running trialvault server.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/trialvault/trialvault/internal/conf"
	"github.com/trialvault/trialvault/internal/errors"
	"github.com/trialvault/trialvault/internal/locking"
	"github.com/trialvault/trialvault/internal/logger"
)

const (
	// DefaultTimeout is the default timeout for requests if not specified.
	DefaultTimeout = 30 * time.Second

	defaultMaxIdleConns          = 4
	defaultIdleConnTimeout       = 90 * time.Second
	defaultTLSHandshakeTimeout   = 10 * time.Second
	defaultResponseHeaderTimeout = 10 * time.Second
	defaultDialTimeout           = 30 * time.Second
	defaultDialKeepAlive         = 30 * time.Second

	defaultUserAgent = "trialvault-cli"

	// maxResponseSize bounds how much of a response body is read.
	maxResponseSize = 1 << 20
)

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL of the server, e.g. http://localhost:8080
	BaseURL string

	// Basic auth credentials; empty Username sends none
	Username string
	Password string

	// Timeout is applied if the request context has no deadline
	Timeout time.Duration

	// UserAgent is added to all requests
	UserAgent string

	// Transport replaces the tuned default transport (tests use a mock)
	Transport http.RoundTripper
}

// ConfigFromSettings creates a Config from the client settings.
func ConfigFromSettings(s *conf.ClientSettings) Config {
	return Config{
		BaseURL:  s.URL,
		Username: s.Username,
		Password: s.Password,
		Timeout:  s.Timeout,
	}
}

// Client talks to the lock endpoint. It is safe for concurrent use.
type Client struct {
	http      *http.Client
	base      *url.URL
	username  string
	password  string
	timeout   time.Duration
	userAgent string
	log       logger.Logger
}

// New creates a Client. Zero values in cfg fall back to defaults.
func New(cfg Config, log logger.Logger) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		if err == nil {
			err = fmt.Errorf("missing scheme or host")
		}
		return nil, errors.New(fmt.Errorf("invalid server URL %q: %w", cfg.BaseURL, err)).
			Component("client").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if log == nil {
		log = logger.Global().Module("client")
	}

	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   defaultDialTimeout,
				KeepAlive: defaultDialKeepAlive,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          defaultMaxIdleConns,
			IdleConnTimeout:       defaultIdleConnTimeout,
			TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
			ResponseHeaderTimeout: defaultResponseHeaderTimeout,
		}
	}

	return &Client{
		// No client timeout - it is applied per request with the context
		http:      &http.Client{Transport: transport},
		base:      base,
		username:  cfg.Username,
		password:  cfg.Password,
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		log:       log,
	}, nil
}

// Lock locks the Subject at nodePath. With force, soft precondition
// objections are overridden.
func (c *Client) Lock(ctx context.Context, nodePath string, force bool) error {
	form := url.Values{"action": {"LOCK"}}
	if force {
		form.Set("force", "true")
	}
	return c.post(ctx, nodePath, form)
}

// Unlock unlocks the Subject at nodePath.
func (c *Client) Unlock(ctx context.Context, nodePath string) error {
	return c.post(ctx, nodePath, url.Values{"action": {"UNLOCK"}})
}

// Status returns the lock status of the node at nodePath.
func (c *Client) Status(ctx context.Context, nodePath string) (*locking.Status, error) {
	u := c.contentURL(nodePath)
	u.RawQuery = "lockstatus"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create GET request: %w", err)
	}

	var status locking.Status
	if err := c.do(ctx, req, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) post(ctx context.Context, nodePath string, form url.Values) error {
	u := c.contentURL(nodePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create POST request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(ctx, req, nil)
}

// contentURL maps the node path /trial/A to <base>/content/trial/A.
func (c *Client) contentURL(nodePath string) *url.URL {
	return c.base.JoinPath("content", strings.TrimPrefix(nodePath, "/"))
}

// do sends req and decodes a 2xx body into out, if non-nil. Other status
// codes become an *APIError.
func (c *Client) do(ctx context.Context, req *http.Request, out any) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
		req = req.WithContext(ctx)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.New(err).
			Component("client").
			Category(errors.CategoryNetwork).
			Context("url", req.URL.Redacted()).
			Build()
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.log.Debug("failed to close response body", logger.Error(err))
		}
	}()

	c.log.Debug("request completed",
		logger.String("method", req.Method),
		logger.String("url", req.URL.Redacted()),
		logger.Int("status", resp.StatusCode),
		logger.Duration("elapsed", time.Since(start)))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return errors.New(err).
			Component("client").
			Category(errors.CategoryNetwork).
			Context("operation", "read_response").
			Build()
	}

	var payload struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
		}
		return apiErr
	}

	if out == nil {
		if err := json.Unmarshal(body, &payload); err != nil || payload.Status != "success" {
			return errors.Newf("unexpected response from server: %s", strings.TrimSpace(string(body))).
				Component("client").
				Category(errors.CategoryHTTP).
				Build()
		}
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.New(fmt.Errorf("failed to decode response: %w", err)).
			Component("client").
			Category(errors.CategoryHTTP).
			Build()
	}
	return nil
}

// Close closes idle connections in the connection pool.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}
