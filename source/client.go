// Package source fetches the current alert rule set from the upstream rules service.
package source

import (
	"context"
	_ "embed"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/refdata/errors"
	"github.com/c360/refdata/metric"
	"github.com/c360/refdata/rules"
)

// Defaults for Config fields left zero.
const (
	DefaultTimeout      = 10 * time.Second
	DefaultMaxBodyBytes = 16 << 20
	rulesPath           = "/rules"
)

//go:embed rules.schema.json
var responseSchema []byte

// Fetch outcomes used as metric labels.
const (
	outcomeOK        = "ok"
	outcomeTransport = "transport"
	outcomeStatus    = "status"
	outcomeParse     = "parse"
)

// Config configures the rules service client.
type Config struct {
	// BaseURL of the rules service; the client requests BaseURL + "/rules"
	BaseURL string `json:"url" yaml:"url"`

	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// MaxBodyBytes bounds the accepted response size
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes"`

	// Headers are added to every request, e.g. an API key
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// DefaultConfig returns defaults without a BaseURL.
func DefaultConfig() Config {
	return Config{
		Timeout:      DefaultTimeout,
		MaxBodyBytes: DefaultMaxBodyBytes,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "source url is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "invalid source url")
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: source url must be absolute http(s), got %q", errors.ErrInvalidConfig, c.BaseURL),
			"Config", "Validate", "check source url")
	}
	if c.Timeout < 0 || c.MaxBodyBytes < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: negative timeout or body limit", errors.ErrInvalidConfig),
			"Config", "Validate", "check limits")
	}
	return nil
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its Timeout is left as given.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics enables fetch metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(c *Client) {
		c.registry = registry
	}
}

// Client talks to the rules service. It performs no retries; the caller's
// next polling cycle is the retry.
type Client struct {
	http     *http.Client
	endpoint string
	headers  map[string]string
	maxBody  int64
	schema   *gojsonschema.Schema
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *sourceMetrics
}

type listResponse struct {
	Items []rules.Rule `json:"Items"`
}

// New creates a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody == 0 {
		maxBody = DefaultMaxBodyBytes
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(responseSchema))
	if err != nil {
		return nil, errors.WrapFatal(err, "Client", "New", "load response schema")
	}

	c := &Client{
		http:     &http.Client{Timeout: timeout},
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + rulesPath,
		headers:  cfg.Headers,
		maxBody:  maxBody,
		schema:   schema,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "source")

	m, err := newSourceMetrics(c.registry)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Client", "New", "register metrics")
	}
	c.metrics = m

	return c, nil
}

// Endpoint returns the URL the client fetches from.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// FetchActiveRulesSortedByID fetches all rules, drops disabled and deleted
// ones, and returns the rest sorted ascending by ID. Every failure is transient.
func (c *Client) FetchActiveRulesSortedByID(ctx context.Context) ([]rules.Rule, error) {
	start := time.Now()

	body, outcome, err := c.fetch(ctx)
	if err == nil {
		var all []rules.Rule
		all, err = c.decode(body)
		if err != nil {
			outcome = outcomeParse
		} else {
			active := rules.FilterActive(all)
			rules.SortByID(active)

			c.metrics.recordFetch(outcomeOK, time.Since(start).Seconds())
			c.metrics.recordActive(len(active))
			c.logger.Debug("Fetched rules", "total", len(all), "active", len(active))
			return active, nil
		}
	}

	c.metrics.recordFetch(outcome, time.Since(start).Seconds())
	return nil, err
}

func (c *Client) fetch(ctx context.Context) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, outcomeTransport, errors.WrapInvalid(err, "Client", "Fetch", "build request")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, outcomeTransport, errors.WrapTransient(err, "Client", "Fetch", "GET "+c.endpoint)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain a little so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, outcomeStatus, errors.WrapTransient(
			fmt.Errorf("%w: %s", errors.ErrUpstreamStatus, resp.Status),
			"Client", "Fetch", "check status")
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, outcomeTransport, errors.WrapTransient(err, "Client", "Fetch", "read body")
	}
	if int64(len(body)) > c.maxBody {
		return nil, outcomeParse, errors.WrapTransient(
			fmt.Errorf("%w: response exceeds %d bytes", errors.ErrParsingFailed, c.maxBody),
			"Client", "Fetch", "read body")
	}
	return body, outcomeOK, nil
}

func (c *Client) decode(body []byte) ([]rules.Rule, error) {
	doc, err := canonicalDocument(body)
	if err != nil {
		return nil, errors.WrapTransient(stderrors.Join(errors.ErrParsingFailed, err),
			"Client", "Fetch", "parse response")
	}
	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.WrapTransient(stderrors.Join(errors.ErrParsingFailed, err),
			"Client", "Fetch", "parse response")
	}

	result, err := c.schema.Validate(gojsonschema.NewBytesLoader(canonical))
	if err != nil {
		return nil, errors.WrapTransient(stderrors.Join(errors.ErrParsingFailed, err),
			"Client", "Fetch", "parse response")
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %s", errors.ErrParsingFailed, strings.Join(problems, "; ")),
			"Client", "Fetch", "validate response")
	}

	var resp listResponse
	if err := json.Unmarshal(canonical, &resp); err != nil {
		return nil, errors.WrapTransient(stderrors.Join(errors.ErrParsingFailed, err),
			"Client", "Fetch", "decode response")
	}
	for _, r := range resp.Items {
		if err := r.Validate(); err != nil {
			return nil, errors.WrapTransient(stderrors.Join(errors.ErrParsingFailed, err),
				"Client", "Fetch", "validate rule")
		}
	}
	return resp.Items, nil
}
