// Package servicenow is a small client for the ServiceNow Table, Stats and
// dictionary REST APIs.
package servicenow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Xerrion/servicenow-devtools-mcp/internal/apperr"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/auth"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/envelope"
	"github.com/Xerrion/servicenow-devtools-mcp/internal/metrics"
)

const (
	// CorrelationHeader carries the tool call correlation id upstream.
	CorrelationHeader = "X-Correlation-ID"

	defaultTimeout        = 30 * time.Second
	defaultMetadataTTL    = 10 * time.Minute
	defaultMetadataTables = 256
	maxErrorBodyBytes     = 64 << 10
	retryBaseDelay        = 200 * time.Millisecond
)

// Config configures a Client.
type Config struct {
	InstanceURL      string
	Credentials      auth.Credentials
	Timeout          time.Duration
	MaxRetries       int
	RateLimit        float64
	RateBurst        int
	MetadataCacheTTL time.Duration
	UserAgent        string
	HTTPClient       *http.Client
}

// Client talks to one ServiceNow instance. It is safe for concurrent use.
type Client struct {
	baseURL     string
	credentials auth.Credentials
	http        *http.Client
	limiter     *rate.Limiter
	maxRetries  int
	userAgent   string
	fields      *expirable.LRU[string, []Field]
	logger      zerolog.Logger
}

// New validates cfg and creates a client.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.InstanceURL), "/")
	if base == "" {
		return nil, fmt.Errorf("instance URL is required")
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid instance URL %q", cfg.InstanceURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	ttl := cfg.MetadataCacheTTL
	if ttl <= 0 {
		ttl = defaultMetadataTTL
	}

	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}

	return &Client{
		baseURL:     base,
		credentials: cfg.Credentials,
		http:        httpClient,
		limiter:     rate.NewLimiter(limit, burst),
		maxRetries:  retries,
		userAgent:   strings.TrimSpace(cfg.UserAgent),
		fields:      expirable.NewLRU[string, []Field](defaultMetadataTables, nil, ttl),
		logger:      logger.With().Str("component", "servicenow_client").Logger(),
	}, nil
}

// InstanceURL returns the normalized instance base URL.
func (c *Client) InstanceURL() string {
	return c.baseURL
}

type correlationKey struct{}

// WithCorrelationID attaches id to ctx so outbound requests carry it.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFromContext returns the id attached by WithCorrelationID.
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

type resultEnvelope struct {
	Result json.RawMessage `json:"result"`
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	} `json:"error"`
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// do sends one request. GET requests are retried on transport errors and
// 5xx/429 responses; mutations are sent exactly once.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*response, error) {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		payload = encoded
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	correlationID := CorrelationIDFromContext(ctx)
	if correlationID == "" {
		correlationID = envelope.NewCorrelationID()
	}

	attempts := 1
	if method == http.MethodGet {
		attempts += c.maxRetries
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := retryBaseDelay * time.Duration(1<<(attempt-2))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := c.send(ctx, method, target, payload, correlationID)
		if err == nil && !retryableStatus(resp.status) {
			return resp, c.checkStatus(resp)
		}
		if err != nil {
			if isContextError(err) || ctx.Err() != nil {
				return nil, err
			}
			lastErr = apperr.Wrap(apperr.KindServer, err, "ServiceNow request failed: %v", err)
		} else {
			lastErr = c.checkStatus(resp)
		}
		if attempt < attempts {
			c.logger.Debug().
				Str("method", method).
				Str("path", path).
				Str("correlation_id", correlationID).
				Int("attempt", attempt).
				Err(lastErr).
				Msg("retrying ServiceNow request")
		}
	}
	return nil, lastErr
}

func (c *Client) send(ctx context.Context, method, target string, payload []byte, correlationID string) (*response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(CorrelationHeader, correlationID)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	c.credentials.Apply(req)

	started := time.Now()
	resp, err := c.http.Do(req)
	metrics.UpstreamRequestDuration.WithLabelValues(method).Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues(method, "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues(method, "error").Inc()
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	metrics.UpstreamRequestsTotal.WithLabelValues(method, statusClass(resp.StatusCode)).Inc()

	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

// checkStatus maps an HTTP status to the error taxonomy.
func (c *Client) checkStatus(resp *response) error {
	if resp.status < 400 {
		return nil
	}
	switch {
	case resp.status == http.StatusUnauthorized:
		return apperr.Auth("%s", extractErrorMessage(resp.body, "Authentication failed"))
	case resp.status == http.StatusForbidden:
		return apperr.Forbidden("%s", extractErrorMessage(resp.body, "Access forbidden"))
	case resp.status == http.StatusNotFound:
		return apperr.NotFound("%s", extractErrorMessage(resp.body, "Resource not found"))
	case resp.status >= 500:
		return apperr.Server("%s", extractErrorMessage(resp.body, "ServiceNow server error"))
	default:
		return apperr.New(apperr.KindValidation, "%s", extractErrorMessage(resp.body, "Request failed")).WithStatus(resp.status)
	}
}

// extractErrorMessage reads {"error":{"message":...}} from a ServiceNow
// error body.
func extractErrorMessage(body []byte, fallback string) string {
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}
	var decoded errorBody
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fallback
	}
	message := strings.TrimSpace(decoded.Error.Message)
	if message == "" {
		return fallback
	}
	if detail := strings.TrimSpace(decoded.Error.Detail); detail != "" && detail != message {
		message += ": " + detail
	}
	return message
}

func decodeResult(resp *response, out any) error {
	var env resultEnvelope
	if err := json.Unmarshal(resp.body, &env); err != nil {
		return apperr.Wrap(apperr.KindServer, err, "decoding ServiceNow response: %v", err)
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return apperr.Server("ServiceNow response has no result")
	}
	decoder := json.NewDecoder(bytes.NewReader(env.Result))
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return apperr.Wrap(apperr.KindServer, err, "decoding ServiceNow result: %v", err)
	}
	return nil
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
