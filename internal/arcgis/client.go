// Package arcgis is a small client for the ArcGIS REST API: token
// generation, portal item resolution, layer queries, batched feature
// updates and attachment handling.
package arcgis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"trapper-data-collection/internal/ratelimit"
)

// Options configures a Client
type Options struct {
	PortalURL  string
	Username   string
	Password   string
	Expiration time.Duration // requested token lifetime

	HTTPClient *http.Client
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	PageSize   int

	Limiter *ratelimit.RateLimiter
	Breaker *CircuitBreaker
	Logger  *zap.Logger
}

// Client talks to one portal with one set of credentials
type Client struct {
	portalURL  string
	username   string
	password   string
	expiration time.Duration

	http       *http.Client
	maxRetries int
	retryDelay time.Duration
	pageSize   int

	limiter *ratelimit.RateLimiter
	breaker *CircuitBreaker
	logger  *zap.Logger

	mu           sync.Mutex
	token        string
	tokenExpires time.Time

	sleep func(context.Context, time.Duration) error
	now   func() time.Time
}

// New creates a client. No request is made until the first call.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	expiration := opts.Expiration
	if expiration == 0 {
		expiration = 9999 * time.Minute
	}

	return &Client{
		portalURL:  strings.TrimRight(opts.PortalURL, "/"),
		username:   opts.Username,
		password:   opts.Password,
		expiration: expiration,
		http:       httpClient,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		pageSize:   pageSize,
		limiter:    opts.Limiter,
		breaker:    opts.Breaker,
		logger:     logger,
		sleep:      sleepContext,
		now:        time.Now,
	}
}

// Connect generates a token up front so bad credentials fail early
func (c *Client) Connect(ctx context.Context) error {
	c.logger.Info("Connecting to portal", zap.String("portal", c.portalURL))
	if _, err := c.getToken(ctx, true); err != nil {
		return err
	}
	c.logger.Info("Connection successful")
	return nil
}

// Close forgets the token
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.tokenExpires = time.Time{}
	c.logger.Info("Disconnected from portal")
}

// request describes one REST call
type request struct {
	method    string
	endpoint  string
	params    url.Values
	multipart func(token string) (io.Reader, string, error)
	// retry marks read-only calls that may be repeated on transient failure
	retry bool
}

// callJSON performs the request and decodes the JSON response into out,
// regenerating the token once if the portal rejected it.
func (c *Client) callJSON(ctx context.Context, req request, out any) error {
	body, err := c.call(ctx, req)
	if err != nil {
		return err
	}
	err = decodeJSON(body, out)

	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.IsTokenError() {
		c.logger.Debug("Token rejected, regenerating", zap.Int("code", apiErr.Code))
		if _, err := c.getToken(ctx, true); err != nil {
			return err
		}
		body, err = c.call(ctx, req)
		if err != nil {
			return err
		}
		return decodeJSON(body, out)
	}
	return err
}

// call performs the request with the current token and returns the raw body
func (c *Client) call(ctx context.Context, req request) ([]byte, error) {
	token, err := c.getToken(ctx, false)
	if err != nil {
		return nil, err
	}
	return c.send(ctx, req, token)
}

// send executes the request, retrying transient failures of read-only calls
// with exponential backoff.
func (c *Client) send(ctx context.Context, req request, token string) ([]byte, error) {
	attempts := 1
	if req.retry {
		attempts += c.maxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.retryDelay
			if backoff > 60*time.Second {
				backoff = 60 * time.Second
			}
			c.logger.Warn("Retrying portal request",
				zap.String("endpoint", req.endpoint),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}

		if !c.breaker.CanProceed() {
			return nil, ErrCircuitOpen
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, err := c.sendOnce(ctx, req, token)
		if err == nil {
			c.breaker.RecordSuccess()
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isTransient(err) {
			return nil, err
		}
		if c.breaker.RecordFailure() {
			c.logger.Error("Circuit breaker opened after consecutive portal failures")
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) sendOnce(ctx context.Context, req request, token string) ([]byte, error) {
	httpReq, err := c.buildRequest(ctx, req, token)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Portal request", zap.String("method", httpReq.Method), zap.String("endpoint", req.endpoint))
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: req.endpoint, Body: snippet}
	}
	return body, nil
}

func (c *Client) buildRequest(ctx context.Context, req request, token string) (*http.Request, error) {
	if req.multipart != nil {
		body, contentType, err := req.multipart(token)
		if err != nil {
			return nil, err
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.endpoint, body)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", contentType)
		return httpReq, nil
	}

	params := url.Values{}
	for k, v := range req.params {
		params[k] = v
	}
	if token != "" {
		params.Set("token", token)
	}

	if req.method == http.MethodPost {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return httpReq, nil
	}

	endpoint := req.endpoint
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
}

// getToken returns a valid token, generating a new one when forced, when
// none exists, or when the current one is about to expire.
func (c *Client) getToken(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !force && c.token != "" && c.now().Add(time.Minute).Before(c.tokenExpires) {
		return c.token, nil
	}
	if c.username == "" {
		// anonymous access to public services
		return "", nil
	}

	params := url.Values{
		"username":   {c.username},
		"password":   {c.password},
		"client":     {"referer"},
		"referer":    {c.portalURL},
		"expiration": {strconv.Itoa(int(c.expiration / time.Minute))},
		"f":          {"json"},
	}
	body, err := c.send(ctx, request{
		method:   http.MethodPost,
		endpoint: c.portalURL + "/sharing/rest/generateToken",
		params:   params,
	}, "")
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	var result struct {
		Token   string `json:"token"`
		Expires int64  `json:"expires"`
	}
	if err := decodeJSON(body, &result); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	if result.Token == "" {
		return "", errors.New("failed to generate token: empty token in response")
	}

	c.token = result.Token
	if result.Expires > 0 {
		c.tokenExpires = time.UnixMilli(result.Expires)
	} else {
		c.tokenExpires = c.now().Add(c.expiration)
	}
	return c.token, nil
}

// decodeJSON surfaces the REST error envelope before decoding out
func decodeJSON(body []byte, out any) error {
	var envelope struct {
		Error *Error `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("arcgis: invalid JSON response: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if out == nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("arcgis: failed to decode response: %w", err)
	}
	return nil
}

// isTransient reports whether a failed request is worth repeating
func isTransient(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
