package gira

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Client defaults. The device is a small embedded server; retries are
// bounded and the delay between them is fixed rather than exponential.
const (
	defaultRequestTimeout = 10 * time.Second
	defaultMaxRetries     = 3
	defaultRetryDelay     = 1 * time.Second

	// defaultClientID identifies this bridge in the device's client list.
	defaultClientID = "net.girabridge.core"

	// maxErrorBodyBytes bounds how much of an error response body is
	// kept for diagnostics.
	maxErrorBodyBytes = 4096
)

// ClientConfig contains the settings for a device client.
type ClientConfig struct {
	// Host and Port locate the Gira X1 server.
	Host string
	Port int

	// Username and Password register a new API client when no token is
	// configured. Ignored when Token is set.
	Username string
	Password string

	// Token is a pre-issued API token. When set, Login only validates it.
	Token string

	// ClientID identifies this bridge to the device. Defaults to
	// defaultClientID when empty.
	ClientID string

	// RequestTimeout bounds each HTTP request. Defaults to 10s.
	RequestTimeout time.Duration

	// VerifyTLS enables certificate verification. Gira X1 servers ship
	// self-signed certificates, so this is normally false.
	VerifyTLS bool

	// MaxRetries and RetryDelay control the fixed retry policy for
	// connection failures. Zero values select the defaults.
	MaxRetries int
	RetryDelay time.Duration
}

// Client is a REST client for the Gira X1 API.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Token state is guarded
//     internally; the single transparent re-authentication on 401 is
//     serialised so concurrent requests do not stampede the device.
type Client struct {
	httpClient *http.Client
	baseURL    string
	cfg        ClientConfig

	maxRetries int
	retryDelay time.Duration

	// token state. providedToken distinguishes operator-issued tokens
	// (never revoked by Logout) from tokens obtained via registration.
	mu            sync.Mutex
	token         string
	providedToken bool
	authenticated bool

	logger   Logger
	loggerMu sync.RWMutex
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// NewClient creates a device client. No network traffic happens until
// Login is called.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ClientID == "" {
		cfg.ClientID = defaultClientID
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !cfg.VerifyTLS, //nolint:gosec // device uses a self-signed certificate
		},
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
		baseURL: fmt.Sprintf("https://%s:%d", cfg.Host, cfg.Port),
		cfg:     cfg,
		// A configured token is usable straight away; Login only
		// validates it against the device.
		token:         cfg.Token,
		providedToken: cfg.Token != "",
		maxRetries:    maxRetries,
		retryDelay:    retryDelay,
	}
}

// SetLogger sets a logger for request diagnostics.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Client) logDebug(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (c *Client) logWarn(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

// Token returns the current API token: the configured one, or the one
// issued at login; "" when neither exists. The webhook receiver compares
// incoming callback tokens against this.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Authenticated reports whether Login has succeeded.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// Login authenticates against the device.
//
// With a configured token, the token is validated by fetching the UI
// configuration version. Without one, a new API client is registered
// using basic-auth credentials and the issued token is kept for all
// subsequent requests.
//
// Returns:
//   - error: ErrAuth if the device rejects the token or credentials,
//     ErrConnection if the device is unreachable
func (c *Client) Login(ctx context.Context) error {
	if c.cfg.Token != "" {
		c.mu.Lock()
		c.token = c.cfg.Token
		c.providedToken = true
		c.mu.Unlock()

		// Validate by hitting an authenticated endpoint.
		if _, err := c.ConfigVersion(ctx); err != nil {
			c.mu.Lock()
			c.authenticated = false
			c.mu.Unlock()
			if errors.Is(err, ErrAuth) {
				return fmt.Errorf("%w: configured token rejected", ErrAuth)
			}
			return err
		}

		c.mu.Lock()
		c.authenticated = true
		c.mu.Unlock()
		return nil
	}

	return c.registerWithCredentials(ctx)
}

// registerWithCredentials registers this bridge as an API client on the
// device and stores the issued token.
func (c *Client) registerWithCredentials(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{"client": c.cfg.ClientID})
	if err != nil {
		return fmt.Errorf("gira: encoding client registration: %w", err)
	}

	resp, err := c.doRaw(ctx, http.MethodPost, "/api/v2/clients", nil, body, c.withBasicAuth())
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: device rejected credentials (status %d)", ErrAuth, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return readAPIError(resp)
	}

	var result struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("gira: decoding registration response: %w", err)
	}
	if result.Token == "" {
		return fmt.Errorf("%w: registration returned empty token", ErrAuth)
	}

	c.mu.Lock()
	c.token = result.Token
	c.providedToken = false
	c.authenticated = true
	c.mu.Unlock()

	c.logDebug("registered API client", "client_id", c.cfg.ClientID)
	return nil
}

// Logout revokes the registered API client on the device.
//
// Operator-provided tokens are left intact; only tokens obtained through
// credential registration are revoked.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	token := c.token
	provided := c.providedToken
	c.token = ""
	c.authenticated = false
	c.mu.Unlock()

	if token == "" || provided {
		return nil
	}

	resp, err := c.doRaw(ctx, http.MethodDelete, "/api/v2/clients/"+url.PathEscape(token), nil, nil, withToken(token))
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if resp.StatusCode >= http.StatusBadRequest {
		return readAPIError(resp)
	}
	return nil
}

// ConfigVersion fetches the current UI configuration version identifier.
// Comparing version identifiers detects project re-deploys cheaply.
func (c *Client) ConfigVersion(ctx context.Context) (string, error) {
	var result struct {
		UID string `json:"uid"`
	}
	if err := c.getJSON(ctx, "/api/v2/uiconfig/uid", nil, &result); err != nil {
		return "", err
	}
	return result.UID, nil
}

// UIConfig fetches the full UI configuration.
//
// Parameters:
//   - expand: expansion options (see ExpandDataPointFlags, ExpandParameters)
func (c *Client) UIConfig(ctx context.Context, expand []string) (*UIConfig, error) {
	query := url.Values{}
	if len(expand) > 0 {
		query.Set("expand", strings.Join(expand, ","))
	}

	var cfg UIConfig
	if err := c.getJSON(ctx, "/api/v2/uiconfig", query, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// valuesResponse is the payload of GET /api/values/{uid}. A single uid
// request can still answer multiple values (component datapoints).
type valuesResponse struct {
	Values []struct {
		UID   string          `json:"uid"`
		Value json.RawMessage `json:"value"`
	} `json:"values"`
}

// Values fetches current values for the given datapoint uids.
//
// The device has no batch endpoint, so each uid is fetched individually.
// Unreadable datapoints (the device answers 4xx for them) are skipped;
// connection and authentication failures abort the whole fetch.
func (c *Client) Values(ctx context.Context, uids []string) (map[string]string, error) {
	values := make(map[string]string, len(uids))
	for _, uid := range uids {
		var result valuesResponse
		err := c.getJSON(ctx, "/api/values/"+url.PathEscape(uid), nil, &result)
		if err != nil {
			if _, ok := IsAPIError(err); ok {
				c.logDebug("skipping unreadable datapoint", "uid", uid, "error", err)
				continue
			}
			return nil, err
		}
		for _, v := range result.Values {
			values[v.UID] = NormalizeRaw(v.Value)
		}
	}
	return values, nil
}

// Value fetches the current value of a single datapoint.
func (c *Client) Value(ctx context.Context, uid string) (string, error) {
	var result valuesResponse
	if err := c.getJSON(ctx, "/api/values/"+url.PathEscape(uid), nil, &result); err != nil {
		return "", err
	}
	for _, v := range result.Values {
		if v.UID == uid {
			return NormalizeRaw(v.Value), nil
		}
	}
	if len(result.Values) > 0 {
		return NormalizeRaw(result.Values[0].Value), nil
	}
	return "", fmt.Errorf("%w: %s", ErrDataPointNotFound, uid)
}

// SetValue writes a raw value to a datapoint.
func (c *Client) SetValue(ctx context.Context, uid string, value string) error {
	body, err := json.Marshal(map[string]string{"value": value})
	if err != nil {
		return fmt.Errorf("gira: encoding value: %w", err)
	}

	resp, err := c.doAuthed(ctx, http.MethodPut, "/api/values/"+url.PathEscape(uid), nil, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if resp.StatusCode >= http.StatusBadRequest {
		return readAPIError(resp)
	}
	return nil
}

// RegisterCallbacks registers the value and service callback URLs with
// the device.
//
// With test=true the device probes both URLs before accepting the
// registration. A failed probe (HTTP 400 containing callbackTestFailed,
// or 422 when the device insists on HTTPS) reports ok=false without an
// error: the caller falls back to polling. Transport failures and other
// statuses are returned as errors.
func (c *Client) RegisterCallbacks(ctx context.Context, valueURL, serviceURL string, test bool) (bool, error) {
	token := c.Token()
	if token == "" {
		return false, ErrNotAuthenticated
	}

	body, err := json.Marshal(map[string]any{
		"valueCallback":   valueURL,
		"serviceCallback": serviceURL,
		"testCallbacks":   test,
	})
	if err != nil {
		return false, fmt.Errorf("gira: encoding callback registration: %w", err)
	}

	resp, err := c.doAuthed(ctx, http.MethodPost, "/api/v2/clients/"+url.PathEscape(token)+"/callbacks", nil, body)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return true, nil
	case resp.StatusCode == http.StatusUnprocessableEntity:
		// Device requires HTTPS callbacks it can verify.
		c.logWarn("callback registration rejected: device requires reachable HTTPS endpoints")
		return false, nil
	case resp.StatusCode == http.StatusBadRequest:
		apiErr := readAPIError(resp)
		if api, ok := IsAPIError(apiErr); ok && strings.Contains(api.Body, "callbackTestFailed") {
			c.logWarn("callback test failed: device could not reach callback URLs",
				"value_url", valueURL, "service_url", serviceURL)
			return false, nil
		}
		return false, apiErr
	default:
		return false, readAPIError(resp)
	}
}

// UnregisterCallbacks removes any callback registration for this client.
// Missing registrations are not an error.
func (c *Client) UnregisterCallbacks(ctx context.Context) error {
	token := c.Token()
	if token == "" {
		return nil
	}

	resp, err := c.doAuthed(ctx, http.MethodDelete, "/api/v2/clients/"+url.PathEscape(token)+"/callbacks", nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusNotFound {
		return readAPIError(resp)
	}
	return nil
}

// getJSON performs an authenticated GET and decodes the JSON response.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	resp, err := c.doAuthed(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if resp.StatusCode >= http.StatusBadRequest {
		return readAPIError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gira: decoding response for %s: %w", path, err)
	}
	return nil
}

// doAuthed performs a token-authenticated request. On HTTP 401 it
// re-authenticates once (credential-registered tokens only) and replays
// the request; a second 401 is an authentication failure.
func (c *Client) doAuthed(ctx context.Context, method, path string, query url.Values, body []byte) (*http.Response, error) {
	token := c.Token()
	if token == "" {
		return nil, ErrNotAuthenticated
	}

	resp, err := c.doRaw(ctx, method, path, query, body, withToken(token))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	drainAndClose(resp)

	// Provided tokens cannot be refreshed; report straight away.
	c.mu.Lock()
	provided := c.providedToken
	c.mu.Unlock()
	if provided || c.cfg.Username == "" {
		c.mu.Lock()
		c.authenticated = false
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: token rejected by device", ErrAuth)
	}

	c.logDebug("token rejected, re-authenticating once")
	if err := c.registerWithCredentials(ctx); err != nil {
		return nil, err
	}

	resp, err = c.doRaw(ctx, method, path, query, body, withToken(c.Token()))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drainAndClose(resp)
		c.mu.Lock()
		c.authenticated = false
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: token rejected after re-authentication", ErrAuth)
	}
	return resp, nil
}

// requestOption mutates an outgoing request (auth headers, token query).
type requestOption func(req *http.Request)

func (c *Client) withBasicAuth() requestOption {
	return func(req *http.Request) {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
}

func withToken(token string) requestOption {
	return func(req *http.Request) {
		q := req.URL.Query()
		q.Set("token", token)
		req.URL.RawQuery = q.Encode()
	}
}

// doRaw performs one HTTP request with the fixed retry policy.
//
// Connection failures (dial errors, timeouts) are retried maxRetries
// times with retryDelay between attempts. Any HTTP response, whatever
// the status, ends the retry loop: status handling is the caller's job.
func (c *Client) doRaw(ctx context.Context, method, path string, query url.Values, body []byte, opts ...requestOption) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logDebug("retrying request", "method", method, "path", path, "attempt", attempt)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrConnection, ctx.Err())
			case <-time.After(c.retryDelay):
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return nil, fmt.Errorf("gira: building request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for _, opt := range opts {
			opt(req)
		}

		resp, err := c.httpClient.Do(req)
		if err == nil {
			return resp, nil
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrConnection, ctx.Err())
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %d attempts failed: %w", ErrConnection, c.maxRetries+1, lastErr)
}

// readAPIError converts a non-2xx response into an *APIError, consuming
// a bounded amount of the body for diagnostics.
func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes)) //nolint:errcheck // best-effort diagnostics
	return &APIError{
		Status: resp.StatusCode,
		Body:   strings.TrimSpace(string(body)),
	}
}

// drainAndClose releases a response we will not read.
func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes)) //nolint:errcheck // draining
	_ = resp.Body.Close()                                                    //nolint:errcheck // draining
}
