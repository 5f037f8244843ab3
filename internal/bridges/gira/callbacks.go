package gira

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// Paths the device delivers callbacks to, relative to the resolved
// callback base URL.
const (
	CallbackValuePath   = "/api/v1/callbacks/value"
	CallbackServicePath = "/api/v1/callbacks/service"
)

// CallbackSetupResult classifies the outcome of a callback setup attempt.
type CallbackSetupResult int

const (
	// CallbackSetupSuccess means the device accepted the registration
	// and verified both endpoints.
	CallbackSetupSuccess CallbackSetupResult = iota

	// CallbackSetupNoURL means no callback base URL could be resolved.
	CallbackSetupNoURL

	// CallbackSetupRejected means the device could not reach the
	// endpoints or requires HTTPS.
	CallbackSetupRejected

	// CallbackSetupError means the registration failed with a transport
	// or authentication error.
	CallbackSetupError
)

// String returns a short name for logging.
func (r CallbackSetupResult) String() string {
	switch r {
	case CallbackSetupSuccess:
		return "success"
	case CallbackSetupNoURL:
		return "no_url"
	case CallbackSetupRejected:
		return "rejected"
	case CallbackSetupError:
		return "error"
	default:
		return "unknown"
	}
}

// SetupCallbackMode attempts to switch from polling to push callbacks.
//
// Local webhook handlers are activated before the device registration
// because the device probes both endpoints while processing the
// registration request. If the registration fails for any reason the
// handlers are deactivated again, so a failed setup never leaves
// orphaned endpoints behind.
//
// Returns true when callbacks are active afterwards. On failure the
// coordinator stays on the fast polling cadence; the bridge remains
// fully functional either way. Calling this while a session is already
// active is a no-op returning true.
func (c *Coordinator) SetupCallbackMode(ctx context.Context) bool {
	if c.CallbacksEnabled() {
		return true
	}

	result := c.setupCallbacks(ctx)
	if result != CallbackSetupSuccess {
		c.logWarn("callback setup failed, staying in polling mode",
			"result", result.String(),
			"poll_interval", c.fastPollInterval,
		)
		c.setRefreshInterval(c.fastPollInterval)
		return false
	}

	c.mu.Lock()
	c.session.enabled = true
	c.refreshInterval = c.fallbackPollInterval
	c.mu.Unlock()

	c.logInfo("callbacks active",
		"fallback_poll_interval", c.fallbackPollInterval,
	)
	return true
}

func (c *Coordinator) setupCallbacks(ctx context.Context) CallbackSetupResult {
	if c.receiver == nil || c.resolver == nil {
		return CallbackSetupNoURL
	}

	base, err := c.resolver.Resolve(ctx)
	if err != nil {
		c.logWarn("resolving callback URL failed", "error", err)
		return CallbackSetupNoURL
	}

	valueURL := base + CallbackValuePath
	serviceURL := base + CallbackServicePath

	if err := c.receiver.RegisterHandlers(); err != nil {
		c.logWarn("activating webhook handlers failed", "error", err)
		return CallbackSetupError
	}
	c.mu.Lock()
	c.session.handlersRegistered = true
	c.mu.Unlock()

	ok, err := c.client.RegisterCallbacks(ctx, valueURL, serviceURL, true)
	if err != nil || !ok {
		c.receiver.UnregisterHandlers()
		c.mu.Lock()
		c.session.handlersRegistered = false
		c.mu.Unlock()

		if err != nil {
			c.logWarn("callback registration failed", "error", err)
			return CallbackSetupError
		}
		return CallbackSetupRejected
	}

	c.mu.Lock()
	c.session.valueURL = valueURL
	c.session.serviceURL = serviceURL
	c.mu.Unlock()

	c.logInfo("registered device callbacks",
		"value_url", valueURL,
		"service_url", serviceURL,
	)
	return CallbackSetupSuccess
}

// TeardownCallbackMode unregisters device callbacks and deactivates the
// local webhook handlers, returning the coordinator to the fast polling
// cadence. Idempotent; safe to call when no session is active. Errors
// from the device are logged, not returned: local handler cleanup must
// happen regardless.
func (c *Coordinator) TeardownCallbackMode(ctx context.Context) {
	c.mu.Lock()
	enabled := c.session.enabled
	handlersRegistered := c.session.handlersRegistered
	c.session = callbackSession{}
	c.refreshInterval = c.fastPollInterval
	c.mu.Unlock()

	if !enabled && !handlersRegistered {
		return
	}

	if enabled {
		if err := c.client.UnregisterCallbacks(ctx); err != nil {
			c.logWarn("unregistering device callbacks failed", "error", err)
		}
	}

	if handlersRegistered && c.receiver != nil {
		c.receiver.UnregisterHandlers()
	}

	c.logInfo("callbacks torn down, polling resumed",
		"poll_interval", c.fastPollInterval,
	)
}

func (c *Coordinator) setRefreshInterval(d time.Duration) {
	c.mu.Lock()
	c.refreshInterval = d
	c.mu.Unlock()
}

// CallbackURLResolver resolves the base URL the device should deliver
// callbacks to. Resolution order:
//
//  1. Override, verbatim (minus a trailing slash). For deployments
//     behind NAT or a reverse proxy where no local address works.
//  2. https://<local IP>:<port>, where the local IP is the source
//     address the OS would use to reach the device. Determined with a
//     transient UDP socket; no packet is sent.
//  3. AdvertisedURL with its scheme forced to https. The device rejects
//     plain-http callback URLs.
//
// When all three fail, Resolve returns ErrNoCallbackURL and the
// coordinator stays in polling mode.
type CallbackURLResolver struct {
	// Override is an operator-supplied base URL, used as-is.
	Override string

	// AdvertisedURL is an externally configured URL of this bridge,
	// typically from ingress or proxy configuration.
	AdvertisedURL string

	// DeviceHost is the device address, used to pick the local
	// interface that routes to it.
	DeviceHost string

	// ListenPort is the port the webhook endpoints listen on.
	ListenPort int
}

// Resolve returns the callback base URL without a trailing slash.
func (r *CallbackURLResolver) Resolve(ctx context.Context) (string, error) {
	if r.Override != "" {
		return strings.TrimRight(r.Override, "/"), nil
	}

	if ip, err := r.routableLocalIP(ctx); err == nil {
		return fmt.Sprintf("https://%s:%d", ip, r.ListenPort), nil
	}

	if r.AdvertisedURL != "" {
		url := strings.TrimRight(r.AdvertisedURL, "/")
		if strings.HasPrefix(url, "http://") {
			url = "https://" + strings.TrimPrefix(url, "http://")
		}
		return url, nil
	}

	return "", ErrNoCallbackURL
}

// routableLocalIP returns the local address the OS routes toward the
// device. Dialing UDP only binds the socket; nothing goes on the wire.
func (r *CallbackURLResolver) routableLocalIP(ctx context.Context) (string, error) {
	if r.DeviceHost == "" {
		return "", fmt.Errorf("gira: no device host to route toward")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", net.JoinHostPort(r.DeviceHost, "443"))
	if err != nil {
		return "", fmt.Errorf("gira: determining local address: %w", err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("gira: unexpected local address type %T", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}
