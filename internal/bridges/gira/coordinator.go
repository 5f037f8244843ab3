package gira

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Coordinator cadence defaults.
const (
	// defaultFastPollInterval is the refresh cadence while polling is
	// the only source of updates.
	defaultFastPollInterval = 5 * time.Second

	// defaultFallbackPollInterval is the safety-net cadence while the
	// device pushes callbacks.
	defaultFallbackPollInterval = 300 * time.Second

	// defaultSettleDelay is how long to wait after a project
	// configuration change before refreshing.
	defaultSettleDelay = 10 * time.Second
)

// Snapshot is an immutable view of the device state. The coordinator
// replaces the whole Snapshot on poll and publishes merged copies for
// webhook events; consumers must never mutate one.
type Snapshot struct {
	// Values maps datapoint uid to raw wire value.
	Values map[string]string

	// Config is the UI configuration the values belong to.
	Config *UIConfig

	// ConfigVersion is the configuration uid at fetch time.
	ConfigVersion string

	// FetchedAt is when this Snapshot was produced.
	FetchedAt time.Time
}

// Value returns the raw value of a datapoint.
func (s *Snapshot) Value(uid string) (string, bool) {
	if s == nil {
		return "", false
	}
	v, ok := s.Values[uid]
	return v, ok
}

// merge returns a copy of the Snapshot with the given events applied
// additively. The receiver is left untouched.
func (s *Snapshot) merge(events []ValueEvent) *Snapshot {
	next := &Snapshot{
		Values:        make(map[string]string, len(s.Values)+len(events)),
		Config:        s.Config,
		ConfigVersion: s.ConfigVersion,
		FetchedAt:     time.Now(),
	}
	for uid, v := range s.Values {
		next.Values[uid] = v
	}
	for _, ev := range events {
		next.Values[ev.UID] = ev.Value
	}
	return next
}

// DeviceClient is the device API surface the coordinator depends on.
// *Client satisfies it; tests substitute a mock.
type DeviceClient interface {
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	Token() string
	ConfigVersion(ctx context.Context) (string, error)
	UIConfig(ctx context.Context, expand []string) (*UIConfig, error)
	Values(ctx context.Context, uids []string) (map[string]string, error)
	SetValue(ctx context.Context, uid string, value string) error
	RegisterCallbacks(ctx context.Context, valueURL, serviceURL string, test bool) (bool, error)
	UnregisterCallbacks(ctx context.Context) error
}

// CallbackReceiver manages the local webhook endpoints that the device
// delivers callbacks to. The API server implements it.
type CallbackReceiver interface {
	// RegisterHandlers activates the webhook endpoints.
	RegisterHandlers() error

	// UnregisterHandlers deactivates the webhook endpoints. Idempotent.
	UnregisterHandlers()
}

// URLResolver determines the base URL the device should deliver
// callbacks to.
type URLResolver interface {
	Resolve(ctx context.Context) (string, error)
}

// CoordinatorOptions contains dependencies and settings for a Coordinator.
type CoordinatorOptions struct {
	// Client is the device client. Required.
	Client DeviceClient

	// Receiver manages local webhook handlers. Optional; without one
	// the coordinator stays in polling mode.
	Receiver CallbackReceiver

	// Resolver determines the callback base URL. Optional; without one
	// the coordinator stays in polling mode.
	Resolver URLResolver

	// Logger is optional structured logging.
	Logger Logger

	// FastPollInterval is the polling-only cadence. Defaults to 5s.
	FastPollInterval time.Duration

	// FallbackPollInterval is the callback-mode cadence. Defaults to 300s.
	FallbackPollInterval time.Duration

	// SettleDelay is the wait before refreshing after a project
	// configuration change. Defaults to 10s.
	SettleDelay time.Duration

	// ConfigExpand overrides the UI configuration expansion set.
	ConfigExpand []string
}

// callbackSession tracks the push-callback registration state. All
// fields are guarded by Coordinator.mu.
type callbackSession struct {
	enabled            bool
	handlersRegistered bool
	valueURL           string
	serviceURL         string
}

// Coordinator owns the authoritative device Snapshot and keeps it fresh
// through polling and, when available, push callbacks.
//
// Concurrency model: refresh cycles are serialised by refreshMu, so at
// most one fetch pipeline runs at a time. Snapshot publication is a
// pointer swap under mu; readers never block writers for long.
type Coordinator struct {
	client   DeviceClient
	receiver CallbackReceiver
	resolver URLResolver

	fastPollInterval     time.Duration
	fallbackPollInterval time.Duration
	settleDelay          time.Duration
	configExpand         []string

	// refreshMu serialises refresh cycles.
	refreshMu sync.Mutex

	mu              sync.RWMutex
	snapshot        *Snapshot
	session         callbackSession
	available       bool
	lastErr         error
	refreshInterval time.Duration

	listenerMu            sync.RWMutex
	listeners             []func(*Snapshot)
	availabilityListeners []func(bool)

	refreshCh chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex
}

// NewCoordinator creates a Coordinator.
//
// Returns:
//   - error: if required dependencies are missing
func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Client == nil {
		return nil, errors.New("gira: coordinator requires a device client")
	}

	if opts.FastPollInterval <= 0 {
		opts.FastPollInterval = defaultFastPollInterval
	}
	if opts.FallbackPollInterval <= 0 {
		opts.FallbackPollInterval = defaultFallbackPollInterval
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = defaultSettleDelay
	}
	if len(opts.ConfigExpand) == 0 {
		opts.ConfigExpand = DefaultConfigExpand()
	}

	return &Coordinator{
		client:               opts.Client,
		receiver:             opts.Receiver,
		resolver:             opts.Resolver,
		fastPollInterval:     opts.FastPollInterval,
		fallbackPollInterval: opts.FallbackPollInterval,
		settleDelay:          opts.SettleDelay,
		configExpand:         opts.ConfigExpand,
		refreshInterval:      opts.FastPollInterval,
		refreshCh:            make(chan struct{}, 1),
		done:                 make(chan struct{}),
		logger:               opts.Logger,
	}, nil
}

// Initialize authenticates and performs the first refresh. A failure
// here is fatal for startup: without an initial Snapshot the bridge has
// nothing to serve.
func (c *Coordinator) Initialize(ctx context.Context) error {
	if err := c.client.Login(ctx); err != nil {
		return fmt.Errorf("logging in to device: %w", err)
	}

	if err := c.Refresh(ctx); err != nil {
		return fmt.Errorf("initial refresh: %w", err)
	}

	c.logInfo("coordinator initialised",
		"datapoints", len(c.Snapshot().Values),
		"config_version", c.Snapshot().ConfigVersion,
	)
	return nil
}

// Start launches the background refresh loop. Call Stop to end it.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop ends the refresh loop and waits for it to exit. Idempotent.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
}

// run is the refresh loop. The wait between cycles re-reads the current
// interval each iteration, so switching between polling and callback
// cadence takes effect on the next cycle.
func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		timer := time.NewTimer(c.RefreshInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.done:
			timer.Stop()
			return
		case <-c.refreshCh:
			timer.Stop()
		case <-timer.C:
		}

		if err := c.Refresh(ctx); err != nil {
			c.logWarn("refresh cycle failed", "error", err)
		}
	}
}

// RequestRefresh schedules an out-of-band refresh on the next loop
// iteration. Non-blocking; coalesces with a pending request.
func (c *Coordinator) RequestRefresh() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// Refresh runs one full refresh cycle:
//
//  1. Fetch the configuration version.
//  2. If it differs from the cached one, fetch the full configuration
//     (exactly once) and, when callbacks are active, re-register them
//     so the device keeps pushing after a project re-deploy.
//  3. Fetch all datapoint values. This happens unconditionally, also
//     in callback mode: polling is authoritative and repairs missed
//     webhook deliveries.
//  4. Replace the Snapshot and notify listeners.
//
// A failed cycle marks the device unavailable and leaves the previous
// Snapshot in place; the next successful cycle recovers.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	snap, err := c.fetch(ctx)
	if err != nil {
		c.mu.Lock()
		wasAvailable := c.available
		c.available = false
		c.lastErr = err
		c.mu.Unlock()
		if wasAvailable {
			c.notifyAvailability(false)
		}
		return err
	}

	c.mu.Lock()
	wasAvailable := c.available
	c.snapshot = snap
	c.available = true
	c.lastErr = nil
	c.mu.Unlock()

	if !wasAvailable {
		c.notifyAvailability(true)
	}
	c.notify(snap)
	return nil
}

// fetch produces a fresh Snapshot from the device.
func (c *Coordinator) fetch(ctx context.Context) (*Snapshot, error) {
	version, err := c.client.ConfigVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching config version: %w", err)
	}

	current := c.Snapshot()

	cfg := current.config()
	if cfg == nil || current.ConfigVersion != version {
		firstFetch := cfg == nil
		cfg, err = c.client.UIConfig(ctx, c.configExpand)
		if err != nil {
			return nil, fmt.Errorf("fetching UI config: %w", err)
		}
		if firstFetch {
			c.logInfo("UI configuration loaded", "version", version, "functions", len(cfg.Functions))
		} else {
			c.logInfo("UI configuration changed", "version", version, "functions", len(cfg.Functions))
		}
		c.reregisterCallbacks(ctx)
	}

	values, err := c.client.Values(ctx, cfg.DataPointIDs())
	if err != nil {
		return nil, fmt.Errorf("fetching values: %w", err)
	}

	return &Snapshot{
		Values:        values,
		Config:        cfg,
		ConfigVersion: version,
		FetchedAt:     time.Now(),
	}, nil
}

// config returns the Snapshot's configuration, tolerating a nil receiver.
func (s *Snapshot) config() *UIConfig {
	if s == nil {
		return nil
	}
	return s.Config
}

// reregisterCallbacks renews the callback registration after a
// configuration change. Runs without the verification probe: the URLs
// were already proven reachable at setup. Failure drops the session
// back to polling cadence rather than failing the refresh cycle.
func (c *Coordinator) reregisterCallbacks(ctx context.Context) {
	c.mu.RLock()
	enabled := c.session.enabled
	valueURL := c.session.valueURL
	serviceURL := c.session.serviceURL
	c.mu.RUnlock()

	if !enabled {
		return
	}

	ok, err := c.client.RegisterCallbacks(ctx, valueURL, serviceURL, false)
	if err != nil || !ok {
		c.logWarn("callback re-registration failed, reverting to polling", "error", err)
		c.TeardownCallbackMode(ctx)
	}
}

// ApplyValueEvents merges pushed datapoint changes into a copy of the
// current Snapshot and publishes it. Events arriving before the first
// Snapshot exists are dropped: the imminent initial refresh fetches
// every value anyway, and consumers must never observe a Snapshot
// without its configuration.
func (c *Coordinator) ApplyValueEvents(events []ValueEvent) {
	if len(events) == 0 {
		return
	}

	c.mu.Lock()
	base := c.snapshot
	if base == nil {
		c.mu.Unlock()
		c.logDebug("dropping value events, no snapshot yet", "count", len(events))
		return
	}
	snap := base.merge(events)
	c.snapshot = snap
	c.mu.Unlock()

	c.logDebug("applied value events", "count", len(events))
	c.notify(snap)
}

// ApplyServiceEvent dispatches a pushed service event.
//
// The dispatch is total over ServiceEventKind:
//   - uiConfigChanged, startup: immediate refresh
//   - projectConfigChanged: refresh after the settle delay
//   - restart, test: informational
//   - unknown: logged with the raw event name, otherwise ignored
func (c *Coordinator) ApplyServiceEvent(kind ServiceEventKind, raw string) {
	switch kind {
	case ServiceEventUIConfigChanged, ServiceEventStartup:
		c.logInfo("service event requests refresh", "event", string(kind))
		c.RequestRefresh()
	case ServiceEventProjectConfigChanged:
		c.logInfo("project configuration changing, deferring refresh",
			"settle_delay", c.settleDelay)
		time.AfterFunc(c.settleDelay, c.RequestRefresh)
	case ServiceEventRestart:
		c.logInfo("device announced restart")
	case ServiceEventTest:
		c.logDebug("received callback test event")
	case ServiceEventUnknown:
		c.logWarn("ignoring unknown service event", "event", raw)
	}
}

// SetValue writes a raw value to a datapoint and schedules a refresh so
// the Snapshot converges on the device's resulting state.
func (c *Coordinator) SetValue(ctx context.Context, uid string, value string) error {
	if err := c.client.SetValue(ctx, uid, value); err != nil {
		return err
	}
	c.RequestRefresh()
	return nil
}

// Snapshot returns the current Snapshot. Nil before the first
// successful refresh or value event.
func (c *Coordinator) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Available reports whether the most recent refresh cycle succeeded.
func (c *Coordinator) Available() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available
}

// LastError returns the error of the most recent failed refresh cycle,
// or nil after a successful one.
func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// RefreshInterval returns the currently active poll cadence.
func (c *Coordinator) RefreshInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshInterval
}

// CallbacksEnabled reports whether a callback session is active.
func (c *Coordinator) CallbacksEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.enabled
}

// HandlersRegistered reports whether local webhook handlers are active.
func (c *Coordinator) HandlersRegistered() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.handlersRegistered
}

// AddListener registers a callback invoked with every new Snapshot.
// Listeners must not block; they run on the publishing goroutine.
func (c *Coordinator) AddListener(fn func(*Snapshot)) {
	c.listenerMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenerMu.Unlock()
}

// AddAvailabilityListener registers a callback invoked when device
// reachability changes. Listeners fire on transitions only: once when a
// refresh cycle first fails and once when a later cycle recovers.
func (c *Coordinator) AddAvailabilityListener(fn func(available bool)) {
	c.listenerMu.Lock()
	c.availabilityListeners = append(c.availabilityListeners, fn)
	c.listenerMu.Unlock()
}

// notify delivers a Snapshot to all listeners.
func (c *Coordinator) notify(snap *Snapshot) {
	c.listenerMu.RLock()
	listeners := c.listeners
	c.listenerMu.RUnlock()

	for _, fn := range listeners {
		fn(snap)
	}
}

// notifyAvailability delivers a reachability transition to all
// availability listeners.
func (c *Coordinator) notifyAvailability(available bool) {
	c.listenerMu.RLock()
	listeners := c.availabilityListeners
	c.listenerMu.RUnlock()

	for _, fn := range listeners {
		fn(available)
	}
}

// SetLogger sets a logger. Safe to call at any time.
func (c *Coordinator) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Coordinator) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Coordinator) logInfo(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (c *Coordinator) logWarn(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (c *Coordinator) logDebug(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
