package gira

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// mockDevice is an in-memory DeviceClient for coordinator tests.
type mockDevice struct {
	mu sync.Mutex

	configVersion string
	uiConfig      *UIConfig
	values        map[string]string

	versionErr error
	valuesErr  error

	uiConfigCalls   int
	valuesCalls     int
	setCalls        []string
	registerCalls   []bool
	unregisterCalls int

	registerOK  bool
	registerErr error
}

func newMockDevice() *mockDevice {
	return &mockDevice{
		configVersion: "v1",
		uiConfig: &UIConfig{
			UID: "v1",
			Functions: []Function{{
				UID:          "f1",
				DisplayName:  "Hall Light",
				FunctionType: "de.gira.schema.functions.Switch",
				ChannelType:  "de.gira.schema.channels.Switch",
				DataPoints: []DataPoint{
					{Name: "OnOff", UID: "d1", CanRead: true, CanWrite: true},
					{Name: "Brightness", UID: "d2", CanRead: true, CanWrite: true},
				},
			}},
		},
		values:     map[string]string{"d1": "0", "d2": "50"},
		registerOK: true,
	}
}

func (m *mockDevice) Login(context.Context) error  { return nil }
func (m *mockDevice) Logout(context.Context) error { return nil }
func (m *mockDevice) Token() string                { return "mock-token" }

func (m *mockDevice) ConfigVersion(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.versionErr != nil {
		return "", m.versionErr
	}
	return m.configVersion, nil
}

func (m *mockDevice) UIConfig(context.Context, []string) (*UIConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uiConfigCalls++
	return m.uiConfig, nil
}

func (m *mockDevice) Values(_ context.Context, uids []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.valuesCalls++
	if m.valuesErr != nil {
		return nil, m.valuesErr
	}
	out := make(map[string]string, len(uids))
	for _, uid := range uids {
		if v, ok := m.values[uid]; ok {
			out[uid] = v
		}
	}
	return out, nil
}

func (m *mockDevice) SetValue(_ context.Context, uid string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCalls = append(m.setCalls, uid+"="+value)
	m.values[uid] = value
	return nil
}

func (m *mockDevice) RegisterCallbacks(_ context.Context, _, _ string, test bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registerCalls = append(m.registerCalls, test)
	return m.registerOK, m.registerErr
}

func (m *mockDevice) UnregisterCallbacks(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unregisterCalls++
	return nil
}

func (m *mockDevice) setConfigVersion(v string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configVersion = v
	m.uiConfig = &UIConfig{UID: v, Functions: m.uiConfig.Functions}
}

// mockReceiver tracks local webhook handler state.
type mockReceiver struct {
	mu          sync.Mutex
	registered  bool
	registerErr error
	registers   int
	unregisters int
}

func (r *mockReceiver) RegisterHandlers() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registerErr != nil {
		return r.registerErr
	}
	r.registers++
	r.registered = true
	return nil
}

func (r *mockReceiver) UnregisterHandlers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisters++
	r.registered = false
}

func (r *mockReceiver) isRegistered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered
}

// staticResolver resolves to a fixed URL.
type staticResolver struct {
	url string
	err error
}

func (r *staticResolver) Resolve(context.Context) (string, error) {
	return r.url, r.err
}

func newTestCoordinator(t *testing.T, device *mockDevice, receiver *mockReceiver) *Coordinator {
	t.Helper()

	opts := CoordinatorOptions{
		Client:               device,
		FastPollInterval:     5 * time.Second,
		FallbackPollInterval: 300 * time.Second,
		SettleDelay:          10 * time.Millisecond,
	}
	if receiver != nil {
		opts.Receiver = receiver
		opts.Resolver = &staticResolver{url: "https://10.0.0.2:8443"}
	}

	c, err := NewCoordinator(opts)
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	return c
}

func TestNewCoordinator_RequiresClient(t *testing.T) {
	if _, err := NewCoordinator(CoordinatorOptions{}); err == nil {
		t.Fatal("NewCoordinator() without client succeeded, want error")
	}
}

func TestCoordinator_InitializeBuildsSnapshot(t *testing.T) {
	device := newMockDevice()
	c := newTestCoordinator(t, device, nil)

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	snap := c.Snapshot()
	if snap == nil {
		t.Fatal("Snapshot() = nil after Initialize")
	}
	if snap.ConfigVersion != "v1" {
		t.Errorf("ConfigVersion = %q, want %q", snap.ConfigVersion, "v1")
	}
	if v, ok := snap.Value("d2"); !ok || v != "50" {
		t.Errorf("Value(d2) = %q, %v, want \"50\", true", v, ok)
	}
	if !c.Available() {
		t.Error("Available() = false after successful refresh")
	}
}

func TestCoordinator_ValueEventsMergeAdditively(t *testing.T) {
	device := newMockDevice()
	c := newTestCoordinator(t, device, nil)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	var notified *Snapshot
	c.AddListener(func(s *Snapshot) { notified = s })

	before := c.Snapshot()
	c.ApplyValueEvents([]ValueEvent{{UID: "d1", Value: "1"}})

	after := c.Snapshot()
	if v, _ := after.Value("d1"); v != "1" {
		t.Errorf("Value(d1) = %q after event, want \"1\"", v)
	}
	if v, _ := after.Value("d2"); v != "50" {
		t.Errorf("Value(d2) = %q after event, want untouched \"50\"", v)
	}
	if v, _ := before.Value("d1"); v != "0" {
		t.Errorf("published snapshots must be immutable: old Value(d1) = %q, want \"0\"", v)
	}
	if notified != after {
		t.Error("listener did not receive the merged snapshot")
	}
}

func TestCoordinator_ValueEventsBeforeFirstSnapshotDropped(t *testing.T) {
	device := newMockDevice()
	c := newTestCoordinator(t, device, nil)

	var notified bool
	c.AddListener(func(*Snapshot) { notified = true })

	c.ApplyValueEvents([]ValueEvent{{UID: "d1", Value: "1"}})

	if snap := c.Snapshot(); snap != nil {
		t.Fatalf("Snapshot() = %+v after early events, want nil", snap)
	}
	if notified {
		t.Error("listeners must not be notified for dropped early events")
	}
}

func TestCoordinator_PollingReplacesWholesale(t *testing.T) {
	device := newMockDevice()
	c := newTestCoordinator(t, device, nil)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	// Inject a value for a uid the device no longer reports.
	c.ApplyValueEvents([]ValueEvent{{UID: "ghost", Value: "1"}})
	if _, ok := c.Snapshot().Value("ghost"); !ok {
		t.Fatal("event merge failed to apply")
	}

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if _, ok := c.Snapshot().Value("ghost"); ok {
		t.Error("poll must replace the value set wholesale, stale uid survived")
	}
}

func TestCoordinator_ConfigFetchedOnlyOnVersionChange(t *testing.T) {
	device := newMockDevice()
	c := newTestCoordinator(t, device, nil)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if device.uiConfigCalls != 1 {
		t.Fatalf("uiConfigCalls = %d after init, want 1", device.uiConfigCalls)
	}

	// Same version: values only.
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if device.uiConfigCalls != 1 {
		t.Errorf("uiConfigCalls = %d after unchanged refresh, want 1", device.uiConfigCalls)
	}

	// New version: exactly one config fetch.
	device.setConfigVersion("v2")
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if device.uiConfigCalls != 2 {
		t.Errorf("uiConfigCalls = %d after version change, want 2", device.uiConfigCalls)
	}
	if got := c.Snapshot().ConfigVersion; got != "v2" {
		t.Errorf("ConfigVersion = %q, want %q", got, "v2")
	}
}

func TestCoordinator_ConfigChangeReregistersCallbacks(t *testing.T) {
	device := newMockDevice()
	receiver := &mockReceiver{}
	c := newTestCoordinator(t, device, receiver)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if !c.SetupCallbackMode(context.Background()) {
		t.Fatal("SetupCallbackMode() = false, want true")
	}
	if got := device.registerCalls; len(got) != 1 || !got[0] {
		t.Fatalf("registerCalls = %v, want one verified registration", got)
	}

	device.setConfigVersion("v2")
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	got := device.registerCalls
	if len(got) != 2 || got[1] {
		t.Fatalf("registerCalls = %v, want unverified re-registration after config change", got)
	}
	if !c.CallbacksEnabled() {
		t.Error("callbacks dropped after successful re-registration")
	}
}

func TestCoordinator_RefreshFailureKeepsLastSnapshot(t *testing.T) {
	device := newMockDevice()
	c := newTestCoordinator(t, device, nil)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	good := c.Snapshot()

	device.mu.Lock()
	device.versionErr = fmt.Errorf("%w: device offline", ErrConnection)
	device.mu.Unlock()

	if err := c.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh() succeeded against offline device")
	}
	if c.Available() {
		t.Error("Available() = true after failed refresh")
	}
	if !errors.Is(c.LastError(), ErrConnection) {
		t.Errorf("LastError() = %v, want ErrConnection", c.LastError())
	}
	if c.Snapshot() != good {
		t.Error("failed refresh must keep the previous snapshot")
	}

	device.mu.Lock()
	device.versionErr = nil
	device.mu.Unlock()

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v after recovery", err)
	}
	if !c.Available() || c.LastError() != nil {
		t.Error("coordinator did not recover availability after successful refresh")
	}
}

// captureLogger records log messages for assertions.
type captureLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *captureLogger) record(msg string) {
	l.mu.Lock()
	l.msgs = append(l.msgs, msg)
	l.mu.Unlock()
}

func (l *captureLogger) Debug(msg string, _ ...any) { l.record(msg) }
func (l *captureLogger) Info(msg string, _ ...any)  { l.record(msg) }
func (l *captureLogger) Warn(msg string, _ ...any)  { l.record(msg) }
func (l *captureLogger) Error(msg string, _ ...any) { l.record(msg) }

func (l *captureLogger) count(msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range l.msgs {
		if m == msg {
			n++
		}
	}
	return n
}

func TestCoordinator_ConfigFetchLogging(t *testing.T) {
	device := newMockDevice()
	c := newTestCoordinator(t, device, nil)
	logger := &captureLogger{}
	c.SetLogger(logger)

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if got := logger.count("UI configuration loaded"); got != 1 {
		t.Errorf("loaded logged %d times after init, want 1", got)
	}
	if got := logger.count("UI configuration changed"); got != 0 {
		t.Errorf("changed logged %d times after init, want 0", got)
	}

	device.setConfigVersion("v2")
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if got := logger.count("UI configuration changed"); got != 1 {
		t.Errorf("changed logged %d times after version change, want 1", got)
	}
	if got := logger.count("UI configuration loaded"); got != 1 {
		t.Errorf("loaded logged %d times after version change, want 1", got)
	}
}

func TestCoordinator_AvailabilityListenerFiresOnTransitions(t *testing.T) {
	device := newMockDevice()
	c := newTestCoordinator(t, device, nil)

	var transitions []bool
	c.AddAvailabilityListener(func(available bool) {
		transitions = append(transitions, available)
	})

	// The first successful refresh is itself a transition.
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	device.mu.Lock()
	device.versionErr = fmt.Errorf("%w: device offline", ErrConnection)
	device.mu.Unlock()

	// Two failed cycles fire one offline transition.
	c.Refresh(context.Background())
	c.Refresh(context.Background())

	device.mu.Lock()
	device.versionErr = nil
	device.mu.Unlock()

	// Two good cycles fire one recovery.
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v after recovery", err)
	}
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	want := []bool{true, false, true}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i, w := range want {
		if transitions[i] != w {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestCoordinator_ServiceEventDispatch(t *testing.T) {
	drainRefresh := func(c *Coordinator) bool {
		select {
		case <-c.refreshCh:
			return true
		default:
			return false
		}
	}

	t.Run("ui config changed refreshes immediately", func(t *testing.T) {
		c := newTestCoordinator(t, newMockDevice(), nil)
		c.ApplyServiceEvent(ServiceEventUIConfigChanged, "uiConfigChanged")
		if !drainRefresh(c) {
			t.Error("no refresh requested")
		}
	})

	t.Run("startup refreshes immediately", func(t *testing.T) {
		c := newTestCoordinator(t, newMockDevice(), nil)
		c.ApplyServiceEvent(ServiceEventStartup, "startup")
		if !drainRefresh(c) {
			t.Error("no refresh requested")
		}
	})

	t.Run("project config change defers past settle delay", func(t *testing.T) {
		c := newTestCoordinator(t, newMockDevice(), nil)
		c.ApplyServiceEvent(ServiceEventProjectConfigChanged, "projectConfigChanged")
		if drainRefresh(c) {
			t.Fatal("refresh requested before settle delay elapsed")
		}
		deadline := time.After(time.Second)
		for !drainRefresh(c) {
			select {
			case <-deadline:
				t.Fatal("no refresh requested after settle delay")
			case <-time.After(time.Millisecond):
			}
		}
	})

	t.Run("informational and unknown events do nothing", func(t *testing.T) {
		c := newTestCoordinator(t, newMockDevice(), nil)
		c.ApplyServiceEvent(ServiceEventRestart, "restart")
		c.ApplyServiceEvent(ServiceEventTest, "test")
		c.ApplyServiceEvent(ServiceEventUnknown, "somethingNew")
		if drainRefresh(c) {
			t.Error("informational event requested a refresh")
		}
	})
}

func TestCoordinator_SetValueSchedulesRefresh(t *testing.T) {
	device := newMockDevice()
	c := newTestCoordinator(t, device, nil)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if err := c.SetValue(context.Background(), "d1", "1"); err != nil {
		t.Fatalf("SetValue() error = %v", err)
	}

	device.mu.Lock()
	calls := device.setCalls
	device.mu.Unlock()
	if len(calls) != 1 || calls[0] != "d1=1" {
		t.Errorf("device writes = %v, want [d1=1]", calls)
	}

	select {
	case <-c.refreshCh:
	default:
		t.Error("SetValue did not schedule a refresh")
	}
}

func TestCoordinator_StartStop(t *testing.T) {
	device := newMockDevice()
	c, err := NewCoordinator(CoordinatorOptions{
		Client:           device,
		FastPollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	deadline := time.After(time.Second)
	for {
		device.mu.Lock()
		calls := device.valuesCalls
		device.mu.Unlock()
		if calls >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("refresh loop never polled")
		case <-time.After(time.Millisecond):
		}
	}

	c.Stop()
	c.Stop() // idempotent
}
