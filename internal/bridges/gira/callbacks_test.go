package gira

import (
	"context"
	"errors"
	"testing"
)

func TestCoordinator_SetupCallbackMode(t *testing.T) {
	device := newMockDevice()
	receiver := &mockReceiver{}
	c := newTestCoordinator(t, device, receiver)

	if !c.SetupCallbackMode(context.Background()) {
		t.Fatal("SetupCallbackMode() = false, want true")
	}
	if !c.CallbacksEnabled() {
		t.Error("CallbacksEnabled() = false after setup")
	}
	if !receiver.isRegistered() {
		t.Error("local handlers not registered")
	}
	if got := c.RefreshInterval(); got != c.fallbackPollInterval {
		t.Errorf("RefreshInterval() = %v, want fallback cadence %v", got, c.fallbackPollInterval)
	}

	// Second setup is a no-op.
	if !c.SetupCallbackMode(context.Background()) {
		t.Fatal("repeated SetupCallbackMode() = false, want true")
	}
	if len(device.registerCalls) != 1 {
		t.Errorf("registerCalls = %v, repeated setup must not re-register", device.registerCalls)
	}
	if receiver.registers != 1 {
		t.Errorf("handler registrations = %d, want 1", receiver.registers)
	}
}

func TestCoordinator_SetupCallbackMode_RejectedLeavesNoHandlers(t *testing.T) {
	device := newMockDevice()
	device.registerOK = false
	receiver := &mockReceiver{}
	c := newTestCoordinator(t, device, receiver)

	if c.SetupCallbackMode(context.Background()) {
		t.Fatal("SetupCallbackMode() = true despite device rejection")
	}
	if c.CallbacksEnabled() {
		t.Error("CallbacksEnabled() = true after rejection")
	}
	if receiver.isRegistered() {
		t.Error("rejected setup left webhook handlers registered")
	}
	if c.HandlersRegistered() {
		t.Error("HandlersRegistered() = true after rejection")
	}
	if got := c.RefreshInterval(); got != c.fastPollInterval {
		t.Errorf("RefreshInterval() = %v, want fast cadence %v", got, c.fastPollInterval)
	}

	// Handlers were registered for the device probe, then cleaned up.
	if receiver.registers != 1 || receiver.unregisters != 1 {
		t.Errorf("handler register/unregister = %d/%d, want 1/1",
			receiver.registers, receiver.unregisters)
	}
}

func TestCoordinator_SetupCallbackMode_RegistrationError(t *testing.T) {
	device := newMockDevice()
	device.registerErr = errors.New("boom")
	receiver := &mockReceiver{}
	c := newTestCoordinator(t, device, receiver)

	if c.SetupCallbackMode(context.Background()) {
		t.Fatal("SetupCallbackMode() = true despite registration error")
	}
	if receiver.isRegistered() {
		t.Error("failed setup left webhook handlers registered")
	}
}

func TestCoordinator_SetupCallbackMode_NoURL(t *testing.T) {
	device := newMockDevice()
	receiver := &mockReceiver{}
	c, err := NewCoordinator(CoordinatorOptions{
		Client:   device,
		Receiver: receiver,
		Resolver: &staticResolver{err: ErrNoCallbackURL},
	})
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}

	if c.SetupCallbackMode(context.Background()) {
		t.Fatal("SetupCallbackMode() = true without a callback URL")
	}
	if len(device.registerCalls) != 0 {
		t.Errorf("registerCalls = %v, want none without a URL", device.registerCalls)
	}
	if receiver.registers != 0 {
		t.Errorf("handler registrations = %d, want 0 without a URL", receiver.registers)
	}
}

func TestCoordinator_SetupCallbackMode_HandlerFailure(t *testing.T) {
	device := newMockDevice()
	receiver := &mockReceiver{registerErr: errors.New("port in use")}
	c := newTestCoordinator(t, device, receiver)

	if c.SetupCallbackMode(context.Background()) {
		t.Fatal("SetupCallbackMode() = true despite handler failure")
	}
	if len(device.registerCalls) != 0 {
		t.Errorf("registerCalls = %v, device must not be registered when handlers fail", device.registerCalls)
	}
}

func TestCoordinator_TeardownCallbackMode(t *testing.T) {
	device := newMockDevice()
	receiver := &mockReceiver{}
	c := newTestCoordinator(t, device, receiver)

	if !c.SetupCallbackMode(context.Background()) {
		t.Fatal("SetupCallbackMode() = false, want true")
	}

	c.TeardownCallbackMode(context.Background())

	if c.CallbacksEnabled() {
		t.Error("CallbacksEnabled() = true after teardown")
	}
	if receiver.isRegistered() {
		t.Error("webhook handlers still registered after teardown")
	}
	if device.unregisterCalls != 1 {
		t.Errorf("unregisterCalls = %d, want 1", device.unregisterCalls)
	}
	if got := c.RefreshInterval(); got != c.fastPollInterval {
		t.Errorf("RefreshInterval() = %v, want fast cadence %v", got, c.fastPollInterval)
	}

	// Teardown again: nothing left to do.
	c.TeardownCallbackMode(context.Background())
	if device.unregisterCalls != 1 {
		t.Errorf("unregisterCalls = %d after repeated teardown, want 1", device.unregisterCalls)
	}
	if receiver.unregisters != 1 {
		t.Errorf("handler unregisters = %d after repeated teardown, want 1", receiver.unregisters)
	}
}

func TestCallbackURLResolver(t *testing.T) {
	tests := []struct {
		name     string
		resolver CallbackURLResolver
		want     string
		wantErr  bool
	}{
		{
			name:     "override wins verbatim",
			resolver: CallbackURLResolver{Override: "https://proxy.example.com/gira/", DeviceHost: "127.0.0.1", ListenPort: 8443},
			want:     "https://proxy.example.com/gira",
		},
		{
			name:     "local address routed toward device",
			resolver: CallbackURLResolver{DeviceHost: "127.0.0.1", ListenPort: 8443},
			want:     "https://127.0.0.1:8443",
		},
		{
			name:     "advertised url upgraded to https",
			resolver: CallbackURLResolver{AdvertisedURL: "http://bridge.local:8443/"},
			want:     "https://bridge.local:8443",
		},
		{
			name:     "nothing resolvable",
			resolver: CallbackURLResolver{},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.resolver.Resolve(context.Background())
			if tt.wantErr {
				if !errors.Is(err, ErrNoCallbackURL) {
					t.Fatalf("Resolve() error = %v, want ErrNoCallbackURL", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}
