package gira

// ServiceEventKind classifies service events delivered by the device to
// the service callback endpoint. The set of kinds the device can send is
// closed; anything unrecognised maps to ServiceEventUnknown and is logged
// and ignored rather than dropped on the floor.
type ServiceEventKind string

const (
	// ServiceEventUIConfigChanged signals the UI configuration changed
	// (project re-deploy). Triggers an immediate refresh.
	ServiceEventUIConfigChanged ServiceEventKind = "uiConfigChanged"

	// ServiceEventProjectConfigChanged signals a project configuration
	// change that the device applies over several seconds. Triggers a
	// delayed refresh so the device settles first.
	ServiceEventProjectConfigChanged ServiceEventKind = "projectConfigChanged"

	// ServiceEventStartup signals the device finished booting. Triggers
	// an immediate refresh.
	ServiceEventStartup ServiceEventKind = "startup"

	// ServiceEventRestart signals the device is about to restart.
	// Informational only.
	ServiceEventRestart ServiceEventKind = "restart"

	// ServiceEventTest is the probe the device sends while verifying a
	// callback registration. Informational only.
	ServiceEventTest ServiceEventKind = "test"

	// ServiceEventUnknown covers event names this bridge does not know.
	ServiceEventUnknown ServiceEventKind = "unknown"
)

// ParseServiceEventKind maps a raw event name to its kind. Unrecognised
// names return ServiceEventUnknown and ok=false; the raw name should be
// logged by the caller.
func ParseServiceEventKind(raw string) (kind ServiceEventKind, ok bool) {
	switch ServiceEventKind(raw) {
	case ServiceEventUIConfigChanged,
		ServiceEventProjectConfigChanged,
		ServiceEventStartup,
		ServiceEventRestart,
		ServiceEventTest:
		return ServiceEventKind(raw), true
	default:
		return ServiceEventUnknown, false
	}
}

// ValueEvent is a single datapoint change pushed by the device to the
// value callback endpoint.
type ValueEvent struct {
	UID   string
	Value string
}
