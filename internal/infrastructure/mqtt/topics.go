package mqtt

import "fmt"

// Topic prefixes for the bridge's MQTT namespace.
//
// All topics use the flat scheme: girabridge/{category}/...
const (
	// TopicPrefix is the base for all bridge topics.
	TopicPrefix = "girabridge"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "girabridge/system"
)

// Topics provides builders for the bridge's MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.EntityState("light", "a02f")
//	// Returns: "girabridge/state/light/a02f"
type Topics struct{}

// EntityState returns the topic for entity state updates.
//
// Example: girabridge/state/light/a02f
func (Topics) EntityState(kind, uid string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, kind, uid)
}

// EntityCommand returns the topic for commands addressed to an entity.
//
// Example: girabridge/command/light/a02f
func (Topics) EntityCommand(kind, uid string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, kind, uid)
}

// DatapointValue returns the topic for raw datapoint values.
//
// Example: girabridge/datapoint/a03c/value
func (Topics) DatapointValue(uid string) string {
	return fmt.Sprintf("%s/datapoint/%s/value", TopicPrefix, uid)
}

// Event returns the topic for device service events.
//
// Example: girabridge/event/uiConfigChanged
func (Topics) Event(eventType string) string {
	return fmt.Sprintf("%s/event/%s", TopicPrefix, eventType)
}

// DeviceAvailability returns the topic for the Gira X1 reachability flag.
//
// Example: girabridge/device/availability
func (Topics) DeviceAvailability() string {
	return fmt.Sprintf("%s/device/availability", TopicPrefix)
}

// SystemStatus returns the bridge's own status topic (online/offline/LWT).
//
// Example: girabridge/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllEntityStates returns a pattern matching all entity state updates.
//
// Pattern: girabridge/state/+/+
func (Topics) AllEntityStates() string {
	return fmt.Sprintf("%s/state/+/+", TopicPrefix)
}

// AllEntityCommands returns a pattern matching all entity commands.
//
// Pattern: girabridge/command/+/+
func (Topics) AllEntityCommands() string {
	return fmt.Sprintf("%s/command/+/+", TopicPrefix)
}

// AllDatapointValues returns a pattern matching all raw datapoint values.
//
// Pattern: girabridge/datapoint/+/value
func (Topics) AllDatapointValues() string {
	return fmt.Sprintf("%s/datapoint/+/value", TopicPrefix)
}

// AllEvents returns a pattern matching all service events.
//
// Pattern: girabridge/event/+
func (Topics) AllEvents() string {
	return fmt.Sprintf("%s/event/+", TopicPrefix)
}

// AllTopics returns a pattern matching the entire bridge namespace.
// Use with caution - this receives ALL traffic.
//
// Pattern: girabridge/#
func (Topics) AllTopics() string {
	return "girabridge/#"
}
