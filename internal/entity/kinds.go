package entity

// Kind classifies an entity by how consumers should treat it.
type Kind string

// Entity kinds.
const (
	KindLight        Kind = "light"
	KindSwitch       Kind = "switch"
	KindCover        Kind = "cover"
	KindSensor       Kind = "sensor"
	KindBinarySensor Kind = "binary_sensor"
	KindClimate      Kind = "climate"
	KindButton       Kind = "button"
)

// functionKinds maps Gira function types to entity kinds. Function type
// is checked before channel type because it is the more specific of the
// two.
var functionKinds = map[string]Kind{
	"de.gira.schema.functions.Switch":             KindSwitch,
	"de.gira.schema.functions.KNX.Light":          KindLight,
	"de.gira.schema.functions.ColoredLight":       KindLight,
	"de.gira.schema.functions.TunableLight":       KindLight,
	"de.gira.schema.functions.Covering":           KindCover,
	"de.gira.schema.functions.KNX.HeatingCooling": KindClimate,
	"de.gira.schema.functions.Trigger":            KindButton,
	"de.gira.schema.functions.PressAndHold":       KindSwitch,
	"de.gira.schema.functions.Sonos.Audio":        KindSensor,
}

// channelKinds maps Gira channel types to entity kinds.
var channelKinds = map[string]Kind{
	"de.gira.schema.channels.Switch":                       KindSwitch,
	"de.gira.schema.channels.KNX.Dimmer":                   KindLight,
	"de.gira.schema.channels.DimmerRGBW":                   KindLight,
	"de.gira.schema.channels.DimmerWhite":                  KindLight,
	"de.gira.schema.channels.BlindWithPos":                 KindCover,
	"de.gira.schema.channels.KNX.HeatingCoolingSwitchable": KindClimate,
	"de.gira.schema.channels.Trigger":                      KindButton,
	"de.gira.schema.channels.Temperature":                  KindSensor,
	"de.gira.schema.channels.Humidity":                     KindSensor,
	"de.gira.schema.channels.Sonos.Audio":                  KindSensor,
}

// KindFor derives the entity kind for a function. Unknown type pairs
// report ok=false and the function is skipped during registry builds.
func KindFor(functionType, channelType string) (Kind, bool) {
	if kind, ok := functionKinds[functionType]; ok {
		return kind, true
	}
	if kind, ok := channelKinds[channelType]; ok {
		return kind, true
	}
	return "", false
}
