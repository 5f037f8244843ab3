package entity

import (
	"github.com/nerrad567/gira-bridge/internal/bridges/gira"
)

// State is the typed state of an entity, keyed by datapoint name.
// Values are bool, float64 or string depending on the datapoint.
type State map[string]any

// Boolean datapoint names. Everything else is parsed numerically first
// and falls back to the raw string.
var booleanDatapoints = map[string]struct{}{
	"OnOff":    {},
	"Movement": {},
	"Presence": {},
}

// DeriveState builds the typed state of an entity from a snapshot.
// Datapoints with no value in the snapshot (unreadable, or not yet
// fetched) are omitted.
func DeriveState(ent Entity, snap *gira.Snapshot) State {
	state := make(State, len(ent.Function.DataPoints))
	for _, dp := range ent.Function.DataPoints {
		raw, ok := snap.Value(dp.UID)
		if !ok {
			continue
		}
		state[dp.Name] = typedValue(dp.Name, raw)
	}
	return state
}

// typedValue coerces a raw wire value into its typed form.
func typedValue(name, raw string) any {
	if _, ok := booleanDatapoints[name]; ok {
		return gira.ParseBool(raw)
	}
	if f, err := gira.ParseFloat(raw); err == nil {
		return f
	}
	return raw
}
