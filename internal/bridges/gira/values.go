package gira

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Datapoint values travel as strings on the wire regardless of their
// logical type. All coercion lives here so every consumer (entities,
// API, telemetry) interprets raw values identically.

// ParseBool interprets a raw datapoint value as a boolean.
//
// Truthy values are "true", "1" and "on", compared case-insensitively.
// Everything else, including the empty string, is false.
func ParseBool(raw string) bool {
	switch strings.ToLower(raw) {
	case "true", "1", "on":
		return true
	default:
		return false
	}
}

// ParseFloat interprets a raw datapoint value as a float64.
func ParseFloat(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("gira: parsing value %q: %w", raw, err)
	}
	return v, nil
}

// FormatBool renders a boolean in the form the device expects for writes.
func FormatBool(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// FormatFloat renders a float in the form the device expects for writes.
// Integral values are rendered without a decimal point.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// NormalizeRaw converts a JSON value from a device payload to its wire
// string form. The device is inconsistent here: polling answers strings,
// callback events may carry numbers or booleans.
func NormalizeRaw(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}

	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return FormatFloat(f)
	}

	var b bool
	if err := json.Unmarshal(v, &b); err == nil {
		return FormatBool(b)
	}

	return strings.Trim(string(v), `"`)
}
