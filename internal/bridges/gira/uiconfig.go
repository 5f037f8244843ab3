package gira

// UI configuration expand options. Passed as the "expand" query parameter
// when fetching the configuration so the device includes datapoint flags
// and function parameters in the response.
const (
	ExpandDataPointFlags = "dataPointFlags"
	ExpandParameters     = "parameters"
)

// DefaultConfigExpand is the expansion set the coordinator requests.
func DefaultConfigExpand() []string {
	return []string{ExpandDataPointFlags, ExpandParameters}
}

// UIConfig is the parsed UI configuration of a Gira X1 project.
//
// The uid acts as a version identifier: it changes whenever the project
// is re-deployed from the Gira Project Assistant, so comparing uids is
// sufficient to detect configuration changes.
type UIConfig struct {
	UID       string     `json:"uid"`
	Functions []Function `json:"functions"`
}

// Function is a single function block (a light, a blind, a thermostat)
// from the UI configuration.
type Function struct {
	UID          string      `json:"uid"`
	DisplayName  string      `json:"displayName"`
	FunctionType string      `json:"functionType"`
	ChannelType  string      `json:"channelType"`
	DataPoints   []DataPoint `json:"dataPoints"`
	Parameters   []Parameter `json:"parameters,omitempty"`
}

// DataPoint is a named datapoint within a function. The CanRead/CanWrite
// flags are only populated when the configuration was fetched with the
// dataPointFlags expansion.
type DataPoint struct {
	Name     string `json:"name"`
	UID      string `json:"uid"`
	CanRead  bool   `json:"canRead"`
	CanWrite bool   `json:"canWrite"`
}

// Parameter is a function parameter from the parameters expansion.
type Parameter struct {
	Set   string `json:"set"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

// DataPointByName returns the function's datapoint with the given name.
func (f *Function) DataPointByName(name string) (DataPoint, bool) {
	for _, dp := range f.DataPoints {
		if dp.Name == name {
			return dp, true
		}
	}
	return DataPoint{}, false
}

// FunctionByUID returns the function with the given uid.
func (c *UIConfig) FunctionByUID(uid string) (Function, bool) {
	for _, fn := range c.Functions {
		if fn.UID == uid {
			return fn, true
		}
	}
	return Function{}, false
}

// DataPointIDs returns the uids of every datapoint in the configuration.
// Unreadable datapoints are included; the value fetch tolerates the 4xx
// the device answers for them and skips the uid.
func (c *UIConfig) DataPointIDs() []string {
	var uids []string
	for _, fn := range c.Functions {
		for _, dp := range fn.DataPoints {
			if dp.UID == "" {
				continue
			}
			uids = append(uids, dp.UID)
		}
	}
	return uids
}
