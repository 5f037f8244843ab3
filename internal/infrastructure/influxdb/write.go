package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteDatapointValue writes a numeric datapoint sample to InfluxDB.
//
// This is the primary method for recording Gira X1 telemetry. The write
// is non-blocking; data is batched and sent asynchronously. Non-numeric
// datapoint values are coerced by the caller before reaching this layer.
//
// Parameters:
//   - uid: Datapoint uid on the device (e.g., "a03c")
//   - name: Datapoint name from the UI configuration (e.g., "Brightness")
//   - value: The numeric value to record
//
// Example:
//
//	client.WriteDatapointValue("a03c", "Brightness", 72.5)
func (c *Client) WriteDatapointValue(uid string, name string, value float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"datapoint_values",
		map[string]string{
			"uid":  uid,
			"name": name,
		},
		map[string]interface{}{
			"value": value,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteEntityMetric writes a derived entity measurement.
//
// Used for per-entity values that are computed from one or more
// datapoints, tagged by the entity's kind for easy filtering.
//
// Parameters:
//   - entityUID: Function uid the entity was derived from
//   - kind: Entity kind (e.g., "light", "climate")
//   - metric: The metric name (e.g., "brightness", "temperature_c")
//   - value: The numeric value to record
func (c *Client) WriteEntityMetric(entityUID string, kind string, metric string, value float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"entity_metrics",
		map[string]string{
			"entity_uid": entityUID,
			"kind":       kind,
			"metric":     metric,
		},
		map[string]interface{}{
			"value": value,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("refresh_stats",
//	    map[string]string{"mode": "callback"},
//	    map[string]interface{}{"duration_ms": 45.2, "datapoints": 118})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
