// Package entity maps the Gira X1 UI configuration onto a stable entity
// model and publishes it outward.
//
// Each device function (a light, a blind, a thermostat) becomes an
// Entity with a Kind derived from its Gira function and channel types.
// The Registry is rebuilt from every new UI configuration; the Publisher
// pushes entity states and raw datapoint values to MQTT, records value
// changes to SQLite and InfluxDB, and accepts entity commands from the
// MQTT command topics.
package entity
