package entity

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gira-bridge/internal/bridges/gira"
	"github.com/nerrad567/gira-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/gira-bridge/internal/infrastructure/mqtt"
)

// Commander writes datapoint values to the device. The coordinator
// satisfies it.
type Commander interface {
	SetValue(ctx context.Context, uid string, value string) error
}

// InfluxWriter records datapoint telemetry. The influxdb client
// satisfies it; writes are asynchronous and never block.
type InfluxWriter interface {
	WriteDatapointValue(uid string, name string, value float64)
	WriteEntityMetric(entityUID string, kind string, metric string, value float64)
}

// PublisherOptions contains dependencies for a Publisher.
type PublisherOptions struct {
	// Registry is the entity registry. Required.
	Registry *Registry

	// Commander executes entity commands. Required.
	Commander Commander

	// Logger is required.
	Logger *logging.Logger

	// MQTT publishes states and receives commands. Optional; without it
	// the publisher only maintains the registry, history and telemetry.
	MQTT *mqtt.Client

	// Store records configuration and value history. Optional.
	Store *Store

	// Influx records numeric telemetry. Optional.
	Influx InfluxWriter

	// QoS for MQTT publications. Defaults to 1.
	QoS byte
}

// commandPayload is the body of an entity command message:
// datapoint names mapped to their new values.
type commandPayload map[string]json.RawMessage

// entityStateMessage is the JSON published on entity state topics.
type entityStateMessage struct {
	UID       string `json:"uid"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	State     State  `json:"state"`
	Timestamp string `json:"timestamp"`
}

// Publisher connects the coordinator's snapshots to the outside world.
//
// On every snapshot it rebuilds the registry when the configuration
// changed, publishes changed datapoint values and affected entity states
// to MQTT, appends history rows, and writes numeric telemetry to
// InfluxDB. It also subscribes to the entity command topics and turns
// incoming commands into device writes.
//
// Thread Safety: OnSnapshot may be called from any goroutine; internal
// state is guarded.
type Publisher struct {
	registry  *Registry
	commander Commander
	logger    *logging.Logger
	mqtt      *mqtt.Client
	store     *Store
	influx    InfluxWriter
	qos       byte
	topics    mqtt.Topics

	mu         sync.Mutex
	lastValues map[string]string
	online     bool
}

// NewPublisher creates a publisher.
//
// Returns:
//   - error: if required dependencies are missing
func NewPublisher(opts PublisherOptions) (*Publisher, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("entity: publisher requires a registry")
	}
	if opts.Commander == nil {
		return nil, fmt.Errorf("entity: publisher requires a commander")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("entity: publisher requires a logger")
	}
	if opts.QoS == 0 {
		opts.QoS = 1
	}

	return &Publisher{
		registry:   opts.Registry,
		commander:  opts.Commander,
		logger:     opts.Logger,
		mqtt:       opts.MQTT,
		store:      opts.Store,
		influx:     opts.Influx,
		qos:        opts.QoS,
		lastValues: make(map[string]string),
	}, nil
}

// Start subscribes to the entity command topics. Call after the MQTT
// client is connected. A nil MQTT client makes this a no-op.
func (p *Publisher) Start() error {
	if p.mqtt == nil {
		return nil
	}
	if err := p.mqtt.Subscribe(p.topics.AllEntityCommands(), p.qos, p.handleCommand); err != nil {
		return fmt.Errorf("subscribing to entity commands: %w", err)
	}
	p.logger.Info("entity command subscription active", "topic", p.topics.AllEntityCommands())
	return nil
}

// OnSnapshot processes a new coordinator snapshot. Registered with
// gira.Coordinator.AddListener.
func (p *Publisher) OnSnapshot(snap *gira.Snapshot) {
	if snap == nil {
		return
	}

	if snap.Config != nil && p.registry.ConfigVersion() != snap.ConfigVersion {
		count := p.registry.Rebuild(snap.Config)
		p.logger.Info("entity registry rebuilt",
			"config_version", snap.ConfigVersion,
			"entities", count,
		)
		if p.store != nil {
			if err := p.store.SaveConfig(context.Background(), snap.Config); err != nil {
				p.logger.Warn("persisting UI configuration failed", "error", err)
			}
		}
	}

	changed := p.diffValues(snap.Values)
	if len(changed) == 0 {
		p.publishAvailability(true)
		return
	}

	affected := make(map[string]Entity)
	for uid, value := range changed {
		p.publishDatapoint(uid, value)
		p.recordChange(uid, value)
		p.writeTelemetry(uid, value)

		if ent, ok := p.registry.ByDatapoint(uid); ok {
			affected[ent.UID] = ent
		}
	}

	for _, ent := range affected {
		p.publishEntityState(ent, snap)
	}

	p.publishAvailability(true)
	p.logger.Debug("published snapshot update",
		"changed_datapoints", len(changed),
		"affected_entities", len(affected),
	)
}

// OnAvailability relays a device reachability transition to the MQTT
// availability topic. Registered with
// gira.Coordinator.AddAvailabilityListener, so a failed refresh cycle
// marks the device offline for MQTT consumers too.
func (p *Publisher) OnAvailability(available bool) {
	p.publishAvailability(available)
}

// PublishOffline marks the device unavailable on MQTT. Called during
// shutdown.
func (p *Publisher) PublishOffline() {
	p.publishAvailability(false)
}

// diffValues returns the values that differ from the previous snapshot
// and updates the stored copy.
func (p *Publisher) diffValues(values map[string]string) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()

	changed := make(map[string]string)
	for uid, value := range values {
		if prev, ok := p.lastValues[uid]; !ok || prev != value {
			changed[uid] = value
		}
	}
	for uid := range p.lastValues {
		if _, ok := values[uid]; !ok {
			delete(p.lastValues, uid)
		}
	}
	for uid, value := range changed {
		p.lastValues[uid] = value
	}
	return changed
}

func (p *Publisher) publishDatapoint(uid, value string) {
	if p.mqtt == nil {
		return
	}
	topic := p.topics.DatapointValue(uid)
	if err := p.mqtt.Publish(topic, []byte(value), p.qos, true); err != nil {
		p.logger.Warn("publishing datapoint value failed", "topic", topic, "error", err)
	}
}

func (p *Publisher) publishEntityState(ent Entity, snap *gira.Snapshot) {
	if p.mqtt == nil {
		return
	}

	msg := entityStateMessage{
		UID:       ent.UID,
		Name:      ent.Name,
		Kind:      string(ent.Kind),
		State:     DeriveState(ent, snap),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("marshalling entity state failed", "uid", ent.UID, "error", err)
		return
	}

	topic := p.topics.EntityState(string(ent.Kind), ent.UID)
	if err := p.mqtt.Publish(topic, payload, p.qos, true); err != nil {
		p.logger.Warn("publishing entity state failed", "topic", topic, "error", err)
	}
}

// PublishServiceEvent relays a device service event to MQTT.
func (p *Publisher) PublishServiceEvent(event string) {
	if p.mqtt == nil || event == "" {
		return
	}
	topic := p.topics.Event(event)
	payload := fmt.Sprintf(`{"event":%q,"timestamp":%q}`,
		event, time.Now().UTC().Format(time.RFC3339))
	if err := p.mqtt.PublishString(topic, payload, p.qos, false); err != nil {
		p.logger.Warn("publishing service event failed", "topic", topic, "error", err)
	}
}

func (p *Publisher) publishAvailability(online bool) {
	p.mu.Lock()
	unchanged := p.online == online
	p.online = online
	p.mu.Unlock()

	if unchanged || p.mqtt == nil {
		return
	}

	payload := "offline"
	if online {
		payload = "online"
	}
	if err := p.mqtt.PublishString(p.topics.DeviceAvailability(), payload, p.qos, true); err != nil {
		p.logger.Warn("publishing availability failed", "error", err)
	}
}

func (p *Publisher) recordChange(uid, value string) {
	if p.store == nil {
		return
	}
	if err := p.store.RecordValueChange(context.Background(), uid, value, SourcePoll); err != nil {
		p.logger.Warn("recording value change failed", "uid", uid, "error", err)
	}
}

func (p *Publisher) writeTelemetry(uid, value string) {
	if p.influx == nil {
		return
	}

	ent, ok := p.registry.ByDatapoint(uid)
	if !ok {
		return
	}
	dp := datapointByUID(ent, uid)

	numeric, ok := numericValue(dp.Name, value)
	if !ok {
		return
	}
	p.influx.WriteDatapointValue(uid, dp.Name, numeric)
	p.influx.WriteEntityMetric(ent.UID, string(ent.Kind), dp.Name, numeric)
}

// numericValue coerces a raw value to a float for telemetry. Booleans
// become 0/1; non-numeric strings are skipped.
func numericValue(name, raw string) (float64, bool) {
	if _, ok := booleanDatapoints[name]; ok {
		if gira.ParseBool(raw) {
			return 1, true
		}
		return 0, true
	}
	f, err := gira.ParseFloat(raw)
	if err != nil {
		return 0, false
	}
	return f, true
}

func datapointByUID(ent Entity, uid string) gira.DataPoint {
	for _, dp := range ent.Function.DataPoints {
		if dp.UID == uid {
			return dp
		}
	}
	return gira.DataPoint{}
}

// handleCommand processes an entity command message from MQTT.
//
// Topic: girabridge/command/{kind}/{uid}. The payload maps datapoint
// names to new values, e.g. {"OnOff": true} or {"Brightness": 75}.
func (p *Publisher) handleCommand(topic string, payload []byte) error {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 {
		p.logger.Warn("malformed command topic", "topic", topic)
		return nil
	}
	entityUID := parts[3]

	ent, ok := p.registry.ByUID(entityUID)
	if !ok {
		p.logger.Warn("command for unknown entity", "uid", entityUID)
		return nil
	}

	var cmd commandPayload
	if err := json.Unmarshal(payload, &cmd); err != nil {
		p.logger.Warn("malformed command payload", "uid", entityUID, "error", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for name, raw := range cmd {
		dp, ok := ent.DataPointByName(name)
		if !ok {
			p.logger.Warn("command for unknown datapoint", "entity", entityUID, "datapoint", name)
			continue
		}
		if !dp.CanWrite {
			p.logger.Warn("command for read-only datapoint", "entity", entityUID, "datapoint", name)
			continue
		}

		value := gira.NormalizeRaw(raw)
		if err := p.commander.SetValue(ctx, dp.UID, value); err != nil {
			p.logger.Error("entity command failed",
				"entity", entityUID,
				"datapoint", name,
				"error", err,
			)
			continue
		}

		if p.store != nil {
			if err := p.store.RecordValueChange(ctx, dp.UID, value, SourceCommand); err != nil {
				p.logger.Warn("recording command failed", "uid", dp.UID, "error", err)
			}
		}
		p.logger.Info("entity command executed",
			"entity", entityUID,
			"datapoint", name,
			"value", value,
		)
	}
	return nil
}
