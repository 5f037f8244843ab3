// Package mqtt provides MQTT client connectivity for the Gira bridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// The bridge publishes entity state derived from the Gira X1 datapoint
// snapshot and consumes command topics that write values back to the
// device. The broker decouples consumers (dashboards, automations,
// other services) from the Gira REST API.
//
//	Gira X1 ↔ girabridge ↔ MQTT Broker ↔ Consumers
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to all entity commands
//	err = client.Subscribe(mqtt.Topics{}.AllEntityCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish entity state
//	topic := mqtt.Topics{}.EntityState("light", "a02f")
//	client.Publish(topic, []byte(`{"on":true}`), 1, true)
package mqtt
