// Package mqtt provides the broker connection for the acquisition bridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing with QoS guarantees and a payload size cap
//   - Topic subscriptions that survive reconnects
//   - A retained online/offline status with Last Will
//   - The acqboard/... topic layout (see Topics)
//
// The bridge package builds on this client to expose one board: parameter
// values are published as retained state, asynchronous board errors as
// events, and get/set/fetch commands are accepted on the command topic.
//
// # Security Considerations
//
//   - Enable TLS (cfg.Broker.TLS) whenever the broker is off-host
//   - A client on the command topic can reconfigure the board; restrict it
//     with broker ACLs
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllErrors(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("board error on %s: %s", topic, payload)
//	        return nil
//	    })
package mqtt
