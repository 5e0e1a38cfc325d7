// Package bridge connects one acquisition board to the rest of the system.
//
// The bridge owns the board connection. It dials at start, redials after
// the connection is lost, and fans board activity out to optional sinks:
//
//   - MQTT: retained parameter state, asynchronous errors, transfer
//     summaries, retained health, and get/set/fetch/run commands with
//     JSON acknowledgements (see mqtt.Topics for the layout)
//   - Journal: SQLite error history, acquisition log and last known values
//   - Telemetry: InfluxDB parameter readings, transfers, errors and counters
//   - Listeners: in-process subscribers such as the WebSocket hub
//
// The HTTP API drives the board through the same Bridge methods, so a value
// set over HTTP shows up on MQTT and in the journal exactly like one set
// over MQTT.
//
// Commands received over MQTT are executed one at a time by a worker
// goroutine; MQTT delivery goroutines only decode and queue. A full queue
// is acknowledged with BRIDGE_BUSY. Bulk payloads never travel over MQTT.
package bridge
