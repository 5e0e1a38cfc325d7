package influxdb

import "errors"

var (
	// ErrDisabled is returned by Connect when telemetry is switched off.
	ErrDisabled = errors.New("influxdb: telemetry disabled")

	// ErrConnectionFailed means the server did not answer the startup ping.
	ErrConnectionFailed = errors.New("influxdb: server unreachable")

	// ErrNotConnected is returned by HealthCheck once the client is closed.
	ErrNotConnected = errors.New("influxdb: client closed")

	// ErrWriteFailed wraps every batch rejection passed to the SetOnError
	// callback. The underlying server or transport error is wrapped with it.
	ErrWriteFailed = errors.New("influxdb: batch write failed")
)
