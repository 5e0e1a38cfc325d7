// Package influxdb records acquisition board telemetry in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, typed point writers and health monitoring.
//
// # Measurements
//
//   - acqboard_parameter: parameter readings (tags board, board_type, parameter)
//   - acqboard_transfer: bulk transfer size and duration
//   - acqboard_error: asynchronous board errors by severity
//   - acqboard_stats: board client counters
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteParameter(influxdb.ParameterReading{
//	    Board: "adc8-lab", Name: "CONFIG:SAMPLING_RATE", Value: 2000.0,
//	})
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes are non-blocking and
// batched (batch_size, flush_interval); asynchronous write failures are
// delivered to the SetOnError callback.
package influxdb
