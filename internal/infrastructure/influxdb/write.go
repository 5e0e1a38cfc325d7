package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementParameter = "acqboard_parameter"
	measurementTransfer  = "acqboard_transfer"
	measurementError     = "acqboard_error"
	measurementStats     = "acqboard_stats"
)

// ParameterReading is one observed parameter value.
type ParameterReading struct {
	Board     string
	BoardType string
	Name      string
	// Value is bool, int64, float64 or string, as returned by the board client.
	Value any
	At    time.Time
}

// TransferSummary describes one completed bulk transfer.
type TransferSummary struct {
	Board    string
	Name     string
	Location string
	Type     string
	Bytes    int64
	Duration time.Duration
	At       time.Time
}

// ErrorEvent is one asynchronous error reported by the board.
type ErrorEvent struct {
	Board    string
	Severity string
	Message  string
	At       time.Time
}

// WriteParameter records a parameter reading. Numeric and boolean values go
// to the "value" field; strings go to "text" so both can be queried.
func (c *Client) WriteParameter(r ParameterReading) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(parameterPoint(r))
}

// WriteTransfer records the size and duration of a bulk transfer.
func (c *Client) WriteTransfer(s TransferSummary) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(transferPoint(s))
}

// WriteAsyncError records an asynchronous board error.
func (c *Client) WriteAsyncError(e ErrorEvent) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(errorPoint(e))
}

// WriteStats records a snapshot of board client counters.
//
// Parameters:
//   - board: Board identifier tag
//   - counters: Counter name to value, e.g. "frames_rx" -> 1024
//   - at: Snapshot time
func (c *Client) WriteStats(board string, counters map[string]uint64, at time.Time) {
	if !c.IsConnected() || len(counters) == 0 {
		return
	}
	c.writeAPI.WritePoint(statsPoint(board, counters, at))
}

// WritePoint writes a custom point with full control over tags and fields.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

func parameterPoint(r ParameterReading) *write.Point {
	fields := make(map[string]any, 1)
	switch v := r.Value.(type) {
	case bool:
		fields["value"] = v
	case int64:
		fields["value"] = v
	case float64:
		fields["value"] = v
	case string:
		fields["text"] = v
	default:
		fields["text"] = ""
	}

	return write.NewPoint(
		measurementParameter,
		map[string]string{
			"board":      r.Board,
			"board_type": r.BoardType,
			"parameter":  r.Name,
		},
		fields,
		orNow(r.At),
	)
}

func transferPoint(s TransferSummary) *write.Point {
	return write.NewPoint(
		measurementTransfer,
		map[string]string{
			"board":    s.Board,
			"name":     s.Name,
			"location": s.Location,
			"type":     s.Type,
		},
		map[string]any{
			"bytes":       s.Bytes,
			"duration_ms": s.Duration.Milliseconds(),
		},
		orNow(s.At),
	)
}

func errorPoint(e ErrorEvent) *write.Point {
	return write.NewPoint(
		measurementError,
		map[string]string{
			"board":    e.Board,
			"severity": e.Severity,
		},
		map[string]any{
			"message": e.Message,
			"count":   int64(1),
		},
		orNow(e.At),
	)
}

func statsPoint(board string, counters map[string]uint64, at time.Time) *write.Point {
	fields := make(map[string]any, len(counters))
	for k, v := range counters {
		fields[k] = v
	}
	return write.NewPoint(measurementStats, map[string]string{"board": board}, fields, orNow(at))
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
