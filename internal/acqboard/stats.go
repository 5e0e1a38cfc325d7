package acqboard

import (
	"sync/atomic"
	"time"
)

// Stats holds operational statistics for one board connection.
type Stats struct {
	BoardType      string    `json:"board_type"`
	Connected      bool      `json:"connected"`
	CommandsTx     uint64    `json:"commands_tx"`
	BytesTx        uint64    `json:"bytes_tx"`
	BytesRx        uint64    `json:"bytes_rx"`
	FramesRx       uint64    `json:"frames_rx"`
	Replies        uint64    `json:"replies"`
	AsyncErrors    uint64    `json:"async_errors"`
	UnknownReplies uint64    `json:"unknown_replies"`
	FramesDropped  uint64    `json:"frames_dropped"` // frames without an '@' or '#' sigil
	ProtocolErrors uint64    `json:"protocol_errors"`
	BulkTransfers  uint64    `json:"bulk_transfers"`
	BulkBytes      uint64    `json:"bulk_bytes"`
	EventsDropped  uint64    `json:"events_dropped"` // callbacks dropped due to a full queue
	ErrorsTotal    uint64    `json:"errors_total"`
	PendingErrors  int       `json:"pending_errors"`
	LastActivity   time.Time `json:"last_activity"`
}

// counters are updated from the listener and callers without locking.
type counters struct {
	commandsTx     atomic.Uint64
	bytesTx        atomic.Uint64
	bytesRx        atomic.Uint64
	framesRx       atomic.Uint64
	replies        atomic.Uint64
	asyncErrors    atomic.Uint64
	unknownReplies atomic.Uint64
	framesDropped  atomic.Uint64
	protocolErrors atomic.Uint64
	bulkTransfers  atomic.Uint64
	bulkBytes      atomic.Uint64
	eventsDropped  atomic.Uint64
	errorsTotal    atomic.Uint64
	lastActivity   atomic.Int64 // Unix nanoseconds
}

func (c *counters) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *counters) snapshot() Stats {
	s := Stats{
		CommandsTx:     c.commandsTx.Load(),
		BytesTx:        c.bytesTx.Load(),
		BytesRx:        c.bytesRx.Load(),
		FramesRx:       c.framesRx.Load(),
		Replies:        c.replies.Load(),
		AsyncErrors:    c.asyncErrors.Load(),
		UnknownReplies: c.unknownReplies.Load(),
		FramesDropped:  c.framesDropped.Load(),
		ProtocolErrors: c.protocolErrors.Load(),
		BulkTransfers:  c.bulkTransfers.Load(),
		BulkBytes:      c.bulkBytes.Load(),
		EventsDropped:  c.eventsDropped.Load(),
		ErrorsTotal:    c.errorsTotal.Load(),
	}
	if ns := c.lastActivity.Load(); ns != 0 {
		s.LastActivity = time.Unix(0, ns)
	}
	return s
}
