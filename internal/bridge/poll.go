package bridge

import (
	"time"

	"github.com/nerrad567/acqboard-bridge/internal/acqboard"
	"github.com/nerrad567/acqboard-bridge/internal/journal"
)

// pollLoop reads PollParameters every PollInterval and records board
// counters in telemetry.
func (b *Bridge) pollLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.pollOnce()
		}
	}
}

// pollOnce reads every poll parameter once. A failed read is logged and
// the rest still run; a lost board ends the pass.
func (b *Bridge) pollOnce() {
	board, err := b.current()
	if err != nil {
		return
	}

	for _, name := range b.opts.PollParameters {
		if b.ctx.Err() != nil {
			return
		}
		if _, err := b.read(b.ctx, name, journal.SourcePoll); err != nil {
			b.logDebug("poll read failed", "parameter", name, "error", err)
			if b.ctx.Err() != nil {
				return
			}
			if _, err := b.current(); err != nil {
				return
			}
		}
	}

	if b.opts.Telemetry != nil {
		b.opts.Telemetry.WriteStats(b.opts.BoardID, statsCounters(board.Stats()), time.Now().UTC())
	}
}

// statsCounters flattens board statistics for telemetry.
func statsCounters(s acqboard.Stats) map[string]uint64 {
	return map[string]uint64{
		"commands_tx":     s.CommandsTx,
		"bytes_tx":        s.BytesTx,
		"bytes_rx":        s.BytesRx,
		"frames_rx":       s.FramesRx,
		"replies":         s.Replies,
		"async_errors":    s.AsyncErrors,
		"unknown_replies": s.UnknownReplies,
		"frames_dropped":  s.FramesDropped,
		"protocol_errors": s.ProtocolErrors,
		"bulk_transfers":  s.BulkTransfers,
		"bulk_bytes":      s.BulkBytes,
		"events_dropped":  s.EventsDropped,
		"pending_errors":  uint64(max(s.PendingErrors, 0)), //nolint:gosec // clamped non-negative
	}
}
