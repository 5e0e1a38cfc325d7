package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/nerrad567/acqboard-bridge/internal/acqboard"
)

// handleCommandMessage runs on the MQTT delivery goroutine. It only decodes
// and queues; board I/O happens on the command worker.
func (b *Bridge) handleCommandMessage(topic string, payload []byte) error {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("parse command on %s: %w", topic, err)
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.Source == "" {
		cmd.Source = "mqtt"
	}

	if err := cmd.Validate(); err != nil {
		b.publishAck(NewAckError(b.opts.BoardID, cmd, ErrCodeInvalidCommand, err.Error()))
		return nil
	}

	select {
	case b.commands <- cmd:
		b.logDebug("command queued", "command_id", cmd.ID, "action", cmd.Action)
	case <-b.done:
		b.publishAck(NewAckError(b.opts.BoardID, cmd, ErrCodeBoardUnavailable, ErrStopped.Error()))
	default:
		b.publishAck(NewAckError(b.opts.BoardID, cmd, ErrCodeBusy, "command queue full"))
	}
	return nil
}

// commandWorker executes queued commands one at a time.
func (b *Bridge) commandWorker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case cmd := <-b.commands:
			b.publishAck(b.execute(b.ctx, cmd))
		}
	}
}

// execute performs one command and builds its acknowledgement.
func (b *Bridge) execute(ctx context.Context, cmd CommandMessage) AckMessage {
	b.logInfo("executing command",
		"command_id", cmd.ID,
		"action", cmd.Action,
		"parameter", cmd.Parameter,
		"source", cmd.Source)

	var (
		result any
		raw    string
		err    error
	)

	switch cmd.Action {
	case ActionGet:
		var r *Reading
		if r, err = b.Get(ctx, cmd.Parameter); err == nil {
			result, raw = r.Value, r.Raw
		}
	case ActionSet:
		var r *Reading
		if r, err = b.Set(ctx, cmd.Parameter, cmd.Value); err == nil {
			result, raw = r.Value, r.Raw
		}
	case ActionFetch:
		// Payload bytes are not forwarded over MQTT; only the summary is.
		var res *acqboard.FetchResult
		if res, err = b.Fetch(ctx, FetchRequest{Sink: io.Discard, RemoteFile: cmd.RemoteFile, Source: cmd.Source}); err == nil {
			result = res
		}
	case ActionRun:
		err = b.Run(ctx)
	case ActionConfigureHistogram:
		err = b.ConfigureHistogram(ctx, *cmd.Histogram)
	case ActionInit:
		result, err = b.Init(ctx)
	case ActionPopError:
		var rec acqboard.ErrorRecord
		if rec, err = b.PopError(ctx); err == nil {
			result = rec
		}
	case ActionIdentify:
		result, err = b.Identify()
	default:
		err = fmt.Errorf("%w: unknown action %q", ErrInvalidCommand, cmd.Action)
	}

	if err != nil {
		b.logWarn("command failed", "command_id", cmd.ID, "action", cmd.Action, "error", err)
		return NewAckError(b.opts.BoardID, cmd, ErrorCode(err), err.Error())
	}

	ack := NewAckMessage(b.opts.BoardID, cmd, result)
	ack.Raw = raw
	return ack
}

func (b *Bridge) publishAck(ack AckMessage) {
	b.publishJSON(b.topics.Ack(b.opts.BoardID), ack, false)
}

// ErrorCode maps an operation error to an acknowledgement error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCommand):
		return ErrCodeInvalidCommand
	case errors.Is(err, acqboard.ErrUnknownParameter):
		return ErrCodeUnknownParameter
	case errors.Is(err, acqboard.ErrInvalidValue):
		return ErrCodeInvalidValue
	case errors.Is(err, acqboard.ErrNotSupported):
		return ErrCodeNotSupported
	case errors.Is(err, acqboard.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	case errors.Is(err, ErrBoardUnavailable), errors.Is(err, ErrStopped),
		errors.Is(err, acqboard.ErrNotConnected), errors.Is(err, acqboard.ErrTransport):
		return ErrCodeBoardUnavailable
	case errors.Is(err, acqboard.ErrProtocol):
		return ErrCodeProtocolError
	default:
		return ErrCodeBridgeError
	}
}
