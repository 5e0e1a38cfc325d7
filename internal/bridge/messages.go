package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/acqboard-bridge/internal/acqboard"
)

// MQTT message types exchanged with supervisory systems. Topics come from
// mqtt.Topics: commands arrive on acqboard/command/{board} and results are
// published on acqboard/ack/{board}.

// Command actions.
const (
	ActionGet                = "get"
	ActionSet                = "set"
	ActionFetch              = "fetch"
	ActionRun                = "run"
	ActionConfigureHistogram = "configure_histogram"
	ActionInit               = "init"
	ActionPopError           = "pop_error"
	ActionIdentify           = "identify"
)

// CommandMessage asks the bridge to perform one board operation.
type CommandMessage struct {
	// ID correlates the command with its acknowledgement. Generated when empty.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`

	// Action is one of the Action* constants.
	Action string `json:"action"`

	// Parameter names the board parameter for get and set.
	Parameter string `json:"parameter,omitempty"`

	// Value is the new value for set. JSON numbers arrive as float64 and are
	// converted by the parameter's kind.
	Value any `json:"value,omitempty"`

	// RemoteFile is passed to fetch; the board saves to or reads from it.
	RemoteFile string `json:"remote_file,omitempty"`

	// Histogram carries the settings for configure_histogram.
	Histogram *acqboard.HistogramSettings `json:"histogram,omitempty"`

	// Source indicates where the command originated ("mqtt", "api").
	Source string `json:"source,omitempty"`
}

// UnmarshalJSON accepts a missing or RFC 3339 timestamp.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type alias CommandMessage
	aux := &struct {
		*alias
		Timestamp string `json:"timestamp"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = t
	}
	return nil
}

// Validate checks that the command carries what its action needs.
func (m *CommandMessage) Validate() error {
	switch m.Action {
	case ActionGet:
		if m.Parameter == "" {
			return fmt.Errorf("%w: get requires a parameter", ErrInvalidCommand)
		}
	case ActionSet:
		if m.Parameter == "" || m.Value == nil {
			return fmt.Errorf("%w: set requires a parameter and a value", ErrInvalidCommand)
		}
	case ActionConfigureHistogram:
		if m.Histogram == nil {
			return fmt.Errorf("%w: configure_histogram requires histogram settings", ErrInvalidCommand)
		}
	case ActionFetch, ActionRun, ActionInit, ActionPopError, ActionIdentify:
	case "":
		return fmt.Errorf("%w: action is required", ErrInvalidCommand)
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidCommand, m.Action)
	}
	return nil
}

// AckStatus is the outcome of a command.
type AckStatus string

const (
	// AckAccepted means the board operation completed.
	AckAccepted AckStatus = "accepted"

	// AckFailed means the operation could not be performed.
	AckFailed AckStatus = "failed"

	// AckTimeout means the board did not answer in time.
	AckTimeout AckStatus = "timeout"
)

// AckMessage reports the result of a command.
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	Board     string    `json:"board"`
	Action    string    `json:"action"`
	Status    AckStatus `json:"status"`

	// Parameter and Raw echo the wire name and text for get and set.
	Parameter string `json:"parameter,omitempty"`
	Raw       string `json:"raw,omitempty"`

	// Result holds the typed value for get, and a summary object for the
	// other actions.
	Result any `json:"result,omitempty"`

	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeInvalidCommand   = "INVALID_COMMAND"
	ErrCodeUnknownParameter = "UNKNOWN_PARAMETER"
	ErrCodeInvalidValue     = "INVALID_VALUE"
	ErrCodeNotSupported     = "NOT_SUPPORTED"
	ErrCodeBoardUnavailable = "BOARD_UNAVAILABLE"
	ErrCodeProtocolError    = "PROTOCOL_ERROR"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeBusy             = "BRIDGE_BUSY"
	ErrCodeBridgeError      = "BRIDGE_ERROR"
)

// NewAckMessage creates a successful acknowledgement.
func NewAckMessage(board string, cmd CommandMessage, result any) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		Board:     board,
		Action:    cmd.Action,
		Status:    AckAccepted,
		Parameter: cmd.Parameter,
		Result:    result,
	}
}

// NewAckError creates a failed acknowledgement. The TIMEOUT code yields
// AckTimeout.
func NewAckError(board string, cmd CommandMessage, code, message string) AckMessage {
	status := AckFailed
	if code == ErrCodeTimeout {
		status = AckTimeout
	}
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		Board:     board,
		Action:    cmd.Action,
		Status:    status,
		Parameter: cmd.Parameter,
		Error:     &AckError{Code: code, Message: message},
	}
}

// StateMessage carries the last known value of one parameter.
// Published retained on acqboard/state/{board}/{parameter}.
type StateMessage struct {
	Board     string    `json:"board"`
	Parameter string    `json:"parameter"`
	Raw       string    `json:"raw"`
	Value     any       `json:"value"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorMessage carries one asynchronous board error.
// Published on acqboard/error/{board}, not retained.
type ErrorMessage struct {
	Board      string    `json:"board"`
	Severity   string    `json:"severity"`
	Head       string    `json:"head,omitempty"`
	Message    string    `json:"message"`
	ReceivedAt time.Time `json:"received_at"`
}

// NewErrorMessage converts a board error record.
func NewErrorMessage(board string, rec acqboard.ErrorRecord) ErrorMessage {
	return ErrorMessage{
		Board:      board,
		Severity:   rec.Severity.String(),
		Head:       rec.Head,
		Message:    rec.Message,
		ReceivedAt: rec.ReceivedAt,
	}
}

// TransferMessage summarises one bulk fetch. Payload bytes never travel
// over MQTT.
type TransferMessage struct {
	ID         string    `json:"id,omitempty"`
	Board      string    `json:"board"`
	Name       string    `json:"name,omitempty"`
	Location   string    `json:"location,omitempty"`
	Type       string    `json:"type,omitempty"`
	RemoteFile string    `json:"remote_file,omitempty"`
	Bytes      int64     `json:"bytes"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports bridge and board status.
// Published retained on acqboard/health/{board}.
type HealthMessage struct {
	Board         string            `json:"board"`
	BoardType     string            `json:"board_type,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Status        HealthStatus      `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Connection    *ConnectionStatus `json:"connection,omitempty"`
	Statistics    *Statistics       `json:"statistics,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// ConnectionStatus describes the board connection.
type ConnectionStatus struct {
	Status         string     `json:"status"`
	Address        string     `json:"address"`
	ConnectedSince *time.Time `json:"connected_since,omitempty"`
}

// Statistics is the subset of board counters reported in health messages.
type Statistics struct {
	CommandsSent   uint64 `json:"commands_sent"`
	Replies        uint64 `json:"replies"`
	AsyncErrors    uint64 `json:"async_errors"`
	PendingErrors  int    `json:"pending_errors"`
	BulkTransfers  uint64 `json:"bulk_transfers"`
	ProtocolErrors uint64 `json:"protocol_errors"`
	FramesDropped  uint64 `json:"frames_dropped"`
}

// NewHealthMessage builds a health message from a status snapshot.
func NewHealthMessage(version string, status HealthStatus, snap Status, startTime time.Time) HealthMessage {
	msg := HealthMessage{
		Board:         snap.Board,
		BoardType:     snap.BoardType,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       version,
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
		Connection:    &ConnectionStatus{Status: "disconnected", Address: snap.Connection},
	}

	if snap.Connected {
		since := snap.ConnectedSince
		msg.Connection.Status = "connected"
		msg.Connection.ConnectedSince = &since
	}

	if snap.Stats != nil {
		msg.Statistics = &Statistics{
			CommandsSent:   snap.Stats.CommandsTx,
			Replies:        snap.Stats.Replies,
			AsyncErrors:    snap.Stats.AsyncErrors,
			PendingErrors:  snap.Stats.PendingErrors,
			BulkTransfers:  snap.Stats.BulkTransfers,
			ProtocolErrors: snap.Stats.ProtocolErrors,
			FramesDropped:  snap.Stats.FramesDropped,
		}
	}
	return msg
}
