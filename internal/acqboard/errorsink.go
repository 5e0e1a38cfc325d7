package acqboard

import (
	"strings"
	"sync"
	"time"
)

// Severity classifies an asynchronous board error.
type Severity int

const (
	// SeverityNone marks the NoErrors sentinel.
	SeverityNone Severity = iota
	// SeverityStandard is an "@ERROR:STD" report.
	SeverityStandard
	// SeverityCritical is an "@ERROR:CRITICAL" report.
	SeverityCritical
	// SeverityUnrecognized covers other ERROR heads and replies for unknown parameters.
	SeverityUnrecognized
)

// String returns the short label used when rendering records.
func (s Severity) String() string {
	switch s {
	case SeverityStandard:
		return "STD"
	case SeverityCritical:
		return "CRITICAL"
	case SeverityUnrecognized:
		return "Unknown"
	default:
		return "none"
	}
}

// MarshalText renders the severity for JSON payloads.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// severityForHead maps an "ERROR:<x>" head to a severity.
func severityForHead(head string) Severity {
	switch strings.TrimPrefix(head, errorHeadPrefix) {
	case "STD":
		return SeverityStandard
	case "CRITICAL":
		return SeverityCritical
	default:
		return SeverityUnrecognized
	}
}

// ErrorRecord is one asynchronous error reported by the board, or an
// unrouteable reply recorded by the listener.
type ErrorRecord struct {
	Severity   Severity  `json:"severity"`
	Head       string    `json:"head,omitempty"`
	Message    string    `json:"message"`
	ReceivedAt time.Time `json:"received_at"`
}

// NoErrors is returned by PopLatest when the sink is empty.
var NoErrors = ErrorRecord{Severity: SeverityNone, Message: "No more errors"}

// IsNone reports whether r is the NoErrors sentinel.
func (r ErrorRecord) IsNone() bool {
	return r.Severity == SeverityNone
}

// String renders the record as "<severity>: <message>".
func (r ErrorRecord) String() string {
	if r.IsNone() {
		return r.Message
	}
	return r.Severity.String() + ": " + r.Message
}

// ErrorSink holds asynchronous errors in arrival order.
//
// Thread Safety: all methods are safe for concurrent use.
type ErrorSink struct {
	mu      sync.Mutex
	records []ErrorRecord
}

// NewErrorSink returns an empty sink.
func NewErrorSink() *ErrorSink {
	return &ErrorSink{}
}

// Append adds a record at the end.
func (s *ErrorSink) Append(r ErrorRecord) {
	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
}

// PopLatest removes and returns the most recent record, or NoErrors.
func (s *ErrorSink) PopLatest() ErrorRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.records)
	if n == 0 {
		return NoErrors
	}
	r := s.records[n-1]
	s.records[n-1] = ErrorRecord{}
	s.records = s.records[:n-1]
	return r
}

// Len returns the number of pending records.
func (s *ErrorSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Snapshot returns a copy of the pending records, oldest first.
func (s *ErrorSink) Snapshot() []ErrorRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ErrorRecord, len(s.records))
	copy(out, s.records)
	return out
}
