// Package journal persists board activity in SQLite: asynchronous errors,
// bulk acquisitions and the last known value of each parameter.
//
// The in-memory error sink on the board client is lost on restart and
// empties as errors are popped; the journal keeps the full history.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/acqboard-bridge/internal/acqboard"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("journal: not found")

// ErrorEntry is one asynchronous board error.
type ErrorEntry struct {
	ID         string     `json:"id"`
	Board      string     `json:"board"`
	Severity   string     `json:"severity"`
	Head       string     `json:"head"`
	Message    string     `json:"message"`
	ReceivedAt time.Time  `json:"received_at"`
	PoppedAt   *time.Time `json:"popped_at,omitempty"`
}

// Acquisition status values.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Acquisition records one bulk fetch.
type Acquisition struct {
	ID         string    `json:"id"`
	Board      string    `json:"board"`
	BoardType  string    `json:"board_type"`
	Mode       string    `json:"mode"`
	Name       string    `json:"name,omitempty"`
	Location   string    `json:"location,omitempty"`
	DataType   string    `json:"data_type,omitempty"`
	RemoteFile string    `json:"remote_file,omitempty"`
	Bytes      int64     `json:"bytes"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Parameter value sources.
const (
	SourceSet  = "set"
	SourceGet  = "get"
	SourcePoll = "poll"
)

// ParameterValue is the last known wire text of one parameter.
type ParameterValue struct {
	Board     string    `json:"board"`
	Name      string    `json:"name"`
	Value     string    `json:"value"`
	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrorFilter controls which errors ListErrors returns.
type ErrorFilter struct {
	Board    string
	Severity string
	Since    time.Time
	// Pending restricts the result to errors not yet popped.
	Pending bool
	Limit   int // default 50, max 500
	Offset  int
}

// ErrorList is a page of errors, newest first.
type ErrorList struct {
	Errors []ErrorEntry `json:"errors"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// Repository defines the journal operations used by the bridge and the API.
type Repository interface {
	RecordError(ctx context.Context, e *ErrorEntry) error
	MarkLatestPopped(ctx context.Context, board string, at time.Time) error
	ListErrors(ctx context.Context, filter ErrorFilter) (*ErrorList, error)

	RecordAcquisition(ctx context.Context, a *Acquisition) error
	GetAcquisition(ctx context.Context, id string) (*Acquisition, error)
	ListAcquisitions(ctx context.Context, board string, limit int) ([]Acquisition, error)

	SaveParameter(ctx context.Context, v ParameterValue) error
	LoadParameters(ctx context.Context, board string) ([]ParameterValue, error)
}

// SQLiteRepository implements Repository on the schema created by the
// migrations package.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a journal repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// RecordError inserts an error entry. ID and ReceivedAt are generated if empty.
func (r *SQLiteRepository) RecordError(ctx context.Context, e *ErrorEntry) error {
	if e.Board == "" {
		return fmt.Errorf("board is required")
	}
	if e.ID == "" {
		e.ID = "err-" + uuid.NewString()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO board_errors (id, board, severity, head, message, received_at, popped_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Board, e.Severity, e.Head, e.Message,
		formatTime(e.ReceivedAt), nullableTime(e.PoppedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting board error: %w", err)
	}
	return nil
}

// MarkLatestPopped stamps the newest unpopped error of a board. The board
// client pops errors newest first, so this keeps the journal aligned with it.
// Returns ErrNotFound when every journaled error is already popped.
func (r *SQLiteRepository) MarkLatestPopped(ctx context.Context, board string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE board_errors SET popped_at = ?
		 WHERE id = (
		     SELECT id FROM board_errors
		     WHERE board = ? AND popped_at IS NULL
		     ORDER BY received_at DESC, rowid DESC LIMIT 1
		 )`,
		formatTime(at), board,
	)
	if err != nil {
		return fmt.Errorf("marking board error popped: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports rows affected
		return ErrNotFound
	}
	return nil
}

// ListErrors returns errors matching the filter, newest first.
func (r *SQLiteRepository) ListErrors(ctx context.Context, filter ErrorFilter) (*ErrorList, error) {
	filter.Limit = clampLimit(filter.Limit)
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.Board != "" {
		conditions = append(conditions, "board = ?")
		args = append(args, filter.Board)
	}
	if filter.Severity != "" {
		conditions = append(conditions, "severity = ?")
		args = append(args, filter.Severity)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "received_at >= ?")
		args = append(args, formatTime(filter.Since))
	}
	if filter.Pending {
		conditions = append(conditions, "popped_at IS NULL")
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM board_errors " + where //nolint:gosec // WHERE built from parameterised conditions
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting board errors: %w", err)
	}

	query := "SELECT id, board, severity, head, message, received_at, popped_at FROM board_errors " + //nolint:gosec // as above
		where + " ORDER BY received_at DESC, rowid DESC LIMIT ? OFFSET ?"
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying board errors: %w", err)
	}
	defer rows.Close()

	entries := []ErrorEntry{}
	for rows.Next() {
		var e ErrorEntry
		var receivedAt string
		var poppedAt sql.NullString
		if err := rows.Scan(&e.ID, &e.Board, &e.Severity, &e.Head, &e.Message, &receivedAt, &poppedAt); err != nil {
			return nil, fmt.Errorf("scanning board error: %w", err)
		}
		if e.ReceivedAt, err = parseTime(receivedAt); err != nil {
			return nil, err
		}
		if poppedAt.Valid {
			t, err := parseTime(poppedAt.String)
			if err != nil {
				return nil, err
			}
			e.PoppedAt = &t
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating board errors: %w", err)
	}

	return &ErrorList{Errors: entries, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// RecordAcquisition inserts an acquisition record. ID is generated if empty.
func (r *SQLiteRepository) RecordAcquisition(ctx context.Context, a *Acquisition) error {
	if a.Board == "" {
		return fmt.Errorf("board is required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = StatusOK
	}
	if a.FinishedAt.IsZero() {
		a.FinishedAt = time.Now().UTC()
	}
	if a.StartedAt.IsZero() {
		a.StartedAt = a.FinishedAt
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO acquisitions
		 (id, board, board_type, mode, name, location, data_type, remote_file, bytes, status, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Board, a.BoardType, a.Mode, a.Name, a.Location, a.DataType, a.RemoteFile,
		a.Bytes, a.Status, nullableString(a.Error),
		formatTime(a.StartedAt), formatTime(a.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting acquisition: %w", err)
	}
	return nil
}

const acquisitionColumns = `id, board, board_type, mode, name, location, data_type, remote_file,
	bytes, status, error, started_at, finished_at`

// GetAcquisition returns one acquisition by ID.
func (r *SQLiteRepository) GetAcquisition(ctx context.Context, id string) (*Acquisition, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+acquisitionColumns+" FROM acquisitions WHERE id = ?", id)
	a, err := scanAcquisition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListAcquisitions returns the most recent acquisitions of a board.
func (r *SQLiteRepository) ListAcquisitions(ctx context.Context, board string, limit int) ([]Acquisition, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+acquisitionColumns+" FROM acquisitions WHERE board = ? ORDER BY started_at DESC, rowid DESC LIMIT ?",
		board, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying acquisitions: %w", err)
	}
	defer rows.Close()

	list := []Acquisition{}
	for rows.Next() {
		a, err := scanAcquisition(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating acquisitions: %w", err)
	}
	return list, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAcquisition(s scanner) (*Acquisition, error) {
	var a Acquisition
	var errText sql.NullString
	var startedAt, finishedAt string
	err := s.Scan(&a.ID, &a.Board, &a.BoardType, &a.Mode, &a.Name, &a.Location, &a.DataType,
		&a.RemoteFile, &a.Bytes, &a.Status, &errText, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning acquisition: %w", err)
	}
	a.Error = errText.String
	if a.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if a.FinishedAt, err = parseTime(finishedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// SaveParameter upserts the last known value of a parameter.
func (r *SQLiteRepository) SaveParameter(ctx context.Context, v ParameterValue) error {
	if v.Board == "" || v.Name == "" {
		return fmt.Errorf("board and parameter name are required")
	}
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = time.Now().UTC()
	}
	if v.Source == "" {
		v.Source = SourceGet
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO parameter_values (board, name, value, source, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (board, name) DO UPDATE SET
		     value = excluded.value,
		     source = excluded.source,
		     updated_at = excluded.updated_at`,
		v.Board, v.Name, v.Value, v.Source, formatTime(v.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving parameter value: %w", err)
	}
	return nil
}

// LoadParameters returns all stored values of a board, sorted by name.
func (r *SQLiteRepository) LoadParameters(ctx context.Context, board string) ([]ParameterValue, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT board, name, value, source, updated_at FROM parameter_values WHERE board = ? ORDER BY name",
		board,
	)
	if err != nil {
		return nil, fmt.Errorf("querying parameter values: %w", err)
	}
	defer rows.Close()

	values := []ParameterValue{}
	for rows.Next() {
		var v ParameterValue
		var updatedAt string
		if err := rows.Scan(&v.Board, &v.Name, &v.Value, &v.Source, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning parameter value: %w", err)
		}
		if v.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating parameter values: %w", err)
	}
	return values, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// Timestamps are stored as RFC 3339 with nanoseconds in UTC so that text
// ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// EntryFromRecord converts a board error record into a journal entry.
func EntryFromRecord(board string, rec acqboard.ErrorRecord) *ErrorEntry {
	return &ErrorEntry{
		Board:      board,
		Severity:   rec.Severity.String(),
		Head:       rec.Head,
		Message:    rec.Message,
		ReceivedAt: rec.ReceivedAt,
	}
}
