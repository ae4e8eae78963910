package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/structura-bim/structura/internal/store/schema"
)

// TimeFormat is the on-disk timestamp format. It is fixed width so that
// lexical order in SQL matches chronological order.
const TimeFormat = "2006-01-02T15:04:05.000000000Z"

// ElementColumns lists the element columns in the order ScanElement expects.
const ElementColumns = `guid, project_id, name, position, material, level, axes,
	volume, status, properties, pending_sync, modified_at`

const actColumns = `id, number, file_path, work_type, act_date, start_date,
	end_date, ks, ks2, created_at`

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// FormatTime converts t to the on-disk format.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses an on-disk timestamp. Empty or malformed values yield
// the zero time.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(TimeFormat, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func rawToNull(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 || string(raw) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullToRaw(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

// ScanElement scans one row selected with ElementColumns.
func ScanElement(row scanner) (*schema.Element, error) {
	var (
		e          schema.Element
		properties sql.NullString
		pending    int
		modifiedAt string
	)

	err := row.Scan(
		&e.GUID,
		&e.ProjectID,
		&e.Name,
		&e.Position,
		&e.Material,
		&e.Level,
		&e.Axes,
		&e.Volume,
		&e.Status,
		&properties,
		&pending,
		&modifiedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Properties = nullToRaw(properties)
	e.PendingSync = pending != 0
	e.ModifiedAt = ParseTime(modifiedAt)
	return &e, nil
}

// ScanElements scans all rows selected with ElementColumns.
func ScanElements(rows *sql.Rows) ([]*schema.Element, error) {
	elements := []*schema.Element{}
	for rows.Next() {
		e, err := ScanElement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan element: %w", err)
		}
		elements = append(elements, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating elements: %w", err)
	}
	return elements, nil
}

func scanAct(row scanner) (*schema.Act, error) {
	var (
		a         schema.Act
		createdAt string
	)
	err := row.Scan(
		&a.ID,
		&a.Number,
		&a.FilePath,
		&a.WorkType,
		&a.ActDate,
		&a.StartDate,
		&a.EndDate,
		&a.KS,
		&a.KS2,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = ParseTime(createdAt)
	return &a, nil
}

func scanActs(rows *sql.Rows) ([]*schema.Act, error) {
	acts := []*schema.Act{}
	for rows.Next() {
		a, err := scanAct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan act: %w", err)
		}
		acts = append(acts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating acts: %w", err)
	}
	return acts, nil
}
