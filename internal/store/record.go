package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get for an unknown record id.
var ErrNotFound = errors.New("record not found")

// Record is one archived compilation.
type Record struct {
	ID      string `json:"id"`
	Seq     int64  `json:"seq"`
	RunID   string `json:"run_id"`
	Fixture string `json:"fixture"`
	Source  string `json:"source,omitempty"`
	Pass    bool   `json:"pass"`

	// Plan describes the loop nest, outermost level first.
	Plan []string `json:"plan"`

	// Listing and Program are empty when compilation failed.
	Listing string          `json:"listing,omitempty"`
	Program json.RawMessage `json:"program,omitempty"`

	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Record appends rec to the archive and returns it with its id and seq
// assigned. A RunID left empty gets a fresh id.
func (a *Archive) Record(ctx context.Context, rec Record) (Record, error) {
	planJSON, err := marshalPlan(rec.Plan)
	if err != nil {
		return Record{}, fmt.Errorf("record %s: %w", rec.Fixture, err)
	}
	rec.ID = a.ids.Generate()
	if rec.RunID == "" {
		rec.RunID = a.ids.Generate()
	}

	row := a.db.QueryRowContext(ctx, `
		INSERT INTO listings
		(id, seq, run_id, fixture, source, pass, plan, listing, program, error_code, error)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM listings), ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq
	`,
		rec.ID,
		rec.RunID,
		rec.Fixture,
		rec.Source,
		rec.Pass,
		planJSON,
		rec.Listing,
		string(rec.Program),
		rec.ErrorCode,
		rec.Error,
	)
	if err := row.Scan(&rec.Seq); err != nil {
		return Record{}, fmt.Errorf("record %s: %w", rec.Fixture, err)
	}
	return rec, nil
}

// Filter selects records for List. Zero fields match everything.
type Filter struct {
	Fixture string
	RunID   string
	Limit   int // most recent Limit records
}

// List returns the matching records ordered by seq.
//
// Returns an empty slice (not nil) if nothing matches.
func (a *Archive) List(ctx context.Context, f Filter) ([]Record, error) {
	query := `
		SELECT id, seq, run_id, fixture, source, pass, plan, listing, program, error_code, error
		FROM listings
		WHERE (? = '' OR fixture = ?) AND (? = '' OR run_id = ?)
		ORDER BY seq DESC, id COLLATE BINARY ASC`
	args := []any{f.Fixture, f.Fixture, f.RunID, f.RunID}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query listings: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}

	// Newest were selected first so LIMIT keeps them; report oldest first.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// Get retrieves a single record by id. Returns ErrNotFound if there is
// none.
func (a *Archive) Get(ctx context.Context, id string) (Record, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT id, seq, run_id, fixture, source, pass, plan, listing, program, error_code, error
		FROM listings
		WHERE id = ?
	`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var rec Record
	var planJSON, program string
	if err := s.Scan(
		&rec.ID, &rec.Seq, &rec.RunID, &rec.Fixture, &rec.Source, &rec.Pass,
		&planJSON, &rec.Listing, &program, &rec.ErrorCode, &rec.Error,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scan listing: %w", err)
	}

	plan, err := unmarshalPlan(planJSON)
	if err != nil {
		return Record{}, err
	}
	rec.Plan = plan
	if program != "" {
		rec.Program = json.RawMessage(program)
	}
	return rec, nil
}

// marshalPlan stores a plan as a JSON array, never null.
func marshalPlan(plan []string) (string, error) {
	if plan == nil {
		plan = []string{}
	}
	data, err := json.Marshal(plan)
	if err != nil {
		return "", fmt.Errorf("marshal plan: %w", err)
	}
	return string(data), nil
}

func unmarshalPlan(s string) ([]string, error) {
	plan := []string{}
	if err := json.Unmarshal([]byte(s), &plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	return plan, nil
}
