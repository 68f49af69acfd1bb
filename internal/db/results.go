package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const resultColumns = `id, request_id, analysis_id, test_code, value, numeric_value::text, unit,
	reference_range, abnormal_flag, status, performed_at, source, validated, created_at, updated_at`

func scanResult(row pgx.Row) (*Result, error) {
	var (
		r       Result
		numeric *string
		status  string
	)
	err := row.Scan(&r.ID, &r.RequestID, &r.AnalysisID, &r.TestCode, &r.Value, &numeric, &r.Unit,
		&r.ReferenceRange, &r.AbnormalFlag, &status, &r.PerformedAt, &r.Source, &r.Validated, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = ResultStatus(status)
	if numeric != nil {
		d, err := decimal.NewFromString(*numeric)
		if err != nil {
			return nil, fmt.Errorf("parse numeric value %q: %w", *numeric, err)
		}
		r.NumericValue = &d
	}
	return &r, nil
}

func numericParam(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

// UpsertResult writes the result for (requestID, analysisID) in a single
// statement. Overwrite replaces the values and clears validation;
// keep-existing returns the stored row unchanged.
func (s *Store) UpsertResult(ctx context.Context, requestID, analysisID string, f ResultFields, policy UpsertPolicy) (*Result, error) {
	now := time.Now().UTC()
	args := []any{
		uuid.NewString(), requestID, analysisID, f.TestCode, f.Value, numericParam(f.NumericValue), f.Unit,
		f.ReferenceRange, f.AbnormalFlag, string(f.Status), f.PerformedAt, f.Source, now,
	}
	insert := `
		INSERT INTO results (id, request_id, analysis_id, test_code, value, numeric_value, unit,
			reference_range, abnormal_flag, status, performed_at, source, validated, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, CAST($6::text AS NUMERIC), $7, $8, $9, $10, $11, $12, FALSE, $13, $13)`

	q := s.conn(ctx)
	if policy == UpsertKeepExisting {
		r, err := scanResult(q.QueryRow(ctx, insert+`
			ON CONFLICT (request_id, analysis_id) DO NOTHING
			RETURNING `+resultColumns, args...))
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("insert result: %w", err)
		}
		r, err = scanResult(q.QueryRow(ctx, `
			SELECT `+resultColumns+`
			FROM results WHERE request_id = $1 AND analysis_id = $2`, requestID, analysisID))
		if err != nil {
			return nil, fmt.Errorf("load existing result: %w", err)
		}
		return r, nil
	}

	r, err := scanResult(q.QueryRow(ctx, insert+`
		ON CONFLICT (request_id, analysis_id) DO UPDATE SET
			test_code = EXCLUDED.test_code,
			value = EXCLUDED.value,
			numeric_value = EXCLUDED.numeric_value,
			unit = EXCLUDED.unit,
			reference_range = EXCLUDED.reference_range,
			abnormal_flag = EXCLUDED.abnormal_flag,
			status = EXCLUDED.status,
			performed_at = EXCLUDED.performed_at,
			source = EXCLUDED.source,
			validated = FALSE,
			updated_at = EXCLUDED.updated_at
		RETURNING `+resultColumns, args...))
	if err != nil {
		return nil, fmt.Errorf("upsert result: %w", err)
	}
	return r, nil
}

// ResultsForRequest lists the results stored for a request.
func (s *Store) ResultsForRequest(ctx context.Context, requestID string) ([]Result, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+resultColumns+`
		FROM results WHERE request_id = $1 ORDER BY created_at`, requestID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
