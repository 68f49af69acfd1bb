package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// FindAnalysisByExternalCode matches the instrument code first, then the
// internal catalog code.
func (s *Store) FindAnalysisByExternalCode(ctx context.Context, code string) (*Analysis, error) {
	var a Analysis
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT id, code, COALESCE(external_code, ''), name, unit
		FROM analyses
		WHERE external_code = $1 OR code = $1
		ORDER BY (external_code IS NOT DISTINCT FROM $1) DESC
		LIMIT 1`, code).Scan(&a.ID, &a.Code, &a.ExternalCode, &a.Name, &a.Unit)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// SaveAnalysis inserts or updates a catalog entry by code.
func (s *Store) SaveAnalysis(ctx context.Context, a Analysis) (*Analysis, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO analyses (id, code, external_code, name, unit)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		ON CONFLICT (code) DO UPDATE
		SET external_code = EXCLUDED.external_code, name = EXCLUDED.name, unit = EXCLUDED.unit
		RETURNING id`, a.ID, a.Code, a.ExternalCode, a.Name, a.Unit).Scan(&a.ID)
	if err != nil {
		return nil, fmt.Errorf("save analysis %s: %w", a.Code, err)
	}
	return &a, nil
}

func (s *Store) FindInstrumentByApplicationName(ctx context.Context, name string) (*Instrument, error) {
	var in Instrument
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT id, name, application_name, active
		FROM instruments
		WHERE application_name = $1`, name).Scan(&in.ID, &in.Name, &in.ApplicationName, &in.Active)
	if err != nil {
		return nil, notFound(err)
	}
	return &in, nil
}

func (s *Store) SaveInstrument(ctx context.Context, in Instrument) (*Instrument, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO instruments (id, name, application_name, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (application_name) DO UPDATE SET name = EXCLUDED.name, active = EXCLUDED.active
		RETURNING id`, in.ID, in.Name, in.ApplicationName, in.Active).Scan(&in.ID)
	if err != nil {
		return nil, fmt.Errorf("save instrument %s: %w", in.ApplicationName, err)
	}
	return &in, nil
}
