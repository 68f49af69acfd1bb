package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const patientColumns = `id, COALESCE(external_id, ''), COALESCE(internal_id, ''), family_name, given_name, birth_date, sex, created_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var sex string
	if err := row.Scan(&p.ID, &p.ExternalID, &p.InternalID, &p.FamilyName, &p.GivenName, &p.BirthDate, &sex, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Sex = Sex(sex)
	return &p, nil
}

func (s *Store) FindPatientByExternalOrInternalID(ctx context.Context, id string) (*Patient, error) {
	row := s.conn(ctx).QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE external_id = $1 OR internal_id = $1
		ORDER BY (external_id IS NOT DISTINCT FROM $1) DESC, created_at
		LIMIT 1`, id)
	p, err := scanPatient(row)
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

// CreatePatient inserts a patient. A concurrent insert of the same external
// id returns the row that won.
func (s *Store) CreatePatient(ctx context.Context, draft PatientDraft) (*Patient, error) {
	row := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO patients (id, external_id, internal_id, family_name, given_name, birth_date, sex, created_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, $8)
		ON CONFLICT (external_id) DO UPDATE SET external_id = EXCLUDED.external_id
		RETURNING `+patientColumns,
		uuid.NewString(), draft.ExternalID, draft.InternalID, draft.FamilyName, draft.GivenName,
		draft.BirthDate, string(draft.Sex), time.Now().UTC())
	p, err := scanPatient(row)
	if err != nil {
		return nil, fmt.Errorf("insert patient: %w", err)
	}
	return p, nil
}
