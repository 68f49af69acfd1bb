package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Defaults for requests opened by inbound results.
const (
	DefaultRequestPriority   = "NORMAL"
	DefaultRequestSampleType = "BLOOD"
)

// RequestNote is the note stored on requests created from an HL7 order.
func RequestNote(orderNumber string) string {
	return "Automated request from HL7 message - Order: " + orderNumber
}

// EnsureRequest returns the request for draft.OrderNumber, inserting it when
// it does not exist yet.
func (s *Store) EnsureRequest(ctx context.Context, draft RequestDraft) (*Request, error) {
	var r Request
	var status string
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO requests (id, order_number, patient_id, status, priority, sample_type, notes, collected_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (order_number) DO UPDATE SET order_number = EXCLUDED.order_number
		RETURNING id, order_number, patient_id, status, priority, sample_type, notes, collected_at, created_at`,
		uuid.NewString(), draft.OrderNumber, draft.PatientID, string(RequestInProgress),
		DefaultRequestPriority, DefaultRequestSampleType, RequestNote(draft.OrderNumber),
		draft.CollectedAt, time.Now().UTC(),
	).Scan(&r.ID, &r.OrderNumber, &r.PatientID, &status, &r.Priority, &r.SampleType, &r.Notes, &r.CollectedAt, &r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("ensure request %s: %w", draft.OrderNumber, err)
	}
	r.Status = RequestStatus(status)
	return &r, nil
}

func (s *Store) LinkAnalysis(ctx context.Context, requestID, analysisID string) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO request_analyses (request_id, analysis_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, requestID, analysisID)
	if err != nil {
		return fmt.Errorf("link analysis %s to request %s: %w", analysisID, requestID, err)
	}
	return nil
}
