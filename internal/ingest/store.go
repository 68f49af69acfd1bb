package ingest

import (
	"context"

	"github.com/minasoft/lis-hl7/internal/db"
)

// PatientStore looks patients up by either of their identifiers and creates
// them from message data.
type PatientStore interface {
	// FindPatientByExternalOrInternalID matches id against both the external
	// (instrument) and internal (lab) identifier. Returns db.ErrNotFound.
	FindPatientByExternalOrInternalID(ctx context.Context, id string) (*db.Patient, error)
	CreatePatient(ctx context.Context, draft db.PatientDraft) (*db.Patient, error)
}

type AnalysisStore interface {
	// FindAnalysisByExternalCode returns db.ErrNotFound for unknown codes.
	FindAnalysisByExternalCode(ctx context.Context, code string) (*db.Analysis, error)
}

type RequestStore interface {
	// EnsureRequest returns the request for draft.OrderNumber, creating it
	// when absent.
	EnsureRequest(ctx context.Context, draft db.RequestDraft) (*db.Request, error)
	// LinkAnalysis records that the request includes the analysis. Repeated
	// calls are no-ops.
	LinkAnalysis(ctx context.Context, requestID, analysisID string) error
}

type ResultStore interface {
	// UpsertResult writes one result keyed on (requestID, analysisID)
	// atomically, following policy when a row already exists.
	UpsertResult(ctx context.Context, requestID, analysisID string, fields db.ResultFields, policy db.UpsertPolicy) (*db.Result, error)
}

// Store is everything the result handler writes to.
type Store interface {
	PatientStore
	AnalysisStore
	RequestStore
	ResultStore
}

// Transactor is implemented by stores that can run a unit of work
// atomically. The ctx passed to fn carries the transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
