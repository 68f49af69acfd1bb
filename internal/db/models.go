package db

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by store lookups that match no row.
var ErrNotFound = errors.New("kayıt bulunamadı")

type Sex string

const (
	SexMale    Sex = "MALE"
	SexFemale  Sex = "FEMALE"
	SexUnknown Sex = "UNKNOWN"
)

type Patient struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"external_id,omitempty"` // instrument supplied
	InternalID string    `json:"internal_id,omitempty"` // lab issued, e.g. national id
	FamilyName string    `json:"family_name"`
	GivenName  string    `json:"given_name"`
	BirthDate  time.Time `json:"birth_date"`
	Sex        Sex       `json:"sex"`
	CreatedAt  time.Time `json:"created_at"`
}

// PatientDraft carries what an inbound message knows about a patient.
type PatientDraft struct {
	ExternalID string
	InternalID string
	FamilyName string
	GivenName  string
	BirthDate  time.Time
	Sex        Sex
}

type Analysis struct {
	ID           string `json:"id"`
	Code         string `json:"code"`
	ExternalCode string `json:"external_code"` // instrument test code (OBX-3)
	Name         string `json:"name"`
	Unit         string `json:"unit,omitempty"`
}

type RequestStatus string

const (
	RequestPending    RequestStatus = "PENDING"
	RequestInProgress RequestStatus = "IN_PROGRESS"
	RequestCompleted  RequestStatus = "COMPLETED"
)

type Request struct {
	ID          string        `json:"id"`
	OrderNumber string        `json:"order_number"`
	PatientID   string        `json:"patient_id"`
	Status      RequestStatus `json:"status"`
	Priority    string        `json:"priority"`
	SampleType  string        `json:"sample_type"`
	Notes       string        `json:"notes,omitempty"`
	CollectedAt *time.Time    `json:"collected_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

type RequestDraft struct {
	OrderNumber string
	PatientID   string
	CollectedAt *time.Time
}

type ResultStatus string

const (
	ResultPending   ResultStatus = "PENDING"
	ResultValidated ResultStatus = "VALIDATED"
)

// UpsertPolicy decides what happens when a result already exists for a
// request/analysis pair.
type UpsertPolicy string

const (
	// UpsertOverwrite replaces the stored values (re-transmission corrects).
	UpsertOverwrite UpsertPolicy = "overwrite"
	// UpsertKeepExisting leaves the stored row untouched.
	UpsertKeepExisting UpsertPolicy = "keep-existing"
)

func (p UpsertPolicy) Valid() bool {
	return p == UpsertOverwrite || p == UpsertKeepExisting
}

type Result struct {
	ID             string           `json:"id"`
	RequestID      string           `json:"request_id"`
	AnalysisID     string           `json:"analysis_id"`
	TestCode       string           `json:"test_code"`
	Value          string           `json:"value"`
	NumericValue   *decimal.Decimal `json:"numeric_value,omitempty"`
	Unit           string           `json:"unit,omitempty"`
	ReferenceRange string           `json:"reference_range,omitempty"`
	AbnormalFlag   string           `json:"abnormal_flag,omitempty"`
	Status         ResultStatus     `json:"status"`
	PerformedAt    *time.Time       `json:"performed_at,omitempty"`
	Source         string           `json:"source"`
	Validated      bool             `json:"validated"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// ResultFields is the observation payload written by an upsert.
type ResultFields struct {
	TestCode       string
	Value          string
	NumericValue   *decimal.Decimal
	Unit           string
	ReferenceRange string
	AbnormalFlag   string
	Status         ResultStatus
	PerformedAt    *time.Time
	Source         string
}

// Instrument is a lab analyzer (automate) known by its HL7 application name.
type Instrument struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	ApplicationName string `json:"application_name"`
	Active          bool   `json:"active"`
}

type MessageStatus string

const (
	MessageReceived  MessageStatus = "received"
	MessageProcessed MessageStatus = "processed"
	MessageError     MessageStatus = "error"
)

type HL7Message struct {
	ID               string        `json:"id"`
	Timestamp        time.Time     `json:"timestamp"`
	SourceAddr       string        `json:"source_addr"`
	MessageType      string        `json:"message_type"`
	MessageControlID string        `json:"message_control_id"`
	SendingApp       string        `json:"sending_app"`
	SendingFacility  string        `json:"sending_facility"`
	InstrumentID     *string       `json:"instrument_id,omitempty"`
	RawMessage       string        `json:"raw_message"`
	Status           MessageStatus `json:"status"`
	RetryCount       int           `json:"retry_count"`
	LastError        string        `json:"last_error,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	ProcessedAt      *time.Time    `json:"processed_at,omitempty"`
}

type TransferStatus string

const (
	TransferSuccess TransferStatus = "success"
	TransferFailed  TransferStatus = "failed"
)

// TransferLog is one processed-transfer outcome.
type TransferLog struct {
	ID           string         `json:"id"`
	MessageID    string         `json:"message_id,omitempty"`
	InstrumentID *string        `json:"instrument_id,omitempty"`
	Type         string         `json:"type"`
	Status       TransferStatus `json:"status"`
	DurationMs   int64          `json:"duration_ms"`
	ErrorMsg     *string        `json:"error_msg,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

type StreamInfo struct {
	Name          string `json:"name"`
	Messages      uint64 `json:"messages"`
	Bytes         uint64 `json:"bytes"`
	FirstSequence uint64 `json:"first_sequence"`
	LastSequence  uint64 `json:"last_sequence"`
}

type ConsumerInfo struct {
	Stream          string `json:"stream"`
	Name            string `json:"name"`
	Pending         uint64 `json:"pending"`
	Delivered       uint64 `json:"delivered"`
	AckPending      uint64 `json:"ack_pending"`
	RedeliveryCount uint64 `json:"redelivery_count"`
}
