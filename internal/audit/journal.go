// Package audit records every inbound HL7 message and the outcome of
// processing it.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/minasoft/lis-hl7/internal/db"
	"github.com/minasoft/lis-hl7/internal/hl7"
)

// InstrumentRegistry resolves the analyzer that sent a message.
type InstrumentRegistry interface {
	// FindInstrumentByApplicationName returns db.ErrNotFound when unknown.
	FindInstrumentByApplicationName(ctx context.Context, name string) (*db.Instrument, error)
}

// Sink persists journal records.
type Sink interface {
	RecordReceived(ctx context.Context, msg *db.HL7Message) error
	RecordOutcome(ctx context.Context, msg *db.HL7Message, entry *db.TransferLog) error
}

// Journal implements hl7.Journal on top of any number of sinks.
type Journal struct {
	registry InstrumentRegistry
	sinks    []Sink
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]*db.HL7Message
}

var _ hl7.Journal = (*Journal)(nil)

func NewJournal(registry InstrumentRegistry, sinks ...Sink) *Journal {
	return &Journal{
		registry: registry,
		sinks:    sinks,
		now:      time.Now,
		inflight: make(map[string]*db.HL7Message),
	}
}

// Received records msg with status received and returns its journal id. The
// id is valid even when a sink fails.
func (j *Journal) Received(ctx context.Context, msg *hl7.Message, sourceAddr string) (string, error) {
	record := j.newRecord(ctx, msg, sourceAddr)

	j.mu.Lock()
	j.inflight[record.ID] = record
	j.mu.Unlock()

	var errs []error
	for _, sink := range j.sinks {
		if err := sink.RecordReceived(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}
	return record.ID, errors.Join(errs...)
}

// Track registers an existing record, e.g. a message replayed from the dead
// letter queue, so Completed can finish it.
func (j *Journal) Track(record *db.HL7Message) {
	j.mu.Lock()
	j.inflight[record.ID] = record
	j.mu.Unlock()
}

// Completed records the outcome of processing the message journaled under id.
func (j *Journal) Completed(ctx context.Context, id string, msg *hl7.Message, elapsed time.Duration, procErr error) error {
	j.mu.Lock()
	record, ok := j.inflight[id]
	delete(j.inflight, id)
	j.mu.Unlock()
	if !ok {
		record = j.newRecord(ctx, msg, "")
	}

	now := j.now()
	record.ProcessedAt = &now
	entry := &db.TransferLog{
		ID:           uuid.NewString(),
		MessageID:    record.ID,
		InstrumentID: record.InstrumentID,
		Type:         msg.Type,
		Status:       db.TransferSuccess,
		DurationMs:   elapsed.Milliseconds(),
		CreatedAt:    now,
	}
	if procErr != nil {
		text := procErr.Error()
		record.Status = db.MessageError
		record.LastError = text
		entry.Status = db.TransferFailed
		entry.ErrorMsg = &text
	} else {
		record.Status = db.MessageProcessed
		record.LastError = ""
	}

	var errs []error
	for _, sink := range j.sinks {
		if err := sink.RecordOutcome(ctx, record, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InFlight is the number of messages received but not completed.
func (j *Journal) InFlight() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.inflight)
}

func (j *Journal) newRecord(ctx context.Context, msg *hl7.Message, sourceAddr string) *db.HL7Message {
	now := j.now()
	return &db.HL7Message{
		ID:               uuid.NewString(),
		Timestamp:        now,
		SourceAddr:       sourceAddr,
		MessageType:      msg.Type,
		MessageControlID: msg.ControlID,
		SendingApp:       msg.SendingApplication,
		SendingFacility:  msg.SendingFacility,
		InstrumentID:     j.resolveInstrument(ctx, msg.SendingApplication),
		RawMessage:       msg.Raw,
		Status:           db.MessageReceived,
		CreatedAt:        now,
	}
}

// resolveInstrument returns nil when the sender is unknown or the lookup
// fails; attribution is best effort.
func (j *Journal) resolveInstrument(ctx context.Context, app string) *string {
	if j.registry == nil || app == "" {
		return nil
	}
	in, err := j.registry.FindInstrumentByApplicationName(ctx, app)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			slog.Warn("Cihaz kaydı sorgulanamadı", "sendingApp", app, "error", err)
		}
		return nil
	}
	id := in.ID
	return &id
}
