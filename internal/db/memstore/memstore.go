// Package memstore keeps every store in process memory. It backs tests and
// STORE_DRIVER=memory.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/minasoft/lis-hl7/internal/db"
)

type resultKey struct {
	requestID  string
	analysisID string
}

type state struct {
	patients     map[string]db.Patient
	analyses     map[string]db.Analysis
	instruments  map[string]db.Instrument
	requests     map[string]db.Request // by order number
	links        map[resultKey]struct{}
	results      map[resultKey]db.Result
	messages     map[string]db.HL7Message
	transferLogs []db.TransferLog
}

func newState() state {
	return state{
		patients:    make(map[string]db.Patient),
		analyses:    make(map[string]db.Analysis),
		instruments: make(map[string]db.Instrument),
		requests:    make(map[string]db.Request),
		links:       make(map[resultKey]struct{}),
		results:     make(map[resultKey]db.Result),
		messages:    make(map[string]db.HL7Message),
	}
}

// Store is safe for concurrent use. WithinTx serialises transactions and
// undoes the transaction's own writes when fn fails.
type Store struct {
	mu   sync.Mutex
	txMu sync.Mutex
	st   state

	// FailOn makes the named operation return the error. Test hook.
	FailOn map[string]error
}

func New() *Store {
	return &Store{st: newState(), FailOn: make(map[string]error)}
}

func (s *Store) fail(op string) error {
	return s.FailOn[op]
}

type txKey struct{}

// tx is the undo log of one transaction. Entries are appended under s.mu.
type tx struct {
	undo []func(*state)
}

// onRollback registers fn to revert a write made with ctx. Writes outside a
// transaction are not logged. Callers hold s.mu.
func (s *Store) onRollback(ctx context.Context, fn func(*state)) {
	if t, ok := ctx.Value(txKey{}).(*tx); ok {
		t.undo = append(t.undo, fn)
	}
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*tx); ok {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	t := &tx{}
	err := fn(context.WithValue(ctx, txKey{}, t))
	if err == nil {
		// an expired deadline aborts the commit
		err = ctx.Err()
	}
	if err != nil {
		s.mu.Lock()
		for i := len(t.undo) - 1; i >= 0; i-- {
			t.undo[i](&s.st)
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) Ping(context.Context) error {
	return s.fail("Ping")
}

func (s *Store) FindPatientByExternalOrInternalID(_ context.Context, id string) (*db.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("FindPatient"); err != nil {
		return nil, err
	}

	var match *db.Patient
	for _, p := range s.st.patients {
		p := p
		if p.ExternalID == id {
			return &p, nil
		}
		if p.InternalID == id && match == nil {
			match = &p
		}
	}
	if match == nil {
		return nil, db.ErrNotFound
	}
	return match, nil
}

func (s *Store) CreatePatient(ctx context.Context, draft db.PatientDraft) (*db.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreatePatient"); err != nil {
		return nil, err
	}

	if draft.ExternalID != "" {
		for _, p := range s.st.patients {
			if p.ExternalID == draft.ExternalID {
				return &p, nil
			}
		}
	}
	p := db.Patient{
		ID:         uuid.NewString(),
		ExternalID: draft.ExternalID,
		InternalID: draft.InternalID,
		FamilyName: draft.FamilyName,
		GivenName:  draft.GivenName,
		BirthDate:  draft.BirthDate,
		Sex:        draft.Sex,
		CreatedAt:  time.Now().UTC(),
	}
	s.st.patients[p.ID] = p
	s.onRollback(ctx, func(st *state) { delete(st.patients, p.ID) })
	return &p, nil
}

func (s *Store) FindAnalysisByExternalCode(_ context.Context, code string) (*db.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("FindAnalysis"); err != nil {
		return nil, err
	}

	var byCode *db.Analysis
	for _, a := range s.st.analyses {
		a := a
		if a.ExternalCode == code {
			return &a, nil
		}
		if a.Code == code {
			byCode = &a
		}
	}
	if byCode == nil {
		return nil, db.ErrNotFound
	}
	return byCode, nil
}

func (s *Store) FindInstrumentByApplicationName(_ context.Context, name string) (*db.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("FindInstrument"); err != nil {
		return nil, err
	}
	for _, in := range s.st.instruments {
		if in.ApplicationName == name {
			return &in, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *Store) EnsureRequest(ctx context.Context, draft db.RequestDraft) (*db.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("EnsureRequest"); err != nil {
		return nil, err
	}

	if r, ok := s.st.requests[draft.OrderNumber]; ok {
		return &r, nil
	}
	r := db.Request{
		ID:          uuid.NewString(),
		OrderNumber: draft.OrderNumber,
		PatientID:   draft.PatientID,
		Status:      db.RequestInProgress,
		Priority:    db.DefaultRequestPriority,
		SampleType:  db.DefaultRequestSampleType,
		Notes:       db.RequestNote(draft.OrderNumber),
		CollectedAt: draft.CollectedAt,
		CreatedAt:   time.Now().UTC(),
	}
	s.st.requests[r.OrderNumber] = r
	s.onRollback(ctx, func(st *state) { delete(st.requests, r.OrderNumber) })
	return &r, nil
}

func (s *Store) LinkAnalysis(ctx context.Context, requestID, analysisID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("LinkAnalysis"); err != nil {
		return err
	}
	key := resultKey{requestID, analysisID}
	if _, ok := s.st.links[key]; ok {
		return nil
	}
	s.st.links[key] = struct{}{}
	s.onRollback(ctx, func(st *state) { delete(st.links, key) })
	return nil
}

func (s *Store) UpsertResult(ctx context.Context, requestID, analysisID string, f db.ResultFields, policy db.UpsertPolicy) (*db.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("UpsertResult"); err != nil {
		return nil, err
	}

	key := resultKey{requestID, analysisID}
	now := time.Now().UTC()
	existing, ok := s.st.results[key]
	if ok && policy == db.UpsertKeepExisting {
		return &existing, nil
	}

	r := db.Result{
		ID:             uuid.NewString(),
		RequestID:      requestID,
		AnalysisID:     analysisID,
		TestCode:       f.TestCode,
		Value:          f.Value,
		NumericValue:   f.NumericValue,
		Unit:           f.Unit,
		ReferenceRange: f.ReferenceRange,
		AbnormalFlag:   f.AbnormalFlag,
		Status:         f.Status,
		PerformedAt:    f.PerformedAt,
		Source:         f.Source,
		Validated:      false,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if ok {
		r.ID = existing.ID
		r.CreatedAt = existing.CreatedAt
	}
	s.st.results[key] = r
	s.onRollback(ctx, func(st *state) {
		if ok {
			st.results[key] = existing
		} else {
			delete(st.results, key)
		}
	})
	return &r, nil
}

func (s *Store) RecordReceived(ctx context.Context, msg *db.HL7Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("RecordReceived"); err != nil {
		return err
	}
	s.putMessage(ctx, *msg)
	return nil
}

func (s *Store) RecordOutcome(ctx context.Context, msg *db.HL7Message, entry *db.TransferLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("RecordOutcome"); err != nil {
		return err
	}
	s.putMessage(ctx, *msg)
	e := *entry
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	s.st.transferLogs = append(s.st.transferLogs, e)
	s.onRollback(ctx, func(st *state) {
		for i, l := range st.transferLogs {
			if l.ID == e.ID {
				st.transferLogs = append(st.transferLogs[:i], st.transferLogs[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (s *Store) putMessage(ctx context.Context, msg db.HL7Message) {
	prev, existed := s.st.messages[msg.ID]
	s.st.messages[msg.ID] = msg
	s.onRollback(ctx, func(st *state) {
		if existed {
			st.messages[msg.ID] = prev
		} else {
			delete(st.messages, msg.ID)
		}
	})
}

func (s *Store) RecentMessages(_ context.Context, status, messageType string, limit int) ([]db.HL7Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []db.HL7Message
	for _, m := range s.st.messages {
		if status != "" && string(m.Status) != status {
			continue
		}
		if messageType != "" && m.MessageType != messageType {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
