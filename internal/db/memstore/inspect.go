package memstore

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/minasoft/lis-hl7/internal/db"
)

func (s *Store) SaveAnalysis(ctx context.Context, a db.Analysis) (*db.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.st.analyses {
		if existing.Code == a.Code {
			a.ID = id
		}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	prev, existed := s.st.analyses[a.ID]
	s.st.analyses[a.ID] = a
	s.onRollback(ctx, func(st *state) {
		if existed {
			st.analyses[a.ID] = prev
		} else {
			delete(st.analyses, a.ID)
		}
	})
	return &a, nil
}

func (s *Store) SaveInstrument(ctx context.Context, in db.Instrument) (*db.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.st.instruments {
		if existing.ApplicationName == in.ApplicationName {
			in.ID = id
		}
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	prev, existed := s.st.instruments[in.ID]
	s.st.instruments[in.ID] = in
	s.onRollback(ctx, func(st *state) {
		if existed {
			st.instruments[in.ID] = prev
		} else {
			delete(st.instruments, in.ID)
		}
	})
	return &in, nil
}

// Patients returns a copy of all patients.
func (s *Store) Patients() []db.Patient {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.Patient, 0, len(s.st.patients))
	for _, p := range s.st.patients {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) Requests() []db.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.Request, 0, len(s.st.requests))
	for _, r := range s.st.requests {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderNumber < out[j].OrderNumber })
	return out
}

func (s *Store) Results() []db.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.Result, 0, len(s.st.results))
	for _, r := range s.st.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TestCode < out[j].TestCode })
	return out
}

// Linked reports whether the analysis was linked to the request.
func (s *Store) Linked(requestID, analysisID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.st.links[resultKey{requestID, analysisID}]
	return ok
}

func (s *Store) Message(id string) (db.HL7Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.st.messages[id]
	return m, ok
}

func (s *Store) TransferLogs() []db.TransferLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]db.TransferLog(nil), s.st.transferLogs...)
}
