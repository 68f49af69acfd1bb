package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/minasoft/lis-hl7/internal/db"
	"github.com/minasoft/lis-hl7/internal/hl7"
)

// UnknownBirthDate is stored when PID-7 is not an 8 digit YYYYMMDD date.
var UnknownBirthDate = time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)

const (
	resultSource     = "HL7"
	unknownGivenName = "Unknown"
)

// ResultHandler ingests ORU^R01 messages.
type ResultHandler struct {
	store  Store
	policy db.UpsertPolicy
}

func NewResultHandler(store Store, policy db.UpsertPolicy) *ResultHandler {
	if !policy.Valid() {
		policy = db.UpsertOverwrite
	}
	return &ResultHandler{store: store, policy: policy}
}

type patientRef struct {
	id    string // identifier carried by the message
	draft db.PatientDraft
	dbID  string
}

type orderRef struct {
	number      string
	patient     *patientRef
	collectedAt *time.Time
	dbID        string
}

type observation struct {
	setID       string
	valueType   string
	code        string
	value       string
	unit        string
	refRange    string
	flag        string
	status      string
	performedAt *time.Time
	patient     *patientRef
	order       *orderRef
}

// plan is the linkage of a message worked out before anything is written.
type plan struct {
	patients     []*patientRef
	orders       []*orderRef
	observations []observation
}

func (h *ResultHandler) Handle(ctx context.Context, msg *hl7.Message) (hl7.Outcome, error) {
	p, err := buildPlan(msg)
	if err != nil {
		return hl7.Outcome{}, err
	}

	outcome := hl7.Outcome{Handler: "results"}
	persist := func(ctx context.Context) error {
		outcome = hl7.Outcome{Handler: "results"}
		return h.persist(ctx, msg, p, &outcome)
	}

	if tx, ok := h.store.(Transactor); ok {
		err = tx.WithinTx(ctx, persist)
	} else {
		err = persist(ctx)
	}
	if err != nil {
		var herr *hl7.Error
		if !errors.As(err, &herr) {
			err = hl7.StoreWrite("Failed to store results", err)
		}
		return hl7.Outcome{}, err
	}
	return outcome, nil
}

// buildPlan walks segments in order. PID opens a patient scope and clears the
// current order, OBR opens an order for the current patient, and each OBX
// binds to whatever patient and order are in scope.
func buildPlan(msg *hl7.Message) (*plan, error) {
	var (
		p       plan
		patient *patientRef
		order   *orderRef
	)

	for i, seg := range msg.Segments {
		switch seg.Name {
		case "PID":
			ref, err := patientFromPID(seg)
			if err != nil {
				return nil, err
			}
			patient = ref
			order = nil
			p.patients = append(p.patients, ref)

		case "OBR":
			number := seg.Component(2, 1)
			if number == "" {
				number = seg.Component(3, 1)
			}
			if number == "" {
				return nil, hl7.MissingLinkage("OBR at segment %d has no placer or filler order number", i+1)
			}
			if patient == nil {
				return nil, hl7.MissingLinkage("OBR %s has no preceding PID", number)
			}
			order = &orderRef{number: number, patient: patient}
			if t, ok := hl7.ParseTimestamp(seg.Value(7)); ok {
				order.collectedAt = &t
			}
			p.orders = append(p.orders, order)

		case "OBX":
			if patient == nil || order == nil {
				return nil, hl7.MissingLinkage("OBX %s at segment %d has no patient/order context", seg.Value(1), i+1)
			}
			code := strings.TrimSpace(seg.Component(3, 1))
			if code == "" {
				return nil, hl7.MissingLinkage("Observation ID is required")
			}
			obs := observation{
				setID:     seg.Value(1),
				valueType: seg.Value(2),
				code:      code,
				value:     seg.Value(5),
				unit:      seg.Component(6, 1),
				refRange:  seg.Value(7),
				flag:      seg.Value(8),
				status:    seg.Value(11),
				patient:   patient,
				order:     order,
			}
			if t, ok := hl7.ParseTimestamp(seg.Value(14)); ok {
				obs.performedAt = &t
			} else {
				obs.performedAt = order.collectedAt
			}
			p.observations = append(p.observations, obs)
		}
	}
	return &p, nil
}

func patientFromPID(seg hl7.Segment) (*patientRef, error) {
	// PID-2 was the external id in older versions; fall back to PID-3.
	id := strings.TrimSpace(seg.Component(2, 1))
	if id == "" {
		id = strings.TrimSpace(seg.Component(3, 1))
	}
	if id == "" {
		return nil, hl7.MissingLinkage("Patient ID is required")
	}

	given := seg.Component(5, 2)
	if given == "" {
		given = unknownGivenName
	}
	return &patientRef{
		id: id,
		draft: db.PatientDraft{
			ExternalID: id,
			FamilyName: seg.Component(5, 1),
			GivenName:  given,
			BirthDate:  parseBirthDate(seg.Value(7)),
			Sex:        mapSex(seg.Value(8)),
		},
	}, nil
}

func parseBirthDate(s string) time.Time {
	if len(s) != 8 {
		return UnknownBirthDate
	}
	t, err := time.Parse("20060102", s)
	if err != nil {
		return UnknownBirthDate
	}
	return t
}

func mapSex(code string) db.Sex {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "M":
		return db.SexMale
	case "F":
		return db.SexFemale
	default:
		return db.SexUnknown
	}
}

func mapStatus(code string) db.ResultStatus {
	if code == "F" {
		return db.ResultValidated
	}
	return db.ResultPending
}

func (h *ResultHandler) persist(ctx context.Context, msg *hl7.Message, p *plan, outcome *hl7.Outcome) error {
	for _, ref := range p.patients {
		created, err := h.resolvePatient(ctx, ref)
		if err != nil {
			return err
		}
		if created {
			outcome.PatientsCreated++
		}
	}

	for _, ord := range p.orders {
		req, err := h.store.EnsureRequest(ctx, db.RequestDraft{
			OrderNumber: ord.number,
			PatientID:   ord.patient.dbID,
			CollectedAt: ord.collectedAt,
		})
		if err != nil {
			return hl7.StoreWrite("Failed to ensure request "+ord.number, err)
		}
		if req.PatientID != ord.patient.dbID {
			slog.Warn("Order numarası başka bir hastaya ait, mevcut istek kullanıldı",
				"orderNumber", ord.number,
				"requestPatientId", req.PatientID,
				"messagePatientId", ord.patient.dbID,
				"controlId", msg.ControlID)
		}
		ord.dbID = req.ID
	}

	for _, obs := range p.observations {
		analysis, err := h.findAnalysis(ctx, obs.code)
		if err != nil {
			return err
		}
		if analysis == nil {
			slog.Warn("Analiz bulunamadı, gözlem atlandı",
				"code", obs.code,
				"setId", obs.setID,
				"orderNumber", obs.order.number,
				"controlId", msg.ControlID,
				"error", hl7.AnalysisNotFound(obs.code))
			outcome.Skipped++
			continue
		}

		if err := h.store.LinkAnalysis(ctx, obs.order.dbID, analysis.ID); err != nil {
			return hl7.StoreWrite("Failed to link analysis "+analysis.Code, err)
		}

		fields := db.ResultFields{
			TestCode:       obs.code,
			Value:          obs.value,
			Unit:           obs.unit,
			ReferenceRange: obs.refRange,
			AbnormalFlag:   obs.flag,
			Status:         mapStatus(obs.status),
			PerformedAt:    obs.performedAt,
			Source:         resultSource,
		}
		if obs.valueType == "NM" {
			if d, err := decimal.NewFromString(strings.TrimSpace(obs.value)); err == nil {
				fields.NumericValue = &d
			} else {
				slog.Debug("Sayısal sonuç ayrıştırılamadı", "code", obs.code, "value", obs.value)
			}
		}

		if _, err := h.store.UpsertResult(ctx, obs.order.dbID, analysis.ID, fields, h.policy); err != nil {
			return hl7.StoreWrite("Failed to store result "+obs.code, err)
		}
		outcome.Persisted++
	}
	return nil
}

func (h *ResultHandler) resolvePatient(ctx context.Context, ref *patientRef) (created bool, err error) {
	existing, err := h.store.FindPatientByExternalOrInternalID(ctx, ref.id)
	switch {
	case err == nil:
		ref.dbID = existing.ID
		return false, nil
	case !errors.Is(err, db.ErrNotFound):
		return false, hl7.StoreWrite("Failed to look up patient "+ref.id, err)
	}

	patient, err := h.store.CreatePatient(ctx, ref.draft)
	if err != nil {
		return false, hl7.StoreWrite("Failed to create patient "+ref.id, err)
	}
	slog.Info("Yeni hasta oluşturuldu", "patientId", patient.ID, "externalId", ref.id)
	ref.dbID = patient.ID
	return true, nil
}

// findAnalysis returns nil, nil for an unknown code.
func (h *ResultHandler) findAnalysis(ctx context.Context, code string) (*db.Analysis, error) {
	analysis, err := h.store.FindAnalysisByExternalCode(ctx, code)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, hl7.StoreWrite("Failed to look up analysis "+code, err)
	}
	return analysis, nil
}
