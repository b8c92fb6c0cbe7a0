package ethicallock

import (
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
)

var now = time.Date(2026, 5, 14, 15, 0, 0, 0, time.UTC)

func TestEvaluate_NoHistory(t *testing.T) {
	v := Checker{}.Evaluate(Candidate{JobID: uuid.New(), BillingEventID: "INV-1"}, History{}, now)
	if v.Vetoed {
		t.Fatalf("expected no veto, got %+v", v)
	}
}

func TestEvaluate_DuplicateInvoice(t *testing.T) {
	first := uuid.New()
	cand := Candidate{JobID: uuid.New(), JobType: "invoice", BillingEventID: "INV-1"}
	h := History{Priors: []Prior{{JobID: first, BillingEventID: "INV-1", Status: "sent", SubmittedAt: now.Add(-time.Hour)}}}

	v := Checker{}.Evaluate(cand, h, now)
	if !v.Vetoed || v.LockType != TypeDuplicateInvoice {
		t.Fatalf("expected duplicate_invoice veto, got %+v", v)
	}
	if v.ConflictingJobID != first {
		t.Errorf("expected conflicting job %s, got %s", first, v.ConflictingJobID)
	}

	l := v.Lock(cand)
	if l.JobID != cand.JobID || l.ConflictingJobID == nil || *l.ConflictingJobID != first {
		t.Errorf("lock does not reference both jobs: %+v", l)
	}
	if l.BillingEventID == nil || *l.BillingEventID != "INV-1" {
		t.Errorf("expected billing event on lock, got %v", l.BillingEventID)
	}
}

func TestEvaluate_DuplicateIgnoresOldSubmissions(t *testing.T) {
	// Duplicate invoices are not bounded by the window.
	cand := Candidate{JobID: uuid.New(), BillingEventID: "INV-1"}
	h := History{Priors: []Prior{{JobID: uuid.New(), BillingEventID: "INV-1", Status: "accepted", SubmittedAt: now.AddDate(0, -6, 0)}}}
	if v := (Checker{}).Evaluate(cand, h, now); v.LockType != TypeDuplicateInvoice {
		t.Errorf("expected duplicate veto for an old accepted job, got %+v", v)
	}
}

func TestEvaluate_SelfIsIgnored(t *testing.T) {
	id := uuid.New()
	cand := Candidate{JobID: id, BillingEventID: "INV-1", ProcedureCode: "P1", PatientID: "PAT", JobType: "procedure"}
	h := History{Priors: []Prior{{JobID: id, BillingEventID: "INV-1", ProcedureCode: "P1", PatientID: "PAT", Status: "processing", SubmittedAt: now}}}
	if v := (Checker{}).Evaluate(cand, h, now); v.Vetoed {
		t.Errorf("a job must not conflict with itself, got %+v", v)
	}
}

func TestEvaluate_CheckOrder(t *testing.T) {
	dup, diag := uuid.New(), uuid.New()
	cand := Candidate{JobID: uuid.New(), JobType: "procedure", BillingEventID: "INV-1", ProcedureCode: "P1", PatientID: "PAT"}
	h := History{Priors: []Prior{
		{JobID: diag, ProcedureCode: "P1", PatientID: "PAT", Status: "accepted", SubmittedAt: now.Add(-time.Hour)},
		{JobID: dup, BillingEventID: "INV-1", Status: "sent", SubmittedAt: now.Add(-2 * time.Hour)},
	}}

	v := Checker{}.Evaluate(cand, h, now)
	if v.LockType != TypeDuplicateInvoice || v.ConflictingJobID != dup {
		t.Fatalf("expected duplicate invoice first, got %+v", v)
	}

	h.Priors = h.Priors[:1]
	v = Checker{}.Evaluate(cand, h, now)
	if v.LockType != TypeDiagnosticCollision || v.ConflictingJobID != diag {
		t.Fatalf("expected diagnostic collision once the duplicate is gone, got %+v", v)
	}

	h.Waivers = append(h.Waivers, Waiver{LockType: TypeDiagnosticCollision, ConflictingJobID: diag})
	v = Checker{}.Evaluate(cand, h, now)
	if v.LockType != TypeProcedureCollision || v.ConflictingJobID != diag {
		t.Fatalf("expected procedure collision next, got %+v", v)
	}

	h.Waivers = append(h.Waivers, Waiver{LockType: TypeProcedureCollision, ConflictingJobID: diag})
	if v = (Checker{}).Evaluate(cand, h, now); v.Vetoed {
		t.Fatalf("expected no veto once everything is waived, got %+v", v)
	}
}

func TestEvaluate_DuplicateInvoiceIsNeverWaived(t *testing.T) {
	first := uuid.New()
	cand := Candidate{JobID: uuid.New(), BillingEventID: "INV-1"}
	h := History{
		Priors:  []Prior{{JobID: first, BillingEventID: "INV-1", Status: "accepted", SubmittedAt: now.Add(-time.Hour)}},
		Waivers: []Waiver{{LockType: TypeDuplicateInvoice, ConflictingJobID: first}},
	}
	v := Checker{}.Evaluate(cand, h, now)
	if !v.Vetoed || v.LockType != TypeDuplicateInvoice || v.ConflictingJobID != first {
		t.Errorf("expected duplicate veto despite the resolved lock, got %+v", v)
	}
}

func TestEvaluate_WaiverIsPerConflict(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	cand := Candidate{JobID: uuid.New(), JobType: "consultation", ProcedureCode: "P1", PatientID: "PAT"}
	h := History{
		Priors: []Prior{
			{JobID: a, ProcedureCode: "P1", PatientID: "PAT", Status: "sent", SubmittedAt: now.Add(-2 * time.Hour)},
			{JobID: b, ProcedureCode: "P1", PatientID: "PAT", Status: "accepted", SubmittedAt: now.Add(-time.Hour)},
		},
		Waivers: []Waiver{{LockType: TypeDiagnosticCollision, ConflictingJobID: a}},
	}
	v := Checker{}.Evaluate(cand, h, now)
	if !v.Vetoed || v.ConflictingJobID != b {
		t.Errorf("expected veto against the unwaived job %s, got %+v", b, v)
	}
}

func TestEvaluate_DiagnosticWindow(t *testing.T) {
	cand := Candidate{JobID: uuid.New(), JobType: "consultation", ProcedureCode: "P1", PatientID: "PAT"}
	prior := func(at time.Time, patient string) History {
		return History{Priors: []Prior{{JobID: uuid.New(), ProcedureCode: "P1", PatientID: patient, Status: "accepted", SubmittedAt: at}}}
	}

	tests := []struct {
		name    string
		checker Checker
		history History
		vetoed  bool
	}{
		{"same day", Checker{}, prior(now.Add(-10*time.Hour), "PAT"), true},
		{"previous day", Checker{}, prior(now.Add(-16*time.Hour), "PAT"), false},
		{"other patient", Checker{}, prior(now.Add(-time.Hour), "OTHER"), false},
		{"inside explicit window", Checker{Window: 72 * time.Hour}, prior(now.Add(-48*time.Hour), "PAT"), true},
		{"outside explicit window", Checker{Window: 24 * time.Hour}, prior(now.Add(-25*time.Hour), "PAT"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := tt.checker.Evaluate(cand, tt.history, now)
			if v.Vetoed != tt.vetoed {
				t.Errorf("expected vetoed=%v, got %+v", tt.vetoed, v)
			}
			if v.Vetoed && v.LockType != TypeDiagnosticCollision {
				t.Errorf("expected diagnostic collision, got %s", v.LockType)
			}
		})
	}
}

func TestEvaluate_ProcedureCollisionOnlyForProcedures(t *testing.T) {
	h := History{Priors: []Prior{{JobID: uuid.New(), ProcedureCode: "P1", PatientID: "A", Status: "sent", SubmittedAt: now.Add(-time.Hour)}}}

	proc := Candidate{JobID: uuid.New(), JobType: "procedure", ProcedureCode: "P1", PatientID: "B"}
	if v := (Checker{}).Evaluate(proc, h, now); v.LockType != TypeProcedureCollision {
		t.Errorf("expected procedure collision, got %+v", v)
	}

	consult := Candidate{JobID: uuid.New(), JobType: "consultation", ProcedureCode: "P1", PatientID: "B"}
	if v := (Checker{}).Evaluate(consult, h, now); v.Vetoed {
		t.Errorf("expected no veto for a consultation, got %+v", v)
	}
}

func TestEvaluate_Idempotent(t *testing.T) {
	cand := Candidate{JobID: uuid.New(), JobType: "procedure", BillingEventID: "INV-9", ProcedureCode: "P1", PatientID: "PAT"}
	same := now.Add(-time.Hour)
	h := History{Priors: []Prior{
		{JobID: uuid.New(), ProcedureCode: "P1", PatientID: "X", Status: "sent", SubmittedAt: same},
		{JobID: uuid.New(), ProcedureCode: "P1", PatientID: "Y", Status: "accepted", SubmittedAt: same},
	}}
	first := Checker{}.Evaluate(cand, h, now)

	// Reverse the input order; the verdict must not change.
	h.Priors[0], h.Priors[1] = h.Priors[1], h.Priors[0]
	for i := 0; i < 5; i++ {
		if got := (Checker{}).Evaluate(cand, h, now); !reflect.DeepEqual(got, first) {
			t.Fatalf("verdict changed: %+v vs %+v", got, first)
		}
	}
}

func TestHistorySince(t *testing.T) {
	if got := (Checker{}).HistorySince(now); !got.Equal(time.Date(2026, 5, 14, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("expected start of day, got %v", got)
	}
	if got := (Checker{Window: 48 * time.Hour}).HistorySince(now); !got.Equal(now.Add(-48 * time.Hour)) {
		t.Errorf("expected now-48h, got %v", got)
	}
}
