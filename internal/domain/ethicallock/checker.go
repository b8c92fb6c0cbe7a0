package ethicallock

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Candidate is the job about to be transmitted.
type Candidate struct {
	JobID          uuid.UUID
	JobType        string
	BillingEventID string
	ProcedureCode  string
	PatientID      string
}

// Prior is another job of the same tenant that is processing, sent or
// accepted. Status is only used in the veto reason.
type Prior struct {
	JobID          uuid.UUID
	BillingEventID string
	ProcedureCode  string
	PatientID      string
	Status         string
	SubmittedAt    time.Time
}

// Waiver is a resolved lock of the candidate. A resolved lock suppresses the
// identical collision veto on later checks. Duplicate invoices are never
// waived: a billing event has at most one live submission.
type Waiver struct {
	LockType         LockType
	ConflictingJobID uuid.UUID
}

// History is the persisted state a verdict is computed from.
type History struct {
	Priors  []Prior
	Waivers []Waiver
}

type Verdict struct {
	Vetoed           bool
	LockType         LockType
	ConflictingJobID uuid.UUID
	Reason           string
}

// Lock builds the record persisted for a veto.
func (v Verdict) Lock(c Candidate) *Lock {
	l := &Lock{
		JobID:    c.JobID,
		LockType: v.LockType,
		Reason:   v.Reason,
	}
	if v.ConflictingJobID != uuid.Nil {
		id := v.ConflictingJobID
		l.ConflictingJobID = &id
	}
	l.BillingEventID = optional(c.BillingEventID)
	l.ProcedureCode = optional(c.ProcedureCode)
	l.PatientID = optional(c.PatientID)
	return l
}

// Checker decides whether a job may be transmitted. It holds no state beyond
// its configuration, so identical histories always produce identical
// verdicts.
type Checker struct {
	// Window bounds the collision checks. Zero means the same calendar day
	// in Location.
	Window   time.Duration
	Location *time.Location
}

// HistorySince is the oldest submission time that can influence a verdict
// at now.
func (c Checker) HistorySince(now time.Time) time.Time {
	if c.Window > 0 {
		return now.Add(-c.Window)
	}
	y, m, d := now.In(c.loc()).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.loc())
}

// Evaluate runs the checks in order and stops at the first veto:
// duplicate invoice, diagnostic collision (same patient and procedure
// within the window), procedure collision (same procedure within the
// window, procedure jobs only).
func (c Checker) Evaluate(cand Candidate, h History, now time.Time) Verdict {
	priors := make([]Prior, 0, len(h.Priors))
	for _, p := range h.Priors {
		if p.JobID != cand.JobID {
			priors = append(priors, p)
		}
	}
	sort.Slice(priors, func(i, j int) bool {
		if !priors[i].SubmittedAt.Equal(priors[j].SubmittedAt) {
			return priors[i].SubmittedAt.Before(priors[j].SubmittedAt)
		}
		return priors[i].JobID.String() < priors[j].JobID.String()
	})

	waived := make(map[Waiver]bool, len(h.Waivers))
	for _, w := range h.Waivers {
		waived[w] = true
	}
	find := func(t LockType, match func(Prior) bool) (Prior, bool) {
		for _, p := range priors {
			if !match(p) {
				continue
			}
			if t != TypeDuplicateInvoice && waived[Waiver{LockType: t, ConflictingJobID: p.JobID}] {
				continue
			}
			return p, true
		}
		return Prior{}, false
	}

	if cand.BillingEventID != "" {
		if p, ok := find(TypeDuplicateInvoice, func(p Prior) bool {
			return p.BillingEventID == cand.BillingEventID
		}); ok {
			return Verdict{
				Vetoed:           true,
				LockType:         TypeDuplicateInvoice,
				ConflictingJobID: p.JobID,
				Reason: fmt.Sprintf("billing event %s already submitted by job %s (%s)",
					cand.BillingEventID, p.JobID, p.Status),
			}
		}
	}

	if cand.ProcedureCode == "" {
		return Verdict{}
	}

	if cand.PatientID != "" {
		if p, ok := find(TypeDiagnosticCollision, func(p Prior) bool {
			return p.PatientID == cand.PatientID && p.ProcedureCode == cand.ProcedureCode && c.within(p.SubmittedAt, now)
		}); ok {
			return Verdict{
				Vetoed:           true,
				LockType:         TypeDiagnosticCollision,
				ConflictingJobID: p.JobID,
				Reason: fmt.Sprintf("procedure %s already submitted for patient %s by job %s",
					cand.ProcedureCode, cand.PatientID, p.JobID),
			}
		}
	}

	if cand.JobType == "procedure" {
		if p, ok := find(TypeProcedureCollision, func(p Prior) bool {
			return p.ProcedureCode == cand.ProcedureCode && c.within(p.SubmittedAt, now)
		}); ok {
			return Verdict{
				Vetoed:           true,
				LockType:         TypeProcedureCollision,
				ConflictingJobID: p.JobID,
				Reason: fmt.Sprintf("procedure %s already submitted in the protection window by job %s",
					cand.ProcedureCode, p.JobID),
			}
		}
	}

	return Verdict{}
}

func (c Checker) within(at, now time.Time) bool {
	if c.Window > 0 {
		d := now.Sub(at)
		if d < 0 {
			d = -d
		}
		return d < c.Window
	}
	y1, m1, d1 := at.In(c.loc()).Date()
	y2, m2, d2 := now.In(c.loc()).Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

func (c Checker) loc() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
