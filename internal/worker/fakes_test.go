package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/claimsgate/claimsgate/internal/domain/auditlog"
	"github.com/claimsgate/claimsgate/internal/domain/claimjob"
	"github.com/claimsgate/claimsgate/internal/domain/ethicallock"
	"github.com/claimsgate/claimsgate/internal/domain/provider"
	"github.com/claimsgate/claimsgate/internal/platform/claimerr"
	"github.com/claimsgate/claimsgate/internal/platform/gateway"
)

// =========== Clock ===========

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// =========== Job store ===========

// memStore mirrors the conditional updates of the postgres repository,
// including the unique index on live billing events.
type memStore struct {
	mu      sync.Mutex
	clock   *clock
	jobs    map[uuid.UUID]*claimjob.Job
	entries []*auditlog.Entry
	noIndex bool
}

func newMemStore(c *clock) *memStore {
	return &memStore{clock: c, jobs: make(map[uuid.UUID]*claimjob.Job)}
}

func (m *memStore) add(j *claimjob.Job) *claimjob.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.TenantID == "" {
		j.TenantID = "acme"
	}
	if j.Status == "" {
		j.Status = claimjob.StatusPending
	}
	if j.JobType == "" {
		j.JobType = claimjob.TypeInvoice
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 3
	}
	if j.ScheduledAt.IsZero() {
		j.ScheduledAt = m.clock.Now()
	}
	if j.Payload == nil {
		j.Payload = map[string]interface{}{"amount": 150.0}
	}
	m.jobs[j.ID] = j
	cp := *j
	return &cp
}

func (m *memStore) job(id uuid.UUID) claimjob.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memStore) entriesFor(id uuid.UUID) []*auditlog.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*auditlog.Entry
	for _, e := range m.entries {
		if e.JobID != nil && *e.JobID == id {
			out = append(out, e)
		}
	}
	return out
}

func (m *memStore) Get(_ context.Context, id uuid.UUID) (*claimjob.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, claimjob.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func live(s claimjob.Status) bool {
	for _, l := range claimjob.LiveStatuses() {
		if s == l {
			return true
		}
	}
	return false
}

func (m *memStore) Claim(_ context.Context, id uuid.UUID) (*claimjob.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	j, ok := m.jobs[id]
	if !ok || j.Status != claimjob.StatusPending || j.Attempts >= j.MaxAttempts ||
		j.ScheduledAt.After(now) || (j.NextRetryAt != nil && j.NextRetryAt.After(now)) {
		return nil, claimjob.ErrNotClaimed
	}
	if be := claimjob.Str(j.BillingEventID); be != "" && !m.noIndex {
		for _, other := range m.jobs {
			if other.ID != j.ID && other.TenantID == j.TenantID && claimjob.Str(other.BillingEventID) == be && live(other.Status) {
				return nil, claimjob.ErrDuplicateActive
			}
		}
	}
	j.Status = claimjob.StatusProcessing
	j.Attempts++
	j.ProcessedAt = &now
	j.NextRetryAt = nil
	cp := *j
	return &cp, nil
}

func (m *memStore) Transition(_ context.Context, j *claimjob.Job, u claimjob.Update) (*claimjob.Job, error) {
	if !j.Status.CanTransition(u.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", claimjob.ErrInvalidTransition, j.Status, u.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	cur, ok := m.jobs[j.ID]
	if !ok || cur.Status != j.Status {
		return nil, claimjob.ErrStatusChanged
	}
	if u.ProcessedBefore != nil && (cur.ProcessedAt == nil || !cur.ProcessedAt.Before(*u.ProcessedBefore)) {
		return nil, claimjob.ErrStatusChanged
	}

	cur.Status = u.Status
	if u.ResetAttempts {
		cur.Attempts = 0
	}
	cur.NextRetryAt = u.NextRetryAt
	cur.CompletedAt = nil
	if u.Status.Terminal() {
		cur.CompletedAt = &now
	}
	switch {
	case u.ClearError:
		cur.LastError, cur.LastErrorAt = nil, nil
	case u.LastError != nil:
		msg := *u.LastError
		cur.LastError, cur.LastErrorAt = &msg, &now
	}
	if u.ResponseData != nil {
		cur.ResponseData = u.ResponseData
	}
	if u.ClearLock {
		cur.LockType, cur.LockReason = nil, nil
	} else {
		if u.LockType != nil {
			cur.LockType = u.LockType
		}
		if u.LockReason != nil {
			cur.LockReason = u.LockReason
		}
	}
	cur.ManualReviewRequired = u.Status == claimjob.StatusManualReview
	cp := *cur
	return &cp, nil
}

func (m *memStore) StoreResponse(_ context.Context, id uuid.UUID, response map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return claimjob.ErrNotFound
	}
	j.ResponseData = response
	return nil
}

func (m *memStore) Priors(_ context.Context, cand ethicallock.Candidate, since time.Time) ([]ethicallock.Prior, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ethicallock.Prior
	for _, j := range m.jobs {
		if j.ID == cand.JobID || !live(j.Status) {
			continue
		}
		at := j.ScheduledAt
		if j.ProcessedAt != nil {
			at = *j.ProcessedAt
		}
		be, code := claimjob.Str(j.BillingEventID), claimjob.Str(j.ProcedureCode)
		sameEvent := cand.BillingEventID != "" && be == cand.BillingEventID
		sameCode := cand.ProcedureCode != "" && code == cand.ProcedureCode && !at.Before(since)
		if sameEvent || sameCode {
			out = append(out, ethicallock.Prior{
				JobID: j.ID, BillingEventID: be, ProcedureCode: code,
				PatientID: claimjob.Str(j.PatientID), Status: string(j.Status), SubmittedAt: at,
			})
		}
	}
	return out, nil
}

func (m *memStore) RecordEntry(_ context.Context, j *claimjob.Job, e *auditlog.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobID, providerID := j.ID, j.ProviderID
	e.TenantID = j.TenantID
	e.JobID = &jobID
	e.ProviderID = &providerID
	e.Attempt = j.Attempts
	e.JobStatus = string(j.Status)
	m.entries = append(m.entries, e)
}

func (m *memStore) ListDue(_ context.Context, limit int) ([]claimjob.Due, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	var due []*claimjob.Job
	for _, j := range m.jobs {
		if j.Status == claimjob.StatusPending && !j.ScheduledAt.After(now) &&
			(j.NextRetryAt == nil || !j.NextRetryAt.After(now)) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool {
		if due[a].Priority != due[b].Priority {
			return due[a].Priority > due[b].Priority
		}
		return due[a].ScheduledAt.Before(due[b].ScheduledAt)
	})
	out := make([]claimjob.Due, 0, len(due))
	for i, j := range due {
		if i == limit {
			break
		}
		out = append(out, claimjob.Due{ID: j.ID, TenantID: j.TenantID})
	}
	return out, nil
}

func (m *memStore) ListStale(_ context.Context, olderThan time.Duration, limit int) ([]*claimjob.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.clock.Now().Add(-olderThan)
	var out []*claimjob.Job
	for _, j := range m.jobs {
		if j.Status == claimjob.StatusProcessing && j.ProcessedAt != nil && j.ProcessedAt.Before(cutoff) && len(out) < limit {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

// =========== Providers ===========

type fakeProviders struct {
	mu         sync.Mutex
	byID       map[uuid.UUID]*provider.Provider
	successful map[uuid.UUID]int
}

func newFakeProviders(ps ...*provider.Provider) *fakeProviders {
	f := &fakeProviders{byID: map[uuid.UUID]*provider.Provider{}, successful: map[uuid.UUID]int{}}
	for _, p := range ps {
		f.byID[p.ID] = p
	}
	return f
}

func activeProvider() *provider.Provider {
	return &provider.Provider{
		ID:                uuid.New(),
		TenantID:          "acme",
		Name:              "Unimed",
		Code:              "UNIMED",
		EndpointURL:       "https://gateway.invalid/claims",
		Username:          "clinic",
		PasswordEncrypted: "sealed",
		TimeoutSeconds:    30,
		MaxAttempts:       3,
		RetryDelaySeconds: 60,
		Status:            provider.StatusActive,
	}
}

func (f *fakeProviders) Get(_ context.Context, id uuid.UUID) (*provider.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.byID[id]
	if !ok {
		return nil, provider.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeProviders) Target(p *provider.Provider) (gateway.Target, error) {
	if p.PasswordEncrypted == "corrupt" {
		return gateway.Target{}, claimerr.Credential("credential unavailable", errors.New("cipher: message authentication failed"))
	}
	return gateway.Target{
		ProviderID:  p.ID,
		TenantID:    p.TenantID,
		Code:        p.Code,
		EndpointURL: p.EndpointURL,
		Credentials: gateway.Credentials{Username: p.Username, Password: "secret"},
		Timeout:     p.Timeout(),
	}, nil
}

func (f *fakeProviders) MarkSuccessful(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successful[id]++
	return nil
}

func (f *fakeProviders) successes(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.successful[id]
}

// =========== Locks ===========

type fakeLocks struct {
	mu     sync.Mutex
	raised []*ethicallock.Lock
}

func (f *fakeLocks) Raise(_ context.Context, cand ethicallock.Candidate, v ethicallock.Verdict) (*ethicallock.Lock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := v.Lock(cand)
	l.ID = uuid.New()
	f.raised = append(f.raised, l)
	return l, nil
}

func (f *fakeLocks) Waivers(_ context.Context, jobID uuid.UUID) ([]ethicallock.Waiver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ethicallock.Waiver
	for _, l := range f.raised {
		if l.JobID == jobID && l.Resolved {
			w := ethicallock.Waiver{LockType: l.LockType}
			if l.ConflictingJobID != nil {
				w.ConflictingJobID = *l.ConflictingJobID
			}
			out = append(out, w)
		}
	}
	return out, nil
}

func (f *fakeLocks) resolveAll(jobID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.raised {
		if l.JobID == jobID {
			l.Resolved = true
		}
	}
}

func (f *fakeLocks) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.raised)
}

// =========== Transactions and transport ===========

// serialTx runs every transaction under one mutex, the in-memory stand-in
// for row and advisory locks.
type serialTx struct{ mu sync.Mutex }

func (s *serialTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx)
}

type fakeTransmitter struct {
	mu    sync.Mutex
	calls int
	fn    func(n int, claim gateway.Claim) (*gateway.Result, error)
}

func (f *fakeTransmitter) Send(_ context.Context, _ gateway.Target, claim gateway.Claim) (*gateway.Result, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.fn(n, claim)
}

func (f *fakeTransmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func accepted() (*gateway.Result, error) {
	return &gateway.Result{
		Outcome:    gateway.OutcomeAccepted,
		StatusCode: 200,
		Latency:    40 * time.Millisecond,
		Message:    "claim accepted",
		Request:    map[string]interface{}{"url": "https://gateway.invalid/claims"},
		Response:   map[string]interface{}{"status": "accepted", "protocol": "P-1"},
	}, nil
}

func timedOut() (*gateway.Result, error) {
	return &gateway.Result{Latency: 30 * time.Second}, claimerr.Transport("request timed out", context.DeadlineExceeded)
}

func newCredentialErr() error {
	return claimerr.Credential("provider refused credentials: HTTP 401", nil)
}
