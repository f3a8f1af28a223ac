package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/certfleet/internal/engine"
	"github.com/edvin/certfleet/internal/events"
	"github.com/edvin/certfleet/internal/model"
)

type fakeRenewer struct {
	mu      sync.Mutex
	issued  []string
	renewed []string
	errs    map[string]error
}

func (f *fakeRenewer) Issue(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued = append(f.issued, id)
	return f.errs[id]
}

func (f *fakeRenewer) Renew(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewed = append(f.renewed, id)
	return f.errs[id]
}

type fakeLister struct {
	mu        sync.Mutex
	pending   []model.Certificate
	due       []model.Certificate
	monitored []model.Certificate
	checks    map[string]string
}

func (f *fakeLister) ListPending(ctx context.Context) ([]model.Certificate, error) {
	return f.pending, nil
}

func (f *fakeLister) ListDueForRenewal(ctx context.Context, now time.Time) ([]model.Certificate, error) {
	return f.due, nil
}

func (f *fakeLister) ListMonitored(ctx context.Context, now time.Time) ([]model.Certificate, error) {
	return f.monitored, nil
}

func (f *fakeLister) SetLastCheck(ctx context.Context, id, result string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checks == nil {
		f.checks = map[string]string{}
	}
	f.checks[id] = result
	return nil
}

func monitoredCert(id, domain, fingerprint string, daysLeft int) model.Certificate {
	notAfter := time.Now().Add(time.Duration(daysLeft) * 24 * time.Hour)
	return model.Certificate{
		ID:                id,
		Domains:           []string{domain},
		Status:            model.StatusValid,
		Fingerprint:       fingerprint,
		NotAfter:          &notAfter,
		RenewalDays:       30,
		MonitoringEnabled: true,
		MonitoringFreq:    300,
	}
}

type fakeVerifier struct {
	drifted map[string]bool
}

func (f *fakeVerifier) VerifyFingerprint(domain, want string) error {
	if f.drifted[domain] {
		return errors.New("fingerprint mismatch")
	}
	return nil
}

func newTestScheduler(renewer *fakeRenewer, lister *fakeLister) (*Scheduler, *events.Queue) {
	q := events.NewQueue(64, zerolog.Nop())
	s := New(renewer, lister, nil, q, time.Hour, 4, zerolog.Nop())
	return s, q
}

// ---------- renewal sweep ----------

func TestSweepRenewals_RenewsAllDue(t *testing.T) {
	renewer := &fakeRenewer{}
	lister := &fakeLister{due: []model.Certificate{
		monitoredCert("cert-1", "a.example.com", "", 10),
		monitoredCert("cert-2", "b.example.com", "", 5),
	}}
	s, _ := newTestScheduler(renewer, lister)

	s.SweepRenewals(context.Background())
	assert.ElementsMatch(t, []string{"cert-1", "cert-2"}, renewer.renewed)
}

func TestSweepRenewals_IssuesPendingRecords(t *testing.T) {
	renewer := &fakeRenewer{}
	waiting := monitoredCert("cert-new", "new.example.com", "", 0)
	waiting.Status = model.StatusPending
	waiting.NotAfter = nil
	lister := &fakeLister{
		pending: []model.Certificate{waiting},
		due:     []model.Certificate{monitoredCert("cert-due", "old.example.com", "", 5)},
	}
	s, _ := newTestScheduler(renewer, lister)

	s.SweepRenewals(context.Background())
	assert.Equal(t, []string{"cert-new"}, renewer.issued)
	assert.Equal(t, []string{"cert-due"}, renewer.renewed)
}

func TestSweepRenewals_BusyIsSkippedQuietly(t *testing.T) {
	renewer := &fakeRenewer{errs: map[string]error{
		"cert-1": &engine.BusyError{CertificateID: "cert-1"},
		"cert-2": errors.New("CA exploded"),
	}}
	lister := &fakeLister{due: []model.Certificate{
		monitoredCert("cert-1", "a.example.com", "", 10),
		monitoredCert("cert-2", "b.example.com", "", 10),
		monitoredCert("cert-3", "c.example.com", "", 10),
	}}
	s, _ := newTestScheduler(renewer, lister)

	s.SweepRenewals(context.Background())
	// all three attempted despite individual failures
	assert.Len(t, renewer.renewed, 3)
}

// ---------- monitor sweep ----------

func TestSweepMonitors_OKEmitsNothing(t *testing.T) {
	lister := &fakeLister{monitored: []model.Certificate{
		monitoredCert("cert-1", "a.example.com", "fp-1", 60),
	}}
	s, q := newTestScheduler(&fakeRenewer{}, lister)
	s.probe = func(ctx context.Context, addr string) (*ProbeResult, error) {
		return &ProbeResult{Fingerprint: "fp-1", NotAfter: time.Now().Add(60 * 24 * time.Hour)}, nil
	}

	s.SweepMonitors(context.Background())
	assert.Equal(t, CheckOK, lister.checks["cert-1"])
	assert.Empty(t, q.Drain())
}

func TestSweepMonitors_MismatchEmits(t *testing.T) {
	lister := &fakeLister{monitored: []model.Certificate{
		monitoredCert("cert-1", "a.example.com", "fp-recorded", 60),
	}}
	s, q := newTestScheduler(&fakeRenewer{}, lister)
	s.probe = func(ctx context.Context, addr string) (*ProbeResult, error) {
		return &ProbeResult{Fingerprint: "fp-other", NotAfter: time.Now().Add(60 * 24 * time.Hour)}, nil
	}

	s.SweepMonitors(context.Background())
	assert.Equal(t, CheckMismatch, lister.checks["cert-1"])

	evs := q.Drain()
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventMismatch, evs[0].Kind)
}

func TestSweepMonitors_StoredArtifactDriftIsMismatch(t *testing.T) {
	lister := &fakeLister{monitored: []model.Certificate{
		monitoredCert("cert-1", "a.example.com", "fp-recorded", 60),
	}}
	s, q := newTestScheduler(&fakeRenewer{}, lister)
	s.artifacts = &fakeVerifier{drifted: map[string]bool{"a.example.com": true}}
	s.probe = func(ctx context.Context, addr string) (*ProbeResult, error) {
		t.Error("drift must be caught before probing")
		return nil, errors.New("not reached")
	}

	s.SweepMonitors(context.Background())
	assert.Equal(t, CheckMismatch, lister.checks["cert-1"])

	evs := q.Drain()
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventMismatch, evs[0].Kind)
}

func TestSweepMonitors_UnreachableEmits(t *testing.T) {
	lister := &fakeLister{monitored: []model.Certificate{
		monitoredCert("cert-1", "a.example.com", "fp-1", 60),
	}}
	s, q := newTestScheduler(&fakeRenewer{}, lister)
	s.probe = func(ctx context.Context, addr string) (*ProbeResult, error) {
		return nil, errors.New("connection refused")
	}

	s.SweepMonitors(context.Background())
	evs := q.Drain()
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventUnreachable, evs[0].Kind)
}

func TestSweepMonitors_ExpirySeverityGrading(t *testing.T) {
	warning := monitoredCert("cert-warning", "w.example.com", "fp", 20)
	critical := monitoredCert("cert-critical", "c.example.com", "fp", 3)
	expired := monitoredCert("cert-expired", "x.example.com", "fp", -1)
	lister := &fakeLister{monitored: []model.Certificate{warning, critical, expired}}

	s, q := newTestScheduler(&fakeRenewer{}, lister)
	s.probe = func(ctx context.Context, addr string) (*ProbeResult, error) {
		switch addr {
		case "w.example.com:443":
			return &ProbeResult{Fingerprint: "fp", NotAfter: time.Now().Add(20 * 24 * time.Hour)}, nil
		case "c.example.com:443":
			return &ProbeResult{Fingerprint: "fp", NotAfter: time.Now().Add(3 * 24 * time.Hour)}, nil
		default:
			return &ProbeResult{Fingerprint: "fp", NotAfter: time.Now().Add(-24 * time.Hour)}, nil
		}
	}

	s.SweepMonitors(context.Background())

	bySeverity := map[string]string{}
	for _, ev := range q.Drain() {
		bySeverity[ev.CertificateID] = ev.Kind + "/" + ev.Severity
	}
	assert.Equal(t, model.EventExpiring+"/warning", bySeverity["cert-warning"])
	assert.Equal(t, model.EventExpiring+"/critical", bySeverity["cert-critical"])
	assert.Equal(t, model.EventExpired+"/critical", bySeverity["cert-expired"])
}

func TestMonitor_EdgeTriggeredWithCooldown(t *testing.T) {
	lister := &fakeLister{monitored: []model.Certificate{
		monitoredCert("cert-1", "a.example.com", "fp-recorded", 60),
	}}
	s, q := newTestScheduler(&fakeRenewer{}, lister)

	now := time.Now()
	s.now = func() time.Time { return now }
	s.probe = func(ctx context.Context, addr string) (*ProbeResult, error) {
		return nil, errors.New("refused")
	}

	s.SweepMonitors(context.Background())
	require.Len(t, q.Drain(), 1, "first failure emits")

	// same condition inside the cooldown stays quiet
	now = now.Add(10 * time.Minute)
	s.SweepMonitors(context.Background())
	assert.Empty(t, q.Drain())

	// condition change emits immediately
	s.probe = func(ctx context.Context, addr string) (*ProbeResult, error) {
		return &ProbeResult{Fingerprint: "fp-other", NotAfter: time.Now().Add(60 * 24 * time.Hour)}, nil
	}
	s.SweepMonitors(context.Background())
	evs := q.Drain()
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventMismatch, evs[0].Kind)

	// same condition again after the cooldown re-emits
	now = now.Add(2 * time.Hour)
	s.SweepMonitors(context.Background())
	require.Len(t, q.Drain(), 1)
}

func TestMonitor_RecoveryResetsEmitEdge(t *testing.T) {
	lister := &fakeLister{monitored: []model.Certificate{
		monitoredCert("cert-1", "a.example.com", "fp-1", 60),
	}}
	s, q := newTestScheduler(&fakeRenewer{}, lister)

	now := time.Now()
	s.now = func() time.Time { return now }
	s.probe = func(ctx context.Context, addr string) (*ProbeResult, error) {
		return nil, errors.New("refused")
	}

	s.SweepMonitors(context.Background())
	require.Len(t, q.Drain(), 1, "first failure emits")

	// endpoint recovers
	s.probe = func(ctx context.Context, addr string) (*ProbeResult, error) {
		return &ProbeResult{Fingerprint: "fp-1", NotAfter: time.Now().Add(60 * 24 * time.Hour)}, nil
	}
	now = now.Add(5 * time.Minute)
	s.SweepMonitors(context.Background())
	assert.Empty(t, q.Drain())

	// a fresh failure right after recovery is a new edge, the old
	// cooldown does not swallow it
	s.probe = func(ctx context.Context, addr string) (*ProbeResult, error) {
		return nil, errors.New("refused")
	}
	now = now.Add(5 * time.Minute)
	s.SweepMonitors(context.Background())
	evs := q.Drain()
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventUnreachable, evs[0].Kind)
}

func TestWildcardProbeHost(t *testing.T) {
	cert := monitoredCert("cert-1", "*.example.com", "fp", 60)
	assert.Equal(t, "example.com", probeHost(&cert))
}
