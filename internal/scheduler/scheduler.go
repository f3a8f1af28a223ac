// Package scheduler drives the background loops: the renewal sweep
// that feeds expiring records back into the controller, and the
// monitor that probes deployed certificates.
package scheduler

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/certfleet/internal/engine"
	"github.com/edvin/certfleet/internal/events"
	"github.com/edvin/certfleet/internal/metrics"
	"github.com/edvin/certfleet/internal/model"
)

const (
	monitorTick   = time.Minute
	eventCooldown = time.Hour
	probeTimeout  = 10 * time.Second
	criticalDays  = 7
)

// Check conditions recorded on the certificate and attached to events.
const (
	CheckOK           = "ok"
	CheckExpiringSoon = "expiring_soon"
	CheckExpired      = "expired"
	CheckMismatch     = "mismatch"
	CheckUnreachable  = "unreachable"
)

// Renewer is the slice of the controller the sweep drives: first-time
// issuance for pending records, renewal for expiring ones.
type Renewer interface {
	Issue(ctx context.Context, id string) error
	Renew(ctx context.Context, id string) error
}

// CertLister is the record access the loops need.
type CertLister interface {
	ListPending(ctx context.Context) ([]model.Certificate, error)
	ListDueForRenewal(ctx context.Context, now time.Time) ([]model.Certificate, error)
	ListMonitored(ctx context.Context, now time.Time) ([]model.Certificate, error)
	SetLastCheck(ctx context.Context, id, result string, at time.Time) error
}

// ArtifactVerifier re-checks on-disk artifacts against the recorded
// fingerprint. *store.Store satisfies it.
type ArtifactVerifier interface {
	VerifyFingerprint(domain, want string) error
}

// ProbeResult is what a live TLS endpoint served.
type ProbeResult struct {
	Fingerprint string
	NotAfter    time.Time
}

type emitState struct {
	condition string
	at        time.Time
}

// Scheduler owns the renewal sweep and the monitor loop.
type Scheduler struct {
	renewer   Renewer
	certs     CertLister
	artifacts ArtifactVerifier
	queue     *events.Queue
	logger    zerolog.Logger

	renewalTick time.Duration
	poolSize    int

	// probe is swapped out in tests.
	probe func(ctx context.Context, addr string) (*ProbeResult, error)
	now   func() time.Time

	mu       sync.Mutex
	lastEmit map[string]emitState
}

func New(renewer Renewer, certs CertLister, artifacts ArtifactVerifier, queue *events.Queue, renewalTick time.Duration, poolSize int, logger zerolog.Logger) *Scheduler {
	if poolSize < 1 {
		poolSize = 1
	}
	return &Scheduler{
		renewer:     renewer,
		certs:       certs,
		artifacts:   artifacts,
		queue:       queue,
		logger:      logger.With().Str("component", "scheduler").Logger(),
		renewalTick: renewalTick,
		poolSize:    poolSize,
		probe:       probeTLS,
		now:         time.Now,
		lastEmit:    map[string]emitState{},
	}
}

// Run blocks until ctx is cancelled, running both loops.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.renewalLoop(ctx) })
	g.Go(func() error { return s.monitorLoop(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Scheduler) renewalLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.renewalTick)
	defer ticker.Stop()

	// one sweep at startup, then on every tick
	s.SweepRenewals(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SweepRenewals(ctx)
		}
	}
}

// SweepRenewals feeds waiting records through the worker pool: pending
// records get their first issuance, records inside their renewal window
// get renewed. Busy records are someone else's problem and skipped
// silently.
func (s *Scheduler) SweepRenewals(ctx context.Context) {
	pending, err := s.certs.ListPending(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("pending sweep query failed")
		return
	}
	due, err := s.certs.ListDueForRenewal(ctx, s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("renewal sweep query failed")
		return
	}
	if len(pending) == 0 && len(due) == 0 {
		return
	}
	s.logger.Info().Int("pending", len(pending)).Int("due", len(due)).Msg("lifecycle sweep")

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.poolSize)
	for i := range pending {
		cert := pending[i]
		g.Go(func() error {
			s.runOne(ctx, cert.ID, "issuance", s.renewer.Issue)
			return nil
		})
	}
	for i := range due {
		cert := due[i]
		g.Go(func() error {
			s.runOne(ctx, cert.ID, "renewal", s.renewer.Renew)
			return nil
		})
	}
	g.Wait()
}

func (s *Scheduler) runOne(ctx context.Context, id, operation string, op func(context.Context, string) error) {
	err := op(ctx, id)
	var busy *engine.BusyError
	if errors.As(err, &busy) {
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("cert_id", id).Str("operation", operation).Msg("sweep operation failed")
	}
}

func (s *Scheduler) monitorLoop(ctx context.Context) error {
	ticker := time.NewTicker(monitorTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SweepMonitors(ctx)
		}
	}
}

// SweepMonitors probes every record whose per-record check interval
// has elapsed.
func (s *Scheduler) SweepMonitors(ctx context.Context) {
	certs, err := s.certs.ListMonitored(ctx, s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("monitor sweep query failed")
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.poolSize)
	for i := range certs {
		cert := certs[i]
		g.Go(func() error {
			s.checkOne(ctx, &cert)
			return nil
		})
	}
	g.Wait()
}

func (s *Scheduler) checkOne(ctx context.Context, cert *model.Certificate) {
	now := s.now()
	condition := s.evaluate(ctx, cert, now)

	metrics.MonitorChecks.WithLabelValues(condition).Inc()
	if err := s.certs.SetLastCheck(ctx, cert.ID, condition, now); err != nil {
		s.logger.Warn().Err(err).Str("cert_id", cert.ID).Msg("failed to record check result")
	}

	if condition == CheckOK {
		// a recovered record starts a fresh edge: the next bad
		// observation emits immediately, cooldown or not
		s.mu.Lock()
		delete(s.lastEmit, cert.ID)
		s.mu.Unlock()
		return
	}
	s.maybeEmit(cert, condition, now)
}

// evaluate grades the record: stored artifacts are checked against the
// recorded fingerprint, then the live endpoint is probed and compared.
func (s *Scheduler) evaluate(ctx context.Context, cert *model.Certificate, now time.Time) string {
	if s.artifacts != nil && cert.Fingerprint != "" {
		if err := s.artifacts.VerifyFingerprint(cert.PrimaryDomain(), cert.Fingerprint); err != nil {
			s.logger.Warn().Err(err).Str("cert_id", cert.ID).Msg("stored artifacts drifted from record")
			return CheckMismatch
		}
	}

	res, err := s.probe(ctx, net.JoinHostPort(probeHost(cert), "443"))
	if err != nil {
		return CheckUnreachable
	}
	if cert.Fingerprint != "" && res.Fingerprint != cert.Fingerprint {
		return CheckMismatch
	}
	daysLeft := int(res.NotAfter.Sub(now).Hours() / 24)
	if now.After(res.NotAfter) {
		return CheckExpired
	}
	if daysLeft <= cert.RenewalDays {
		return CheckExpiringSoon
	}
	return CheckOK
}

// probeHost strips a wildcard; a wildcard itself is not dialable.
func probeHost(cert *model.Certificate) string {
	d := cert.PrimaryDomain()
	if len(d) > 2 && d[0] == '*' {
		return d[2:]
	}
	return d
}

// maybeEmit fires an event on a condition edge, or repeats it once the
// cooldown has passed. Steady misery does not flood the queue.
func (s *Scheduler) maybeEmit(cert *model.Certificate, condition string, now time.Time) {
	s.mu.Lock()
	prev, seen := s.lastEmit[cert.ID]
	if seen && prev.condition == condition && now.Sub(prev.at) < eventCooldown {
		s.mu.Unlock()
		return
	}
	s.lastEmit[cert.ID] = emitState{condition: condition, at: now}
	s.mu.Unlock()

	kind, severity := conditionEvent(cert, condition, now)
	s.queue.Emit(model.Event{
		Kind:          kind,
		CertificateID: cert.ID,
		Details:       cert.PrimaryDomain() + ": " + condition,
		Severity:      severity,
	})
	s.logger.Warn().Str("cert_id", cert.ID).Str("condition", condition).Str("severity", severity).Msg("monitor check")
}

func conditionEvent(cert *model.Certificate, condition string, now time.Time) (kind, severity string) {
	switch condition {
	case CheckExpired:
		return model.EventExpired, "critical"
	case CheckExpiringSoon:
		severity = "warning"
		if cert.DaysToExpiry(now) <= criticalDays {
			severity = "critical"
		}
		return model.EventExpiring, severity
	case CheckMismatch:
		return model.EventMismatch, "warning"
	default:
		return model.EventUnreachable, "warning"
	}
}

// probeTLS dials the endpoint and reports the leaf it serves without
// verifying the chain, so a mismatched or expired cert is still
// observable.
func probeTLS(ctx context.Context, addr string) (*ProbeResult, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: probeTimeout},
		Config:    &tls.Config{InsecureSkipVerify: true},
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, errors.New("no certificate served")
	}
	leaf := state.PeerCertificates[0]
	sum := sha256.Sum256(leaf.Raw)
	return &ProbeResult{
		Fingerprint: hex.EncodeToString(sum[:]),
		NotAfter:    leaf.NotAfter,
	}, nil
}
