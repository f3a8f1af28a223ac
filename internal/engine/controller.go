// Package engine owns certificate records end to end: request
// validation, issuance and renewal through ACME, revocation, retries
// and event emission. One controller mutates a record at a time.
package engine

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edvin/certfleet/internal/acme"
	"github.com/edvin/certfleet/internal/calimit"
	"github.com/edvin/certfleet/internal/config"
	"github.com/edvin/certfleet/internal/core"
	"github.com/edvin/certfleet/internal/events"
	"github.com/edvin/certfleet/internal/metrics"
	"github.com/edvin/certfleet/internal/model"
	"github.com/edvin/certfleet/internal/pki"
	"github.com/edvin/certfleet/internal/store"
)

const maxAttempts = 6

var retryDelays = []time.Duration{30 * time.Second, 2 * time.Minute, 10 * time.Minute, time.Hour}

// CertStore is the record persistence the controller needs.
// *core.CertificateService satisfies it.
type CertStore interface {
	Create(ctx context.Context, cert *model.Certificate) error
	GetByID(ctx context.Context, id string) (*model.Certificate, error)
	GetActiveByPrimaryDomain(ctx context.Context, domain string) (*model.Certificate, error)
	List(ctx context.Context, userID string, limit int, cursor string) ([]model.Certificate, bool, error)
	UpdateStatus(ctx context.Context, id, status string) error
	SetOrderURL(ctx context.Context, id, orderURL string) error
	SetIssued(ctx context.Context, cert *model.Certificate) error
	SetFailure(ctx context.Context, id, status, message string, attempts int) error
	SetRevoked(ctx context.Context, id string, revokedAt time.Time) error
	SetMonitoring(ctx context.Context, id string, enabled bool, frequency int) error
	ListResumable(ctx context.Context) ([]model.Certificate, error)
	Delete(ctx context.Context, id string) error
}

// AccountStore persists ACME account registrations.
// *core.AccountService satisfies it.
type AccountStore interface {
	Create(ctx context.Context, acct *model.ACMEAccount) error
	GetByCAEmail(ctx context.Context, ca, email string) (*model.ACMEAccount, error)
}

// acmeClient is the slice of the ACME client the controller drives.
type acmeClient interface {
	Register(ctx context.Context, email string, eab *acme.EAB) (string, error)
	SetKID(kid string)
	NewOrder(ctx context.Context, domains []string) (*acme.Order, error)
	GetOrder(ctx context.Context, url string) (*acme.Order, error)
	GetAuthorization(ctx context.Context, url string) (*acme.Authorization, error)
	AcceptChallenge(ctx context.Context, ch *acme.Challenge) error
	WaitAuthorization(ctx context.Context, url string) (*acme.Authorization, error)
	Finalize(ctx context.Context, order *acme.Order, csrDER []byte) (*acme.Order, error)
	DownloadCertificate(ctx context.Context, certURL string) (leafPEM, chainPEM []byte, err error)
	RevokeCert(ctx context.Context, certDER []byte, reason int) error
}

type HTTP01Solver interface {
	Publish(ctx context.Context, domain, token, keyAuth string) error
	Withdraw(token string)
}

// DNS01Solver publishes TXT records for dns-01 validation. A failed
// Publish must leave no record behind; the controller withdraws only
// records that were published successfully.
type DNS01Solver interface {
	FindZone(ctx context.Context, domain string) (string, error)
	Publish(ctx context.Context, zone, domain, value string) error
	Withdraw(ctx context.Context, zone, domain, value string)
}

// Controller runs the certificate lifecycle state machine.
type Controller struct {
	cfg       *config.Config
	certs     CertStore
	accounts  AccountStore
	artifacts *store.Store
	registry  *calimit.Registry
	limiter   *calimit.Limiter
	queue     *events.Queue
	http01    HTTP01Solver
	dns01     DNS01Solver
	logger    zerolog.Logger
	validate  *validator.Validate

	// newClient builds an ACME client for a directory and account key.
	newClient func(directoryURL string, key crypto.Signer) acmeClient
	sleep     func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	inflight map[string]bool
}

func NewController(cfg *config.Config, certs CertStore, accounts AccountStore, artifacts *store.Store,
	registry *calimit.Registry, limiter *calimit.Limiter, queue *events.Queue,
	http01 HTTP01Solver, dns01 DNS01Solver, logger zerolog.Logger) *Controller {
	return &Controller{
		cfg:       cfg,
		certs:     certs,
		accounts:  accounts,
		artifacts: artifacts,
		registry:  registry,
		limiter:   limiter,
		queue:     queue,
		http01:    http01,
		dns01:     dns01,
		logger:    logger.With().Str("component", "controller").Logger(),
		validate:  newValidator(),
		newClient: func(directoryURL string, key crypto.Signer) acmeClient {
			return acme.NewClient(directoryURL, key, logger)
		},
		sleep:     sleepCtx,
		inflight:  map[string]bool{},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// tryLock takes the per-record single-flight slot.
func (c *Controller) tryLock(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[id] {
		return false
	}
	c.inflight[id] = true
	return true
}

func (c *Controller) unlock(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, id)
}

// RequestCertificate validates, records and returns a new pending
// certificate. Issuance itself runs through Issue, typically on the
// worker pool.
func (c *Controller) RequestCertificate(ctx context.Context, req *Request) (*model.Certificate, error) {
	if err := validateRequest(c.validate, req); err != nil {
		return nil, err
	}

	ca := req.CA
	if ca == "" {
		ca = c.cfg.DefaultCA
	}
	caDef, err := c.registry.Get(ca)
	if err != nil {
		return nil, &ValidationError{Field: "ca", Reason: err.Error()}
	}
	if caDef.RequiresEAB && (c.cfg.ZeroSSLEABKid == "" || c.cfg.ZeroSSLEABHMACKey == "") {
		return nil, &ValidationError{Field: "ca", Reason: ca + " needs external account binding credentials"}
	}

	method := req.ChallengeMethod
	if method == "" {
		method = model.ChallengeHTTP01
		for _, d := range req.Domains {
			if len(d) > 2 && d[0] == '*' {
				method = model.ChallengeDNS01
			}
		}
	}
	if method == model.ChallengeDNS01 && c.dns01 == nil {
		return nil, &ValidationError{Field: "challenge_method", Reason: "no DNS provider configured"}
	}

	existing, err := c.certs.GetActiveByPrimaryDomain(ctx, req.Domains[0])
	if err == nil {
		return nil, &ConflictError{Domain: req.Domains[0], ExistingID: existing.ID}
	}
	if !errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("check for duplicate domain: %w", err)
	}

	now := time.Now().UTC()
	cert := &model.Certificate{
		ID:              uuid.NewString(),
		Domains:         req.Domains,
		CA:              ca,
		ChallengeMethod: method,
		Status:          model.StatusPending,
		UserID:          req.UserID,
		ServerID:        req.ServerID,
		AutoRenew:       true,
		RenewalDays:     c.cfg.RenewalDays,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.AutoRenew != nil {
		cert.AutoRenew = *req.AutoRenew
	}
	if req.RenewalDays > 0 {
		cert.RenewalDays = req.RenewalDays
	}
	if req.Monitoring {
		cert.MonitoringEnabled = true
		cert.MonitoringFreq = c.cfg.DefaultMonitorFreq
		if req.MonitoringFreq > 0 {
			cert.MonitoringFreq = req.MonitoringFreq
		}
	}

	if err := c.certs.Create(ctx, cert); err != nil {
		return nil, err
	}
	c.logger.Info().Str("cert_id", cert.ID).Strs("domains", cert.Domains).Str("ca", ca).Msg("certificate requested")
	return cert, nil
}

// Issue runs first-time issuance for a pending record.
func (c *Controller) Issue(ctx context.Context, id string) error {
	return c.run(ctx, id, false)
}

// Renew re-issues an expiring record. The currently served artifacts
// stay in place until the replacement triple is swapped in. Only valid
// or failed records already inside their renewal window qualify.
func (c *Controller) Renew(ctx context.Context, id string) error {
	cert, err := c.certs.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if cert.Status != model.StatusValid && cert.Status != model.StatusFailed {
		return &ValidationError{Field: "status", Reason: "only valid or failed certificates can be renewed"}
	}
	if cert.NotAfter != nil {
		days := int(time.Until(*cert.NotAfter).Hours() / 24)
		if days > cert.RenewalDays {
			return &ValidationError{Field: "not_after",
				Reason: fmt.Sprintf("%d days to expiry, renewal window opens at %d days", days, cert.RenewalDays)}
		}
	}
	return c.run(ctx, id, true)
}

// Retry re-arms a record parked in failed.
func (c *Controller) Retry(ctx context.Context, id string) error {
	cert, err := c.certs.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if cert.Status != model.StatusFailed {
		return &ValidationError{Field: "status", Reason: "only failed certificates can be retried"}
	}
	if err := c.certs.SetFailure(ctx, id, model.StatusPending, "", 0); err != nil {
		return err
	}
	return c.run(ctx, id, cert.NotAfter != nil)
}

func (c *Controller) run(ctx context.Context, id string, renewal bool) error {
	if !c.tryLock(id) {
		return &BusyError{CertificateID: id}
	}
	defer c.unlock(id)

	cert, err := c.certs.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if model.Terminal(cert.Status) {
		return &ValidationError{Field: "status", Reason: "certificate is " + cert.Status}
	}

	prevStatus := cert.Status
	runStatus := model.StatusProcessing
	operation := "issue"
	if renewal {
		runStatus = model.StatusRenewing
		operation = "renew"
	}
	if err := c.certs.UpdateStatus(ctx, id, runStatus); err != nil {
		return err
	}

	log := c.logger.With().Str("cert_id", id).Str("operation", operation).Logger()
	attempts := cert.RenewalAttempts

	for {
		err := c.attempt(ctx, cert, renewal)
		if err == nil {
			kind := model.EventIssued
			if renewal {
				kind = model.EventRenewed
				metrics.CertificatesRenewed.WithLabelValues(cert.CA).Inc()
			} else {
				metrics.CertificatesIssued.WithLabelValues(cert.CA).Inc()
			}
			c.queue.Emit(model.Event{Kind: kind, CertificateID: id, Details: cert.PrimaryDomain()})
			log.Info().Int("attempts", attempts).Msg("certificate issued")
			return nil
		}

		classified := classify(err)

		var rle *RateLimitedError
		if errors.As(classified, &rle) {
			// budget exhausted: back off without burning attempts,
			// the record returns to its previous status
			metrics.RateLimitRefusals.WithLabelValues(cert.CA).Inc()
			c.certs.UpdateStatus(ctx, id, prevStatus)
			return classified
		}

		var serr *store.StoreError
		if errors.As(classified, &serr) {
			// the disk refused the artifacts: nothing was acknowledged,
			// leave the record where it was
			metrics.LifecycleFailures.WithLabelValues(operation).Inc()
			c.certs.UpdateStatus(ctx, id, prevStatus)
			log.Error().Err(classified).Msg("artifact store failure")
			return classified
		}

		if errors.Is(classified, context.Canceled) || errors.Is(classified, context.DeadlineExceeded) {
			// shutdown or deadline: the attempt is abandoned, the record
			// returns to its previous status and Resume picks it up later
			c.restoreStatus(id, prevStatus)
			return classified
		}

		attempts++
		if !retryable(classified) || attempts >= maxAttempts {
			c.certs.SetFailure(ctx, id, model.StatusFailed, classified.Error(), attempts)
			metrics.LifecycleFailures.WithLabelValues(operation).Inc()
			c.queue.Emit(model.Event{Kind: model.EventRenewalFailed, CertificateID: id, Details: classified.Error()})
			log.Error().Err(classified).Int("attempts", attempts).Msg("lifecycle operation failed")
			return classified
		}

		c.certs.SetFailure(ctx, id, runStatus, classified.Error(), attempts)
		delay := retryDelays[min(attempts-1, len(retryDelays)-1)]
		log.Warn().Err(classified).Int("attempt", attempts).Dur("retry_in", delay).Msg("attempt failed, retrying")
		if err := c.sleep(ctx, delay); err != nil {
			c.restoreStatus(id, prevStatus)
			return err
		}
	}
}

// restoreStatus puts a record back into its pre-run status after an
// aborted run. The run's context is already dead at this point, so the
// write gets its own short deadline.
func (c *Controller) restoreStatus(id, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.certs.UpdateStatus(ctx, id, status); err != nil {
		c.logger.Warn().Err(err).Str("cert_id", id).Str("status", status).Msg("failed to restore record status")
	}
}

// attempt performs one full issuance pass: account, order, challenges,
// finalize, download, store.
func (c *Controller) attempt(ctx context.Context, cert *model.Certificate, renewal bool) error {
	caDef, err := c.registry.Get(cert.CA)
	if err != nil {
		return err
	}

	if err := c.limiter.Reserve(caDef.Name, c.cfg.ACMEEmail, cert.Domains, renewal); err != nil {
		return err
	}
	defer c.limiter.Release(caDef.Name, c.cfg.ACMEEmail)

	client, acctKey, err := c.clientFor(ctx, caDef)
	if err != nil {
		return err
	}

	// an order finalized just before a crash can still be collected,
	// given the staged key survived
	if cert.OrderURL != "" {
		if order, err := client.GetOrder(ctx, cert.OrderURL); err == nil &&
			order.Status == acme.StatusValid && order.Certificate != "" {
			if keyPEM, err := c.artifacts.LoadStagedKey(cert.ID); err == nil {
				c.logger.Info().Str("cert_id", cert.ID).Str("order_url", cert.OrderURL).Msg("collecting finalized order")
				return c.install(ctx, client, cert, order.Certificate, keyPEM, renewal)
			}
		}
	}

	order, err := c.openOrder(ctx, client, cert)
	if err != nil {
		return err
	}

	if order.Status == acme.StatusPending {
		for _, authzURL := range order.Authorizations {
			if err := c.solveAuthorization(ctx, client, acctKey, cert, authzURL); err != nil {
				return err
			}
		}
	}

	certKey, err := pki.GenerateKey("")
	if err != nil {
		return err
	}
	csrDER, _, err := pki.BuildCSR(cert.Domains, certKey)
	if err != nil {
		return err
	}
	keyPEM, err := pki.EncodeKeyPEM(certKey)
	if err != nil {
		return err
	}
	// staged before finalize so a crash between finalize and install
	// does not strand the order
	if err := c.artifacts.StageKey(cert.ID, keyPEM); err != nil {
		return err
	}
	finalized, err := client.Finalize(ctx, order, csrDER)
	if err != nil {
		return err
	}
	return c.install(ctx, client, cert, finalized.Certificate, keyPEM, renewal)
}

// install downloads the issued chain, writes the artifact triple and
// marks the record valid.
func (c *Controller) install(ctx context.Context, client acmeClient, cert *model.Certificate, certURL string, keyPEM []byte, renewal bool) error {
	leaf, rest, err := client.DownloadCertificate(ctx, certURL)
	if err != nil {
		return err
	}

	fullChain := append(leaf, rest...)
	infos, err := pki.ParseChain(fullChain)
	if err != nil || len(infos) == 0 {
		return fmt.Errorf("parse issued chain: %w", err)
	}
	leafInfo := infos[0]

	if !pki.MatchKeyCert(fullChain, keyPEM) {
		return &BugError{Detail: "issued certificate does not match its private key"}
	}

	now := time.Now().UTC()
	meta := store.Meta{
		CertificateID: cert.ID,
		Domains:       cert.Domains,
		CA:            cert.CA,
		SerialNumber:  leafInfo.SerialNumber,
		Fingerprint:   leafInfo.Fingerprint,
		NotBefore:     leafInfo.NotBefore,
		NotAfter:      leafInfo.NotAfter,
		IssuedAt:      now,
	}
	domain := cert.PrimaryDomain()
	if renewal {
		err = c.artifacts.Swap(domain, fullChain, keyPEM, meta)
	} else {
		err = c.artifacts.Put(domain, fullChain, keyPEM, meta)
	}
	if err != nil {
		return err
	}

	cert.IssuedAt = &now
	cert.NotBefore = &leafInfo.NotBefore
	cert.NotAfter = &leafInfo.NotAfter
	cert.SerialNumber = leafInfo.SerialNumber
	cert.Issuer = leafInfo.Issuer
	cert.Fingerprint = leafInfo.Fingerprint
	cert.ChainPath = c.artifacts.ChainPath(domain)
	cert.KeyPath = c.artifacts.KeyPath(domain)
	cert.Status = model.StatusValid
	cert.RenewalAttempts = 0
	if err := c.certs.SetIssued(ctx, cert); err != nil {
		return err
	}
	c.artifacts.DiscardStagedKey(cert.ID)
	return nil
}

// openOrder reuses a persisted in-flight order when it is still
// usable, otherwise places a fresh one.
func (c *Controller) openOrder(ctx context.Context, client acmeClient, cert *model.Certificate) (*acme.Order, error) {
	if cert.OrderURL != "" {
		order, err := client.GetOrder(ctx, cert.OrderURL)
		if err == nil && (order.Status == acme.StatusPending || order.Status == acme.StatusReady) {
			c.logger.Debug().Str("cert_id", cert.ID).Str("order_url", cert.OrderURL).Msg("resuming order")
			return order, nil
		}
	}
	order, err := client.NewOrder(ctx, cert.Domains)
	if err != nil {
		return nil, err
	}
	// any key staged for an abandoned order is dead weight now
	c.artifacts.DiscardStagedKey(cert.ID)
	if err := c.certs.SetOrderURL(ctx, cert.ID, order.URL); err != nil {
		return nil, err
	}
	cert.OrderURL = order.URL
	return order, nil
}

func (c *Controller) solveAuthorization(ctx context.Context, client acmeClient, acctKey crypto.Signer, cert *model.Certificate, authzURL string) error {
	authz, err := client.GetAuthorization(ctx, authzURL)
	if err != nil {
		return err
	}
	if authz.Status == acme.StatusValid {
		return nil
	}

	ch := authz.ChallengeOfType(cert.ChallengeMethod)
	if ch == nil {
		return &ACMEError{ProblemType: "urn:ietf:params:acme:error:unsupportedContact",
			Detail: fmt.Sprintf("CA offered no %s challenge for %s", cert.ChallengeMethod, authz.Identifier.Value)}
	}
	keyAuth, err := acme.KeyAuthorization(ch.Token, acctKey)
	if err != nil {
		return err
	}

	domain := authz.Identifier.Value
	if authz.Wildcard {
		domain = "*." + domain
	}

	switch cert.ChallengeMethod {
	case model.ChallengeHTTP01:
		if err := c.http01.Publish(ctx, domain, ch.Token, keyAuth); err != nil {
			return err
		}
		defer c.http01.Withdraw(ch.Token)
	case model.ChallengeDNS01:
		zone, err := c.dns01.FindZone(ctx, domain)
		if err != nil {
			return err
		}
		value := acme.DNS01TXTValue(keyAuth)
		if err := c.dns01.Publish(ctx, zone, domain, value); err != nil {
			return err
		}
		defer c.dns01.Withdraw(ctx, zone, domain, value)
	default:
		return &ValidationError{Field: "challenge_method", Reason: "unknown method " + cert.ChallengeMethod}
	}

	if err := client.AcceptChallenge(ctx, ch); err != nil {
		return err
	}
	_, err = client.WaitAuthorization(ctx, authzURL)
	return err
}

// clientFor returns an ACME client signed by the account for the CA,
// registering a fresh account on first use.
func (c *Controller) clientFor(ctx context.Context, caDef calimit.CA) (acmeClient, crypto.Signer, error) {
	email := c.cfg.ACMEEmail

	acct, err := c.accounts.GetByCAEmail(ctx, caDef.Name, email)
	if err == nil {
		keyPEM, err := c.artifacts.LoadAccountKey(caDef.Name, email)
		if err != nil {
			return nil, nil, err
		}
		key, err := pki.ParseKeyPEM(keyPEM)
		if err != nil {
			return nil, nil, fmt.Errorf("parse account key: %w", err)
		}
		client := c.newClient(caDef.DirectoryURL, key)
		client.SetKID(acct.URL)
		return client, key, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return nil, nil, err
	}

	key, err := pki.GenerateKey(pki.KeyECP256)
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err := pki.EncodeKeyPEM(key)
	if err != nil {
		return nil, nil, err
	}
	keyPath, err := c.artifacts.SaveAccountKey(caDef.Name, email, keyPEM)
	if err != nil {
		return nil, nil, err
	}

	client := c.newClient(caDef.DirectoryURL, key)
	var eab *acme.EAB
	if caDef.RequiresEAB {
		eab = &acme.EAB{KID: c.cfg.ZeroSSLEABKid, HMACKey: c.cfg.ZeroSSLEABHMACKey}
	}
	url, err := client.Register(ctx, email, eab)
	if err != nil {
		return nil, nil, err
	}

	if err := c.accounts.Create(ctx, &model.ACMEAccount{
		ID:        uuid.NewString(),
		CA:        caDef.Name,
		Email:     email,
		URL:       url,
		KeyPath:   keyPath,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return nil, nil, err
	}
	return client, key, nil
}

// Revoke revokes the certificate at the CA, destroys the private key
// and parks the record in its terminal state.
func (c *Controller) Revoke(ctx context.Context, id string, reason int) error {
	if !c.tryLock(id) {
		return &BusyError{CertificateID: id}
	}
	defer c.unlock(id)

	cert, err := c.certs.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if cert.Status != model.StatusValid {
		return &ValidationError{Field: "status", Reason: "only valid certificates can be revoked"}
	}

	caDef, err := c.registry.Get(cert.CA)
	if err != nil {
		return err
	}
	client, _, err := c.clientFor(ctx, caDef)
	if err != nil {
		return err
	}

	domain := cert.PrimaryDomain()
	chainPEM, _, _, err := c.artifacts.Get(domain)
	if err != nil {
		return err
	}
	infos, err := pki.ParseChain(chainPEM)
	if err != nil || len(infos) == 0 {
		return fmt.Errorf("parse stored chain: %w", err)
	}

	if err := client.RevokeCert(ctx, infos[0].Raw.Raw, reason); err != nil {
		return classify(err)
	}

	now := time.Now().UTC()
	// chain and metadata stay for audit, the key is destroyed
	if err := c.artifacts.RemoveKey(domain, now); err != nil {
		return err
	}
	if err := c.certs.SetRevoked(ctx, id, now); err != nil {
		return err
	}
	metrics.CertificatesRevoked.Inc()
	c.queue.Emit(model.Event{Kind: model.EventRevoked, CertificateID: id, Details: domain})
	c.logger.Info().Str("cert_id", id).Int("reason", reason).Msg("certificate revoked")
	return nil
}

// Delete destroys whatever artifacts remain on disk and retires the
// record. Live certificates must be revoked first.
func (c *Controller) Delete(ctx context.Context, id string) error {
	if !c.tryLock(id) {
		return &BusyError{CertificateID: id}
	}
	defer c.unlock(id)

	cert, err := c.certs.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if cert.Status != model.StatusRevoked && cert.Status != model.StatusFailed {
		return &ValidationError{Field: "status", Reason: "only revoked or failed certificates can be deleted"}
	}

	if err := c.artifacts.Delete(cert.PrimaryDomain()); err != nil {
		return err
	}
	c.artifacts.DiscardStagedKey(id)
	if err := c.certs.Delete(ctx, id); err != nil {
		return err
	}
	c.logger.Info().Str("cert_id", id).Msg("certificate deleted")
	return nil
}

// GetCertificate returns the record plus current chain PEM. Private
// keys never leave the store through this path.
func (c *Controller) GetCertificate(ctx context.Context, id string) (*model.Certificate, []byte, error) {
	cert, err := c.certs.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if cert.ChainPath == "" {
		return cert, nil, nil
	}
	chainPEM, _, _, err := c.artifacts.Get(cert.PrimaryDomain())
	if err != nil {
		return cert, nil, nil
	}
	return cert, chainPEM, nil
}

// ListCertificates pages through records.
func (c *Controller) ListCertificates(ctx context.Context, userID string, limit int, cursor string) ([]model.Certificate, bool, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return c.certs.List(ctx, userID, limit, cursor)
}

// SetMonitoring updates the monitoring knobs on a record.
func (c *Controller) SetMonitoring(ctx context.Context, id string, enabled bool, frequency int) error {
	if enabled {
		if frequency == 0 {
			frequency = c.cfg.DefaultMonitorFreq
		}
		if frequency < model.MonitoringFreqMin || frequency > model.MonitoringFreqMax {
			return &ValidationError{Field: "monitoring_frequency",
				Reason: fmt.Sprintf("must be between %d and %d seconds", model.MonitoringFreqMin, model.MonitoringFreqMax)}
		}
	}
	if _, err := c.certs.GetByID(ctx, id); err != nil {
		return err
	}
	return c.certs.SetMonitoring(ctx, id, enabled, frequency)
}

// Resume picks up records that were mid-issuance when the previous
// process died and re-runs them.
func (c *Controller) Resume(ctx context.Context) error {
	stuck, err := c.certs.ListResumable(ctx)
	if err != nil {
		return err
	}
	for i := range stuck {
		cert := &stuck[i]
		renewal := cert.Status == model.StatusRenewing
		c.logger.Info().Str("cert_id", cert.ID).Str("order_url", cert.OrderURL).Msg("resuming interrupted issuance")
		if err := c.run(ctx, cert.ID, renewal); err != nil {
			c.logger.Warn().Err(err).Str("cert_id", cert.ID).Msg("resume failed")
		}
	}
	return nil
}
