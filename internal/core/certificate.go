package core

import (
	"context"
	"fmt"
	"time"

	"github.com/edvin/certfleet/internal/model"
)

type CertificateService struct {
	db DB
}

func NewCertificateService(db DB) *CertificateService {
	return &CertificateService{db: db}
}

const certColumns = `id, domains, ca, challenge_method, status, issued_at, not_before, not_after,
	serial_number, issuer, fingerprint, chain_path, key_path, user_id, server_id, order_url,
	auto_renew, renewal_days, monitoring_enabled, monitoring_frequency, last_check_at, last_check_result,
	renewal_attempts, last_error, revoked_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanCertificate(row scanner) (*model.Certificate, error) {
	var c model.Certificate
	err := row.Scan(&c.ID, &c.Domains, &c.CA, &c.ChallengeMethod, &c.Status,
		&c.IssuedAt, &c.NotBefore, &c.NotAfter,
		&c.SerialNumber, &c.Issuer, &c.Fingerprint, &c.ChainPath, &c.KeyPath,
		&c.UserID, &c.ServerID, &c.OrderURL,
		&c.AutoRenew, &c.RenewalDays, &c.MonitoringEnabled, &c.MonitoringFreq,
		&c.LastCheckAt, &c.LastCheckResult,
		&c.RenewalAttempts, &c.LastError, &c.RevokedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *CertificateService) Create(ctx context.Context, cert *model.Certificate) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO certificates (id, domains, ca, challenge_method, status, user_id, server_id,
			auto_renew, renewal_days, monitoring_enabled, monitoring_frequency, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		cert.ID, cert.Domains, cert.CA, cert.ChallengeMethod, cert.Status, cert.UserID, cert.ServerID,
		cert.AutoRenew, cert.RenewalDays, cert.MonitoringEnabled, cert.MonitoringFreq,
		cert.CreatedAt, cert.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}
	return nil
}

func (s *CertificateService) GetByID(ctx context.Context, id string) (*model.Certificate, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+certColumns+` FROM certificates WHERE id = $1`, id)
	cert, err := scanCertificate(row)
	if err != nil {
		return nil, fmt.Errorf("get certificate %s: %w", id, mapNoRows(err))
	}
	return cert, nil
}

// GetActiveByPrimaryDomain finds a non-terminal record whose first
// domain matches. Used to refuse duplicate requests.
func (s *CertificateService) GetActiveByPrimaryDomain(ctx context.Context, domain string) (*model.Certificate, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+certColumns+` FROM certificates WHERE domains[1] = $1 AND status = ANY($2) LIMIT 1`,
		domain, model.NonTerminal)
	cert, err := scanCertificate(row)
	if err != nil {
		return nil, fmt.Errorf("get certificate for domain %s: %w", domain, mapNoRows(err))
	}
	return cert, nil
}

// List pages through records ordered by id, cursor-style. It returns
// up to limit records and whether more remain.
func (s *CertificateService) List(ctx context.Context, userID string, limit int, cursor string) ([]model.Certificate, bool, error) {
	query := `SELECT ` + certColumns + ` FROM certificates WHERE status != 'deleted'`
	args := []any{}
	argIdx := 1

	if userID != "" {
		query += fmt.Sprintf(` AND user_id = $%d`, argIdx)
		args = append(args, userID)
		argIdx++
	}
	if cursor != "" {
		query += fmt.Sprintf(` AND id > $%d`, argIdx)
		args = append(args, cursor)
		argIdx++
	}

	query += ` ORDER BY id`
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit+1)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("list certificates: %w", err)
	}
	defer rows.Close()

	var certs []model.Certificate
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, false, fmt.Errorf("scan certificate: %w", err)
		}
		certs = append(certs, *cert)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate certificates: %w", err)
	}

	hasMore := len(certs) > limit
	if hasMore {
		certs = certs[:limit]
	}
	return certs, hasMore, nil
}

func (s *CertificateService) UpdateStatus(ctx context.Context, id, status string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE certificates SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("set certificate %s status to %s: %w", id, status, err)
	}
	return nil
}

// SetOrderURL persists the in-flight ACME order so issuance can resume
// after a crash.
func (s *CertificateService) SetOrderURL(ctx context.Context, id, orderURL string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE certificates SET order_url = $1, updated_at = now() WHERE id = $2`, orderURL, id)
	if err != nil {
		return fmt.Errorf("set certificate %s order url: %w", id, err)
	}
	return nil
}

// SetIssued records a successful issuance or renewal: parsed chain
// metadata, artifact paths, cleared order URL and retry state.
func (s *CertificateService) SetIssued(ctx context.Context, cert *model.Certificate) error {
	_, err := s.db.Exec(ctx,
		`UPDATE certificates SET status = $1, issued_at = $2, not_before = $3, not_after = $4,
			serial_number = $5, issuer = $6, fingerprint = $7, chain_path = $8, key_path = $9,
			order_url = '', renewal_attempts = 0, last_error = NULL, updated_at = now()
		 WHERE id = $10`,
		model.StatusValid, cert.IssuedAt, cert.NotBefore, cert.NotAfter,
		cert.SerialNumber, cert.Issuer, cert.Fingerprint, cert.ChainPath, cert.KeyPath, cert.ID,
	)
	if err != nil {
		return fmt.Errorf("set certificate %s issued: %w", cert.ID, err)
	}
	return nil
}

// SetFailure bumps the attempt counter and stores the error. status
// decides whether the record parks in failed or stays retryable.
func (s *CertificateService) SetFailure(ctx context.Context, id, status, message string, attempts int) error {
	_, err := s.db.Exec(ctx,
		`UPDATE certificates SET status = $1, renewal_attempts = $2, last_error = $3, updated_at = now()
		 WHERE id = $4`,
		status, attempts, message, id)
	if err != nil {
		return fmt.Errorf("set certificate %s failure: %w", id, err)
	}
	return nil
}

func (s *CertificateService) SetRevoked(ctx context.Context, id string, revokedAt time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE certificates SET status = $1, revoked_at = $2, updated_at = now() WHERE id = $3`,
		model.StatusRevoked, revokedAt, id)
	if err != nil {
		return fmt.Errorf("set certificate %s revoked: %w", id, err)
	}
	return nil
}

func (s *CertificateService) SetMonitoring(ctx context.Context, id string, enabled bool, frequency int) error {
	_, err := s.db.Exec(ctx,
		`UPDATE certificates SET monitoring_enabled = $1, monitoring_frequency = $2, updated_at = now()
		 WHERE id = $3`,
		enabled, frequency, id)
	if err != nil {
		return fmt.Errorf("set certificate %s monitoring: %w", id, err)
	}
	return nil
}

func (s *CertificateService) SetLastCheck(ctx context.Context, id, result string, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE certificates SET last_check_at = $1, last_check_result = $2, updated_at = now()
		 WHERE id = $3`,
		at, result, id)
	if err != nil {
		return fmt.Errorf("set certificate %s last check: %w", id, err)
	}
	return nil
}

// ListPending returns records waiting for their first issuance.
func (s *CertificateService) ListPending(ctx context.Context) ([]model.Certificate, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+certColumns+` FROM certificates
		 WHERE status = $1 ORDER BY created_at`,
		model.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending certificates: %w", err)
	}
	defer rows.Close()

	var certs []model.Certificate
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan certificate: %w", err)
		}
		certs = append(certs, *cert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate certificates: %w", err)
	}
	return certs, nil
}

// ListDueForRenewal returns valid auto-renew records whose expiry
// falls within the per-record renewal threshold.
func (s *CertificateService) ListDueForRenewal(ctx context.Context, now time.Time) ([]model.Certificate, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+certColumns+` FROM certificates
		 WHERE status = $1 AND auto_renew = true
		   AND not_after IS NOT NULL
		   AND not_after <= $2::timestamptz + renewal_days * interval '1 day'
		 ORDER BY not_after`,
		model.StatusValid, now)
	if err != nil {
		return nil, fmt.Errorf("list certificates due for renewal: %w", err)
	}
	defer rows.Close()

	var certs []model.Certificate
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan certificate: %w", err)
		}
		certs = append(certs, *cert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate certificates: %w", err)
	}
	return certs, nil
}

// ListMonitored returns records with monitoring enabled whose next
// check is due.
func (s *CertificateService) ListMonitored(ctx context.Context, now time.Time) ([]model.Certificate, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+certColumns+` FROM certificates
		 WHERE monitoring_enabled = true AND status = $1
		   AND (last_check_at IS NULL OR last_check_at <= $2::timestamptz - monitoring_frequency * interval '1 second')
		 ORDER BY last_check_at NULLS FIRST`,
		model.StatusValid, now)
	if err != nil {
		return nil, fmt.Errorf("list monitored certificates: %w", err)
	}
	defer rows.Close()

	var certs []model.Certificate
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan certificate: %w", err)
		}
		certs = append(certs, *cert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate certificates: %w", err)
	}
	return certs, nil
}

// ListResumable returns records that were mid-issuance when the
// process died. A persisted order URL lets the run pick up the old
// order; without one a fresh order is placed.
func (s *CertificateService) ListResumable(ctx context.Context) ([]model.Certificate, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+certColumns+` FROM certificates
		 WHERE status = ANY($1) ORDER BY updated_at`,
		[]string{model.StatusProcessing, model.StatusRenewing})
	if err != nil {
		return nil, fmt.Errorf("list resumable certificates: %w", err)
	}
	defer rows.Close()

	var certs []model.Certificate
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan certificate: %w", err)
		}
		certs = append(certs, *cert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate certificates: %w", err)
	}
	return certs, nil
}

func (s *CertificateService) Delete(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE certificates SET status = 'deleted', updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete certificate %s: %w", id, err)
	}
	return nil
}
