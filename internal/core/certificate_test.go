package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/certfleet/internal/model"
)

// scanCert fills a full certificate row in column order.
func scanCert(c model.Certificate) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = c.ID
		*(dest[1].(*[]string)) = c.Domains
		*(dest[2].(*string)) = c.CA
		*(dest[3].(*string)) = c.ChallengeMethod
		*(dest[4].(*string)) = c.Status
		*(dest[5].(**time.Time)) = c.IssuedAt
		*(dest[6].(**time.Time)) = c.NotBefore
		*(dest[7].(**time.Time)) = c.NotAfter
		*(dest[8].(*string)) = c.SerialNumber
		*(dest[9].(*string)) = c.Issuer
		*(dest[10].(*string)) = c.Fingerprint
		*(dest[11].(*string)) = c.ChainPath
		*(dest[12].(*string)) = c.KeyPath
		*(dest[13].(*string)) = c.UserID
		*(dest[14].(*string)) = c.ServerID
		*(dest[15].(*string)) = c.OrderURL
		*(dest[16].(*bool)) = c.AutoRenew
		*(dest[17].(*int)) = c.RenewalDays
		*(dest[18].(*bool)) = c.MonitoringEnabled
		*(dest[19].(*int)) = c.MonitoringFreq
		*(dest[20].(**time.Time)) = c.LastCheckAt
		*(dest[21].(*string)) = c.LastCheckResult
		*(dest[22].(*int)) = c.RenewalAttempts
		*(dest[23].(**string)) = c.LastError
		*(dest[24].(**time.Time)) = c.RevokedAt
		*(dest[25].(*time.Time)) = c.CreatedAt
		*(dest[26].(*time.Time)) = c.UpdatedAt
		return nil
	}
}

func sampleCert(id string) model.Certificate {
	now := time.Now().Truncate(time.Microsecond)
	return model.Certificate{
		ID:              id,
		Domains:         []string{"example.com", "www.example.com"},
		CA:              "letsencrypt",
		ChallengeMethod: model.ChallengeHTTP01,
		Status:          model.StatusValid,
		UserID:          "user-1",
		ServerID:        "server-1",
		AutoRenew:       true,
		RenewalDays:     30,
		MonitoringFreq:  3600,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// ---------- Create ----------

func TestCertificateService_Create_Success(t *testing.T) {
	db := &mockDB{}
	svc := NewCertificateService(db)
	ctx := context.Background()

	cert := sampleCert("cert-1")
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.CommandTag{}, nil)

	err := svc.Create(ctx, &cert)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestCertificateService_Create_DBError(t *testing.T) {
	db := &mockDB{}
	svc := NewCertificateService(db)
	ctx := context.Background()

	cert := sampleCert("cert-1")
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.CommandTag{}, errors.New("unique violation"))

	err := svc.Create(ctx, &cert)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create certificate")
	db.AssertExpectations(t)
}

// ---------- GetByID ----------

func TestCertificateService_GetByID_Success(t *testing.T) {
	db := &mockDB{}
	svc := NewCertificateService(db)
	ctx := context.Background()

	want := sampleCert("cert-1")
	row := &mockRow{scanFunc: scanCert(want)}
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(row)

	got, err := svc.GetByID(ctx, "cert-1")
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Domains, got.Domains)
	assert.Equal(t, want.Status, got.Status)
	db.AssertExpectations(t)
}

func TestCertificateService_GetByID_NotFound(t *testing.T) {
	db := &mockDB{}
	svc := NewCertificateService(db)
	ctx := context.Background()

	row := &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(row)

	_, err := svc.GetByID(ctx, "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	db.AssertExpectations(t)
}

// ---------- GetActiveByPrimaryDomain ----------

func TestCertificateService_GetActiveByPrimaryDomain(t *testing.T) {
	db := &mockDB{}
	svc := NewCertificateService(db)
	ctx := context.Background()

	want := sampleCert("cert-1")
	row := &mockRow{scanFunc: scanCert(want)}
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(row)

	got, err := svc.GetActiveByPrimaryDomain(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, "cert-1", got.ID)
	db.AssertExpectations(t)
}

// ---------- List ----------

func TestCertificateService_List_CursorPagination(t *testing.T) {
	db := &mockDB{}
	svc := NewCertificateService(db)
	ctx := context.Background()

	// limit 2, three rows returned means hasMore
	rows := newMockRows(scanCert(sampleCert("cert-1")), scanCert(sampleCert("cert-2")), scanCert(sampleCert("cert-3")))
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

	certs, hasMore, err := svc.List(ctx, "user-1", 2, "cert-0")
	require.NoError(t, err)
	assert.Len(t, certs, 2)
	assert.True(t, hasMore)
	assert.Equal(t, "cert-1", certs[0].ID)
	db.AssertExpectations(t)

	// the limit+1 sentinel is part of the query args
	args := db.Calls[0].Arguments.Get(2).([]any)
	assert.Contains(t, args, 3)
}

func TestCertificateService_List_LastPage(t *testing.T) {
	db := &mockDB{}
	svc := NewCertificateService(db)
	ctx := context.Background()

	rows := newMockRows(scanCert(sampleCert("cert-9")))
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

	certs, hasMore, err := svc.List(ctx, "", 10, "")
	require.NoError(t, err)
	assert.Len(t, certs, 1)
	assert.False(t, hasMore)
	db.AssertExpectations(t)
}

// ---------- status updates ----------

func TestCertificateService_SetIssued(t *testing.T) {
	db := &mockDB{}
	svc := NewCertificateService(db)
	ctx := context.Background()

	now := time.Now()
	cert := sampleCert("cert-1")
	cert.IssuedAt = &now
	cert.NotAfter = &now
	cert.Fingerprint = "abc123"

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.CommandTag{}, nil)

	require.NoError(t, svc.SetIssued(ctx, &cert))
	db.AssertExpectations(t)
}

func TestCertificateService_SetFailure(t *testing.T) {
	db := &mockDB{}
	svc := NewCertificateService(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.CommandTag{}, nil)

	require.NoError(t, svc.SetFailure(ctx, "cert-1", model.StatusFailed, "dns timeout", 6))
	args := db.Calls[0].Arguments.Get(2).([]any)
	assert.Contains(t, args, model.StatusFailed)
	assert.Contains(t, args, 6)
	db.AssertExpectations(t)
}

func TestCertificateService_SetMonitoring(t *testing.T) {
	db := &mockDB{}
	svc := NewCertificateService(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.CommandTag{}, nil)

	require.NoError(t, svc.SetMonitoring(ctx, "cert-1", true, 900))
	db.AssertExpectations(t)
}

func TestCertificateService_Delete(t *testing.T) {
	db := &mockDB{}
	svc := NewCertificateService(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.CommandTag{}, nil)

	require.NoError(t, svc.Delete(ctx, "cert-1"))
	args := db.Calls[0].Arguments.Get(2).([]any)
	assert.Contains(t, args, "cert-1")
	db.AssertExpectations(t)
}

// ---------- sweep queries ----------

func TestCertificateService_ListDueForRenewal(t *testing.T) {
	db := &mockDB{}
	svc := NewCertificateService(db)
	ctx := context.Background()

	due := sampleCert("cert-due")
	rows := newMockRows(scanCert(due))
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

	certs, err := svc.ListDueForRenewal(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, "cert-due", certs[0].ID)
	db.AssertExpectations(t)
}

func TestCertificateService_ListPending(t *testing.T) {
	db := &mockDB{}
	svc := NewCertificateService(db)
	ctx := context.Background()

	waiting := sampleCert("cert-waiting")
	waiting.Status = model.StatusPending
	rows := newMockRows(scanCert(waiting))
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

	certs, err := svc.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, "cert-waiting", certs[0].ID)
	db.AssertExpectations(t)
}

func TestCertificateService_ListResumable(t *testing.T) {
	db := &mockDB{}
	svc := NewCertificateService(db)
	ctx := context.Background()

	stuck := sampleCert("cert-stuck")
	stuck.Status = model.StatusProcessing
	stuck.OrderURL = "https://ca/order/42"
	rows := newMockRows(scanCert(stuck))
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

	certs, err := svc.ListResumable(ctx)
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, "https://ca/order/42", certs[0].OrderURL)
	db.AssertExpectations(t)
}

func TestCertificateService_ListMonitored_QueryError(t *testing.T) {
	db := &mockDB{}
	svc := NewCertificateService(db)
	ctx := context.Background()

	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).Return(nil, errors.New("connection refused"))

	_, err := svc.ListMonitored(ctx, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list monitored certificates")
	db.AssertExpectations(t)
}
