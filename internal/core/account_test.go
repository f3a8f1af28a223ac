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

func TestAccountService_Create_Success(t *testing.T) {
	db := &mockDB{}
	svc := NewAccountService(db)
	ctx := context.Background()

	acct := &model.ACMEAccount{
		ID:        "acct-1",
		CA:        "letsencrypt",
		Email:     "admin@example.com",
		URL:       "https://ca/account/1",
		KeyPath:   "/var/lib/certfleet/_accounts/letsencrypt/admin@example.com/account.key",
		CreatedAt: time.Now(),
	}
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.CommandTag{}, nil)

	require.NoError(t, svc.Create(ctx, acct))
	db.AssertExpectations(t)
}

func TestAccountService_GetByCAEmail_Success(t *testing.T) {
	db := &mockDB{}
	svc := NewAccountService(db)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond)
	row := &mockRow{scanFunc: func(dest ...any) error {
		*(dest[0].(*string)) = "acct-1"
		*(dest[1].(*string)) = "letsencrypt"
		*(dest[2].(*string)) = "admin@example.com"
		*(dest[3].(*string)) = "https://ca/account/1"
		*(dest[4].(*string)) = "/keys/account.key"
		*(dest[5].(*time.Time)) = now
		return nil
	}}
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(row)

	acct, err := svc.GetByCAEmail(ctx, "letsencrypt", "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://ca/account/1", acct.URL)
	assert.Equal(t, now, acct.CreatedAt)
	db.AssertExpectations(t)
}

func TestAccountService_GetByCAEmail_NotFound(t *testing.T) {
	db := &mockDB{}
	svc := NewAccountService(db)
	ctx := context.Background()

	notFound := &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(notFound).Once()

	_, err := svc.GetByCAEmail(ctx, "letsencrypt", "nobody@example.com")
	require.ErrorIs(t, err, ErrNotFound)

	broken := &mockRow{scanFunc: func(dest ...any) error { return errors.New("connection refused") }}
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(broken).Once()

	_, err = svc.GetByCAEmail(ctx, "letsencrypt", "nobody@example.com")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	db.AssertExpectations(t)
}
