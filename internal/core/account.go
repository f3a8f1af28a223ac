package core

import (
	"context"
	"fmt"

	"github.com/edvin/certfleet/internal/model"
)

type AccountService struct {
	db DB
}

func NewAccountService(db DB) *AccountService {
	return &AccountService{db: db}
}

func (s *AccountService) Create(ctx context.Context, acct *model.ACMEAccount) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO acme_accounts (id, ca, email, url, key_path, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		acct.ID, acct.CA, acct.Email, acct.URL, acct.KeyPath, acct.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create acme account: %w", err)
	}
	return nil
}

// GetByCAEmail looks up the registered account for a (CA, email) pair.
func (s *AccountService) GetByCAEmail(ctx context.Context, ca, email string) (*model.ACMEAccount, error) {
	var a model.ACMEAccount
	err := s.db.QueryRow(ctx,
		`SELECT id, ca, email, url, key_path, created_at
		 FROM acme_accounts WHERE ca = $1 AND email = $2`, ca, email,
	).Scan(&a.ID, &a.CA, &a.Email, &a.URL, &a.KeyPath, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get acme account for %s/%s: %w", ca, email, mapNoRows(err))
	}
	return &a, nil
}
