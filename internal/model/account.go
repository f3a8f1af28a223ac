package model

import "time"

// ACMEAccount is one registered account at a CA, keyed by (CA, email).
// The private key is stored on disk as an encrypted blob; KeyPath points
// at it. The account key is always a distinct keypair from any
// certificate key.
type ACMEAccount struct {
	ID        string    `json:"id" db:"id"`
	CA        string    `json:"ca" db:"ca"`
	Email     string    `json:"email" db:"email"`
	URL       string    `json:"url" db:"url"`
	KeyPath   string    `json:"key_path" db:"key_path"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
