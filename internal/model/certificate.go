package model

import (
	"strings"
	"time"
)

// Certificate is the metadata record for one managed server certificate.
// The PEM artifacts live in the on-disk store; ChainPath and KeyPath point
// at them. A record is mutated only by the lifecycle controller.
type Certificate struct {
	ID              string     `json:"id" db:"id"`
	Domains         []string   `json:"domains" db:"domains"`
	CA              string     `json:"ca" db:"ca"`
	ChallengeMethod string     `json:"challenge_method" db:"challenge_method"`
	Status          string     `json:"status" db:"status"`
	IssuedAt        *time.Time `json:"issued_at,omitempty" db:"issued_at"`
	NotBefore       *time.Time `json:"not_before,omitempty" db:"not_before"`
	NotAfter        *time.Time `json:"not_after,omitempty" db:"not_after"`
	SerialNumber    string     `json:"serial_number,omitempty" db:"serial_number"`
	Issuer          string     `json:"issuer,omitempty" db:"issuer"`
	Fingerprint     string     `json:"fingerprint,omitempty" db:"fingerprint"`
	ChainPath       string     `json:"chain_path,omitempty" db:"chain_path"`
	KeyPath         string     `json:"key_path,omitempty" db:"key_path"`
	UserID          string     `json:"user_id" db:"user_id"`
	ServerID        string     `json:"server_id" db:"server_id"`
	OrderURL        string     `json:"order_url,omitempty" db:"order_url"`

	AutoRenew         bool       `json:"auto_renew" db:"auto_renew"`
	RenewalDays       int        `json:"renewal_days" db:"renewal_days"`
	MonitoringEnabled bool       `json:"monitoring_enabled" db:"monitoring_enabled"`
	MonitoringFreq    int        `json:"monitoring_frequency" db:"monitoring_frequency"`
	LastCheckAt       *time.Time `json:"last_check_at,omitempty" db:"last_check_at"`
	LastCheckResult   string     `json:"last_check_result,omitempty" db:"last_check_result"`

	RenewalAttempts int     `json:"renewal_attempts" db:"renewal_attempts"`
	LastError       *string `json:"last_error,omitempty" db:"last_error"`

	RevokedAt *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// PrimaryDomain returns the first DNS name on the record.
func (c *Certificate) PrimaryDomain() string {
	if len(c.Domains) == 0 {
		return ""
	}
	return c.Domains[0]
}

// HasWildcard reports whether any requested name is a wildcard.
func (c *Certificate) HasWildcard() bool {
	for _, d := range c.Domains {
		if strings.HasPrefix(d, "*.") {
			return true
		}
	}
	return false
}

// DaysToExpiry returns the whole days remaining until NotAfter, negative
// once expired. Records without an issued certificate report 0.
func (c *Certificate) DaysToExpiry(now time.Time) int {
	if c.NotAfter == nil {
		return 0
	}
	return int(c.NotAfter.Sub(now).Hours() / 24)
}

// Challenge method constants.
const (
	ChallengeHTTP01 = "http-01"
	ChallengeDNS01  = "dns-01"
)

// Monitoring frequency bounds in seconds.
const (
	MonitoringFreqMin = 300
	MonitoringFreqMax = 86400
)
