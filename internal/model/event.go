package model

import "time"

// Event kinds emitted by the engine. The notification subsystem consumes
// these; the engine never delivers anything itself.
const (
	EventIssued        = "issued"
	EventRenewed       = "renewed"
	EventRenewalFailed = "renewal_failed"
	EventExpiring      = "expiring"
	EventExpired       = "expired"
	EventRevoked       = "revoked"
	EventMismatch      = "mismatch"
	EventUnreachable   = "unreachable"
)

// Event is one engine occurrence for a certificate record.
type Event struct {
	Kind          string    `json:"event_kind"`
	CertificateID string    `json:"cert_id"`
	Timestamp     time.Time `json:"timestamp"`
	Details       string    `json:"details,omitempty"`
	// Severity is set on expiry events: "warning" within the renewal
	// window, "critical" under seven days.
	Severity string `json:"severity,omitempty"`
}
