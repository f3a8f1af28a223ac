package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/edvin/certfleet/internal/acme"
	"github.com/edvin/certfleet/internal/calimit"
	"github.com/edvin/certfleet/internal/challenge"
	"github.com/edvin/certfleet/internal/store"
)

// ValidationError rejects a request before any work happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError reports a duplicate request for a domain that already
// has a live record.
type ConflictError struct {
	Domain     string
	ExistingID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("domain %s already managed by certificate %s", e.Domain, e.ExistingID)
}

// RateLimitedError refuses an order before it reaches the CA.
type RateLimitedError struct {
	CA         string
	RetryAfter time.Time
	Err        error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by %s budget, retry after %s", e.CA, e.RetryAfter.Format(time.RFC3339))
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// ACMEError wraps a CA rejection, preserving the problem type for
// callers and logs.
type ACMEError struct {
	ProblemType string
	Detail      string
	Err         error
}

func (e *ACMEError) Error() string {
	return fmt.Sprintf("CA refused: %s: %s", e.ProblemType, e.Detail)
}

func (e *ACMEError) Unwrap() error { return e.Err }

// Retryable reports whether the rejection can succeed on a later
// attempt with the same inputs. Validator-side failures can: the CA's
// resolvers may have hit a DNS blip, a connection reset, or an
// authorization that had not converged yet. Rejections of the request
// itself, such as rejectedIdentifier or malformed, cannot.
func (e *ACMEError) Retryable() bool {
	switch e.ProblemType {
	case "urn:ietf:params:acme:error:dns",
		"urn:ietf:params:acme:error:connection",
		"urn:ietf:params:acme:error:unauthorized",
		"urn:ietf:params:acme:error:incorrectResponse":
		return true
	}
	return false
}

// TransientError marks a failure that the retry ladder may absorb.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// ChallengeError reports a challenge that was published but never
// converged at the CA's validators. The attempt is lost, the retry
// ladder applies.
type ChallengeError struct {
	Method string
	Err    error
}

func (e *ChallengeError) Error() string {
	return fmt.Sprintf("%s challenge did not converge: %v", e.Method, e.Err)
}

func (e *ChallengeError) Unwrap() error { return e.Err }

// BusyError reports that another operation already holds the record.
type BusyError struct {
	CertificateID string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("certificate %s has an operation in flight", e.CertificateID)
}

// BugError is an assertion failure, such as an issued certificate not
// matching its private key. The record parks in failed and is never
// retried automatically.
type BugError struct {
	Detail string
}

func (e *BugError) Error() string { return "internal inconsistency: " + e.Detail }

// classify maps lower-layer failures into the engine's error set. DNS
// and network flakiness is transient; CA rejections keep their problem
// type so retryable decides their fate, store errors pass through.
func classify(err error) error {
	var prob *acme.Problem
	if errors.As(err, &prob) {
		if prob.IsRateLimited() {
			return &RateLimitedError{CA: "", RetryAfter: time.Now().Add(time.Hour), Err: err}
		}
		if prob.Transient() {
			return &TransientError{Err: err}
		}
		return &ACMEError{ProblemType: prob.Type, Detail: prob.Detail, Err: err}
	}
	var lerr *calimit.LimitError
	if errors.As(err, &lerr) {
		return &RateLimitedError{CA: lerr.CA, RetryAfter: lerr.RetryAfter, Err: err}
	}
	var cerr *challenge.Error
	if errors.As(err, &cerr) {
		return &ChallengeError{Method: cerr.Method, Err: err}
	}
	var serr *store.StoreError
	if errors.As(err, &serr) {
		return err
	}
	var berr *BugError
	if errors.As(err, &berr) {
		return err
	}
	return &TransientError{Err: err}
}

// retryable reports whether the retry ladder applies.
func retryable(err error) bool {
	var terr *TransientError
	if errors.As(err, &terr) {
		return true
	}
	var cerr *ChallengeError
	if errors.As(err, &cerr) {
		return true
	}
	var aerr *ACMEError
	return errors.As(err, &aerr) && aerr.Retryable()
}

// Document is the shape a failure takes when it crosses the engine
// boundary, suitable for direct JSON encoding.
type Document struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// Describe flattens any error returned by the controller into its
// user-visible document.
func Describe(err error) Document {
	var (
		verr *ValidationError
		cone *ConflictError
		rle  *RateLimitedError
		aerr *ACMEError
		terr *TransientError
		cerr *ChallengeError
		serr *store.StoreError
		busy *BusyError
		berr *BugError
	)
	switch {
	case errors.As(err, &verr):
		return Document{Kind: "validation", Message: verr.Error()}
	case errors.As(err, &cone):
		return Document{Kind: "conflict", Message: cone.Error(),
			Hint: "revoke or delete certificate " + cone.ExistingID + " first"}
	case errors.As(err, &rle):
		return Document{Kind: "rate_limited", Message: rle.Error(),
			Hint: "try again after " + rle.RetryAfter.Format(time.RFC3339)}
	case errors.As(err, &aerr):
		return Document{Kind: "acme", Message: aerr.Error()}
	case errors.As(err, &cerr):
		return Document{Kind: "challenge", Message: cerr.Error(),
			Hint: "check that the domain's DNS or webroot is reachable from the internet"}
	case errors.As(err, &serr):
		return Document{Kind: "store", Message: serr.Error(),
			Hint: "check disk space and permissions on the certificate store"}
	case errors.As(err, &busy):
		return Document{Kind: "busy", Message: busy.Error(), Hint: "retry once the current operation finishes"}
	case errors.As(err, &berr):
		return Document{Kind: "bug", Message: berr.Error()}
	case errors.As(err, &terr):
		return Document{Kind: "transient", Message: terr.Error()}
	default:
		return Document{Kind: "internal", Message: err.Error()}
	}
}
