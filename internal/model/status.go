package model

// Certificate record status constants.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusValid      = "valid"
	StatusRenewing   = "renewing"
	StatusRevoked    = "revoked"
	StatusFailed     = "failed"
	StatusDeleted    = "deleted"
)

// Terminal reports whether a record in the given status can never be
// mutated again by the controller.
func Terminal(status string) bool {
	return status == StatusRevoked || status == StatusDeleted
}

// NonTerminal is the set of statuses that block a new request for the
// same primary domain.
var NonTerminal = []string{
	StatusPending, StatusProcessing, StatusValid, StatusRenewing, StatusFailed,
}
