package engine

import (
	"errors"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/edvin/certfleet/internal/model"
)

// Request is the public shape of a certificate request.
type Request struct {
	Domains         []string `json:"domains" validate:"required,min=1,max=100,dive,domain"`
	CA              string   `json:"ca,omitempty"`
	ChallengeMethod string   `json:"challenge_method,omitempty" validate:"omitempty,oneof=http-01 dns-01"`
	UserID          string   `json:"user_id" validate:"required"`
	ServerID        string   `json:"server_id,omitempty"`

	AutoRenew      *bool `json:"auto_renew,omitempty"`
	RenewalDays    int   `json:"renewal_days,omitempty" validate:"omitempty,min=1,max=89"`
	Monitoring     bool  `json:"monitoring,omitempty"`
	MonitoringFreq int   `json:"monitoring_frequency,omitempty" validate:"omitempty,min=300,max=86400"`
}

var domainLabel = regexp.MustCompile(`^(\*\.)?([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,}$`)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("domain", func(fl validator.FieldLevel) bool {
		d := strings.ToLower(fl.Field().String())
		if len(d) > 253 {
			return false
		}
		// a wildcard is only allowed as the leftmost label
		if strings.Count(d, "*") > 1 || (strings.Contains(d, "*") && !strings.HasPrefix(d, "*.")) {
			return false
		}
		return domainLabel.MatchString(d)
	})
	return v
}

// validateRequest applies the structural rules plus the cross-field
// ones the tags cannot express.
func validateRequest(v *validator.Validate, req *Request) error {
	if err := v.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &ValidationError{Field: strings.ToLower(verrs[0].Field()), Reason: verrs[0].Tag()}
		}
		return &ValidationError{Field: "request", Reason: err.Error()}
	}

	seen := map[string]bool{}
	hasWildcard := false
	for _, d := range req.Domains {
		lower := strings.ToLower(d)
		if seen[lower] {
			return &ValidationError{Field: "domains", Reason: "duplicate domain " + lower}
		}
		seen[lower] = true
		if strings.HasPrefix(lower, "*.") {
			hasWildcard = true
		}
	}
	if hasWildcard && req.ChallengeMethod == model.ChallengeHTTP01 {
		return &ValidationError{Field: "challenge_method", Reason: "wildcard domains require dns-01"}
	}
	return nil
}
