package acme

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Problem is an RFC 7807 problem document as served by ACME CAs.
type Problem struct {
	Type        string    `json:"type"`
	Detail      string    `json:"detail"`
	StatusCode  int       `json:"status"`
	Subproblems []Problem `json:"subproblems,omitempty"`
}

func (p *Problem) Error() string {
	return fmt.Sprintf("acme: %s: %s", p.Type, p.Detail)
}

func (p *Problem) IsBadNonce() bool {
	return p.Type == "urn:ietf:params:acme:error:badNonce"
}

func (p *Problem) IsRateLimited() bool {
	return p.Type == "urn:ietf:params:acme:error:rateLimited"
}

// Transient reports whether the failure is worth retrying with the
// same inputs: CA-side errors and infrastructure hiccups, as opposed
// to rejections of the request itself.
func (p *Problem) Transient() bool {
	switch p.Type {
	case "urn:ietf:params:acme:error:serverInternal",
		"urn:ietf:params:acme:error:badNonce":
		return true
	}
	return p.StatusCode >= 500
}

// AsProblem is errors.As narrowed to *Problem.
func AsProblem(err error, target **Problem) bool {
	return errors.As(err, target)
}

func readProblem(res *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("status %d: read error body: %w", res.StatusCode, err)
	}
	contentType := res.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/problem+json") {
		var prob Problem
		if err := json.Unmarshal(body, &prob); err == nil && prob.Type != "" {
			if prob.StatusCode == 0 {
				prob.StatusCode = res.StatusCode
			}
			return &prob
		}
	}
	return fmt.Errorf("status %d from %s: %s", res.StatusCode, res.Request.URL, strings.TrimSpace(string(body)))
}
