package acme

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"time"
)

// Order statuses per RFC 8555 §7.1.6.
const (
	StatusPending    = "pending"
	StatusReady      = "ready"
	StatusProcessing = "processing"
	StatusValid      = "valid"
	StatusInvalid    = "invalid"
	StatusRevoked    = "revoked"
)

// Revocation reason codes from RFC 5280 §5.3.1.
const (
	ReasonUnspecified          = 0
	ReasonKeyCompromise        = 1
	ReasonSuperseded           = 4
	ReasonCessationOfOperation = 5
)

const (
	authzPollInterval = 2 * time.Second
	authzPollTimeout  = 120 * time.Second
)

type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type Order struct {
	Status         string       `json:"status"`
	Expires        time.Time    `json:"expires"`
	Identifiers    []Identifier `json:"identifiers"`
	Authorizations []string     `json:"authorizations"`
	Finalize       string       `json:"finalize"`
	Certificate    string       `json:"certificate"`

	// URL is the order's own URL from the Location header; persisted
	// so interrupted issuances can be resumed.
	URL string `json:"-"`
}

type Challenge struct {
	Type   string   `json:"type"`
	URL    string   `json:"url"`
	Status string   `json:"status"`
	Token  string   `json:"token"`
	Error  *Problem `json:"error,omitempty"`
}

type Authorization struct {
	Status     string      `json:"status"`
	Identifier Identifier  `json:"identifier"`
	Wildcard   bool        `json:"wildcard"`
	Challenges []Challenge `json:"challenges"`
}

// ChallengeOfType returns the challenge matching typ ("http-01",
// "dns-01"), or nil.
func (a *Authorization) ChallengeOfType(typ string) *Challenge {
	for i := range a.Challenges {
		if a.Challenges[i].Type == typ {
			return &a.Challenges[i]
		}
	}
	return nil
}

// NewOrder places an order for the given identifiers.
func (c *Client) NewOrder(ctx context.Context, domains []string) (*Order, error) {
	dir, err := c.Discover(ctx)
	if err != nil {
		return nil, err
	}
	identifiers := make([]Identifier, 0, len(domains))
	for _, d := range domains {
		identifiers = append(identifiers, Identifier{Type: "dns", Value: d})
	}
	var order Order
	location, err := c.postJSON(ctx, dir.NewOrder, map[string]any{"identifiers": identifiers}, false, &order)
	if err != nil {
		return nil, fmt.Errorf("new order: %w", err)
	}
	order.URL = location
	return &order, nil
}

// GetOrder fetches an order by URL via POST-as-GET. Used to resume
// issuance after a crash.
func (c *Client) GetOrder(ctx context.Context, url string) (*Order, error) {
	var order Order
	if _, err := c.postJSON(ctx, url, nil, false, &order); err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	order.URL = url
	return &order, nil
}

// GetAuthorization fetches an authorization by URL via POST-as-GET.
func (c *Client) GetAuthorization(ctx context.Context, url string) (*Authorization, error) {
	var authz Authorization
	if _, err := c.postJSON(ctx, url, nil, false, &authz); err != nil {
		return nil, fmt.Errorf("get authorization: %w", err)
	}
	return &authz, nil
}

// AcceptChallenge tells the CA the challenge is ready to validate.
func (c *Client) AcceptChallenge(ctx context.Context, challenge *Challenge) error {
	if _, err := c.postJSON(ctx, challenge.URL, struct{}{}, false, nil); err != nil {
		return fmt.Errorf("accept challenge: %w", err)
	}
	return nil
}

// WaitAuthorization polls the authorization until it leaves pending.
// A non-valid terminal status surfaces the failed challenge's problem
// document when the CA supplied one.
func (c *Client) WaitAuthorization(ctx context.Context, url string) (*Authorization, error) {
	deadline := time.Now().Add(authzPollTimeout)
	for {
		authz, err := c.GetAuthorization(ctx, url)
		if err != nil {
			return nil, err
		}
		switch authz.Status {
		case StatusValid:
			return authz, nil
		case StatusPending, StatusProcessing:
		default:
			for i := range authz.Challenges {
				if authz.Challenges[i].Error != nil {
					return authz, authz.Challenges[i].Error
				}
			}
			return authz, fmt.Errorf("authorization for %s is %s", authz.Identifier.Value, authz.Status)
		}
		if time.Now().After(deadline) {
			return authz, fmt.Errorf("authorization for %s still %s after %s", authz.Identifier.Value, authz.Status, authzPollTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(authzPollInterval + time.Duration(rand.Int63n(int64(time.Second)))):
		}
	}
}

// Finalize submits the CSR and polls the order until the CA issues the
// certificate, returning the updated order with its certificate URL.
func (c *Client) Finalize(ctx context.Context, order *Order, csrDER []byte) (*Order, error) {
	payload := map[string]string{"csr": base64.RawURLEncoding.EncodeToString(csrDER)}
	var updated Order
	if _, err := c.postJSON(ctx, order.Finalize, payload, false, &updated); err != nil {
		return nil, fmt.Errorf("finalize order: %w", err)
	}
	updated.URL = order.URL

	deadline := time.Now().Add(authzPollTimeout)
	for updated.Status == StatusProcessing || (updated.Status == StatusValid && updated.Certificate == "") {
		if time.Now().After(deadline) {
			return &updated, fmt.Errorf("order still %s after %s", updated.Status, authzPollTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(authzPollInterval):
		}
		refreshed, err := c.GetOrder(ctx, order.URL)
		if err != nil {
			return nil, err
		}
		updated = *refreshed
	}
	if updated.Status != StatusValid {
		return &updated, fmt.Errorf("order finalization ended in status %s", updated.Status)
	}
	return &updated, nil
}

// DownloadCertificate fetches the issued chain and splits it into the
// leaf and the rest.
func (c *Client) DownloadCertificate(ctx context.Context, certURL string) (leafPEM, chainPEM []byte, err error) {
	res, err := c.post(ctx, certURL, nil, false)
	if err != nil {
		return nil, nil, fmt.Errorf("download certificate: %w", err)
	}
	defer res.Body.Close()
	full, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("download certificate: read body: %w", err)
	}
	return splitChain(full)
}

func splitChain(pemChain []byte) (leaf, rest []byte, err error) {
	const boundary = "-----BEGIN CERTIFICATE-----"
	text := string(pemChain)
	idx := strings.Index(text, boundary)
	if idx < 0 {
		return nil, nil, fmt.Errorf("no certificate in response")
	}
	second := strings.Index(text[idx+len(boundary):], boundary)
	if second < 0 {
		return []byte(strings.TrimSpace(text[idx:]) + "\n"), nil, nil
	}
	cut := idx + len(boundary) + second
	leaf = []byte(strings.TrimSpace(text[idx:cut]) + "\n")
	rest = []byte(strings.TrimSpace(text[cut:]) + "\n")
	return leaf, rest, nil
}

// RevokeCert asks the CA to revoke the certificate, signed with the
// account key.
func (c *Client) RevokeCert(ctx context.Context, certDER []byte, reason int) error {
	dir, err := c.Discover(ctx)
	if err != nil {
		return err
	}
	payload := map[string]any{
		"certificate": base64.RawURLEncoding.EncodeToString(certDER),
		"reason":      reason,
	}
	if _, err := c.postJSON(ctx, dir.RevokeCert, payload, false, nil); err != nil {
		return fmt.Errorf("revoke certificate: %w", err)
	}
	return nil
}
