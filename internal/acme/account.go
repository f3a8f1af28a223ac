package acme

import (
	"context"
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// EAB carries External Account Binding credentials for CAs that
// require a pre-provisioned account (ZeroSSL).
type EAB struct {
	KID     string
	HMACKey string // base64url-encoded MAC key as handed out by the CA
}

type accountRequest struct {
	TermsOfServiceAgreed   bool            `json:"termsOfServiceAgreed"`
	Contact                []string        `json:"contact,omitempty"`
	ExternalAccountBinding json.RawMessage `json:"externalAccountBinding,omitempty"`
}

type accountResponse struct {
	Status  string   `json:"status"`
	Contact []string `json:"contact"`
	Orders  string   `json:"orders"`
}

// Register creates (or fetches, if the key is already known to the CA)
// the ACME account and stores the returned account URL as the signing
// kid for all subsequent requests.
func (c *Client) Register(ctx context.Context, email string, eab *EAB) (string, error) {
	dir, err := c.Discover(ctx)
	if err != nil {
		return "", err
	}
	if dir.Meta.ExternalAccountRequired && eab == nil {
		return "", fmt.Errorf("register: CA requires external account binding")
	}

	req := accountRequest{TermsOfServiceAgreed: true}
	if email != "" {
		req.Contact = []string{"mailto:" + email}
	}
	if eab != nil {
		binding, err := c.signEAB(dir.NewAccount, eab)
		if err != nil {
			return "", fmt.Errorf("register: %w", err)
		}
		req.ExternalAccountBinding = binding
	}

	var acct accountResponse
	location, err := c.postJSON(ctx, dir.NewAccount, req, true, &acct)
	if err != nil {
		return "", fmt.Errorf("register account: %w", err)
	}
	if location == "" {
		return "", fmt.Errorf("register account: no Location header")
	}
	c.SetKID(location)
	c.logger.Info().Str("account_url", location).Str("status", acct.Status).Msg("ACME account registered")
	return location, nil
}

// signEAB builds the inner JWS binding our account key to the CA-side
// account: HS256 over the public JWK, keyed with the CA-provided MAC.
func (c *Client) signEAB(newAccountURL string, eab *EAB) (json.RawMessage, error) {
	macKey, err := base64.RawURLEncoding.DecodeString(eab.HMACKey)
	if err != nil {
		return nil, fmt.Errorf("decode EAB HMAC key: %w", err)
	}
	jwk := jose.JSONWebKey{Key: c.key.Public()}
	payload, err := jwk.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal account JWK: %w", err)
	}

	opts := &jose.SignerOptions{}
	opts.WithHeader("url", newAccountURL)
	opts.WithHeader("kid", eab.KID)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: macKey}, opts)
	if err != nil {
		return nil, fmt.Errorf("create EAB signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign EAB: %w", err)
	}
	return json.RawMessage(jws.FullSerialize()), nil
}

// KeyAuthorization computes token.thumbprint for a challenge token.
func KeyAuthorization(token string, key crypto.Signer) (string, error) {
	jwk := jose.JSONWebKey{Key: key.Public()}
	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("compute key thumbprint: %w", err)
	}
	return token + "." + base64.RawURLEncoding.EncodeToString(thumb), nil
}

// DNS01TXTValue derives the TXT record payload from a key authorization.
func DNS01TXTValue(keyAuth string) string {
	sum := sha256.Sum256([]byte(keyAuth))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
