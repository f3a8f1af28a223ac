// Package acme is a minimal RFC 8555 client covering the flows the
// engine needs: account registration, order placement, authorization
// polling, finalization, certificate download and revocation.
package acme

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-jose/go-jose/v4"
	"github.com/rs/zerolog"
)

const userAgent = "certfleet/1.0"

// Directory is the CA's endpoint map, fetched once per client.
type Directory struct {
	NewNonce   string `json:"newNonce"`
	NewAccount string `json:"newAccount"`
	NewOrder   string `json:"newOrder"`
	RevokeCert string `json:"revokeCert"`
	KeyChange  string `json:"keyChange"`
	Meta       struct {
		TermsOfService          string `json:"termsOfService"`
		ExternalAccountRequired bool   `json:"externalAccountRequired"`
	} `json:"meta"`
}

// Client talks to one ACME CA on behalf of one account key.
type Client struct {
	directoryURL string
	httpClient   *http.Client
	key          crypto.Signer
	logger       zerolog.Logger

	mu    sync.Mutex
	dir   *Directory
	kid   string
	nonce string
}

func NewClient(directoryURL string, key crypto.Signer, logger zerolog.Logger) *Client {
	return &Client{
		directoryURL: directoryURL,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		key:          key,
		logger:       logger.With().Str("component", "acme-client").Str("directory", directoryURL).Logger(),
	}
}

// KID returns the account URL the CA assigned, empty before registration.
func (c *Client) KID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kid
}

// SetKID restores a previously registered account URL so requests are
// signed with the kid header instead of an embedded JWK.
func (c *Client) SetKID(kid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kid = kid
}

// Discover fetches and caches the directory. Network failures are
// retried with exponential backoff.
func (c *Client) Discover(ctx context.Context) (*Directory, error) {
	c.mu.Lock()
	if c.dir != nil {
		dir := c.dir
		c.mu.Unlock()
		return dir, nil
	}
	c.mu.Unlock()

	var dir Directory
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.directoryURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", userAgent)
		res, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			return fmt.Errorf("directory %s: status %d", c.directoryURL, res.StatusCode)
		}
		return json.NewDecoder(res.Body).Decode(&dir)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("fetch directory: %w", err)
	}

	c.mu.Lock()
	c.dir = &dir
	c.mu.Unlock()
	return &dir, nil
}

// popNonce returns a stored nonce or fetches a fresh one from newNonce.
func (c *Client) popNonce(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.nonce != "" {
		n := c.nonce
		c.nonce = ""
		c.mu.Unlock()
		return n, nil
	}
	c.mu.Unlock()

	dir, err := c.Discover(ctx)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, dir.NewNonce, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)
	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch nonce: %w", err)
	}
	defer res.Body.Close()
	nonce := res.Header.Get("Replay-Nonce")
	if nonce == "" {
		return "", fmt.Errorf("fetch nonce: no Replay-Nonce header from %s", dir.NewNonce)
	}
	return nonce, nil
}

func (c *Client) storeNonce(res *http.Response) {
	if nonce := res.Header.Get("Replay-Nonce"); nonce != "" {
		c.mu.Lock()
		c.nonce = nonce
		c.mu.Unlock()
	}
}

type nonceSource struct {
	nonce string
}

func (n nonceSource) Nonce() (string, error) { return n.nonce, nil }

func sigAlgorithm(key crypto.Signer) (jose.SignatureAlgorithm, error) {
	switch key.Public().(type) {
	case *ecdsa.PublicKey:
		return jose.ES256, nil
	case *rsa.PublicKey:
		return jose.RS256, nil
	default:
		return "", fmt.Errorf("unsupported account key type %T", key.Public())
	}
}

// signJWS produces a flattened-JSON JWS for url. With an empty kid the
// account JWK is embedded (new-account only), otherwise the kid header
// is used.
func (c *Client) signJWS(url, nonce string, payload []byte, embedJWK bool) ([]byte, error) {
	alg, err := sigAlgorithm(c.key)
	if err != nil {
		return nil, err
	}
	opts := &jose.SignerOptions{
		NonceSource: nonceSource{nonce: nonce},
		EmbedJWK:    embedJWK,
	}
	opts.WithHeader("url", url)
	if !embedJWK {
		c.mu.Lock()
		kid := c.kid
		c.mu.Unlock()
		if kid == "" {
			return nil, fmt.Errorf("sign request to %s: account not registered", url)
		}
		opts.WithHeader("kid", kid)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: c.key}, opts)
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign payload: %w", err)
	}
	return []byte(jws.FullSerialize()), nil
}

// post sends a JWS-signed POST. A nil payload means POST-as-GET. On a
// badNonce problem the request is re-signed with a fresh nonce and
// retried exactly once.
func (c *Client) post(ctx context.Context, url string, payload []byte, embedJWK bool) (*http.Response, error) {
	res, err := c.postOnce(ctx, url, payload, embedJWK)
	if err == nil {
		return res, nil
	}
	var prob *Problem
	if AsProblem(err, &prob) && prob.IsBadNonce() {
		c.logger.Debug().Str("url", url).Msg("bad nonce, retrying once")
		return c.postOnce(ctx, url, payload, embedJWK)
	}
	return nil, err
}

func (c *Client) postOnce(ctx context.Context, url string, payload []byte, embedJWK bool) (*http.Response, error) {
	nonce, err := c.popNonce(ctx)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		payload = []byte{}
	}
	body, err := c.signJWS(url, nonce, payload, embedJWK)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/jose+json")
	req.Header.Set("User-Agent", userAgent)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", url, err)
	}
	c.storeNonce(res)

	if res.StatusCode >= 400 {
		defer res.Body.Close()
		return nil, readProblem(res)
	}
	return res, nil
}

// postJSON does a signed POST and decodes the JSON response into out.
// It returns the response Location header.
func (c *Client) postJSON(ctx context.Context, url string, payload any, embedJWK bool, out any) (string, error) {
	var raw []byte
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("marshal payload: %w", err)
		}
	}
	res, err := c.post(ctx, url, raw, embedJWK)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return "", fmt.Errorf("decode response from %s: %w", url, err)
		}
	} else {
		io.Copy(io.Discard, res.Body)
	}
	return res.Header.Get("Location"), nil
}
