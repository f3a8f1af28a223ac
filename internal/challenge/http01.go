package challenge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// HTTP01Solver publishes ACME HTTP-01 tokens into a shared webroot that
// the fleet's web servers already serve. It does not serve HTTP itself.
type HTTP01Solver struct {
	webRoot string
	logger  zerolog.Logger
	client  *http.Client

	// probeBase overrides the "http://<domain>" prefix of the
	// self-verification URL. Tests point it at a local server.
	probeBase string
	// skipProbe disables self-verification entirely.
	skipProbe bool
}

func NewHTTP01Solver(webRoot string, logger zerolog.Logger) *HTTP01Solver {
	return &HTTP01Solver{
		webRoot: webRoot,
		logger:  logger.With().Str("component", "http01-solver").Logger(),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Publish writes the key authorization under
// <webroot>/.well-known/acme-challenge/<token> and verifies it is
// reachable with a local GET before returning.
func (s *HTTP01Solver) Publish(ctx context.Context, domain, token, keyAuth string) error {
	challengeDir := filepath.Join(s.webRoot, ".well-known", "acme-challenge")
	if err := os.MkdirAll(challengeDir, 0o755); err != nil {
		return fmt.Errorf("create challenge dir: %w", err)
	}

	challengeFile := filepath.Join(challengeDir, token)
	if err := os.WriteFile(challengeFile, []byte(keyAuth), 0o644); err != nil {
		return fmt.Errorf("write challenge file: %w", err)
	}

	if s.skipProbe {
		return nil
	}
	if err := s.selfCheck(ctx, domain, token, keyAuth); err != nil {
		s.Withdraw(token)
		return &Error{Method: "http-01", Detail: err.Error()}
	}
	return nil
}

func (s *HTTP01Solver) selfCheck(ctx context.Context, domain, token, keyAuth string) error {
	base := s.probeBase
	if base == "" {
		base = "http://" + domain
	}
	url := base + "/.well-known/acme-challenge/" + token

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	res, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("self-check GET %s: %w", url, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("self-check GET %s: status %d", url, res.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, 4096))
	if err != nil {
		return fmt.Errorf("self-check read body: %w", err)
	}
	if string(body) != keyAuth {
		return fmt.Errorf("self-check body mismatch for token %s", token)
	}
	return nil
}

// Withdraw removes the token file. Failures are logged, never surfaced.
func (s *HTTP01Solver) Withdraw(token string) {
	challengeFile := filepath.Join(s.webRoot, ".well-known", "acme-challenge", token)
	if err := os.Remove(challengeFile); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("token", token).Msg("failed to remove challenge file")
	}
	// Best effort: also remove empty dirs.
	os.Remove(filepath.Join(s.webRoot, ".well-known", "acme-challenge"))
	os.Remove(filepath.Join(s.webRoot, ".well-known"))
}
