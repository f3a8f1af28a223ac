package challenge

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/edvin/certfleet/internal/dnsprovider"
)

const (
	dns01TTL          = 60
	dns01PollInterval = 5 * time.Second
	dns01Timeout      = 120 * time.Second
)

// DNS01Solver publishes _acme-challenge TXT records and confirms they
// are visible on the zone's authoritative nameservers before the CA is
// told to validate.
type DNS01Solver struct {
	provider dnsprovider.Provider
	logger   zerolog.Logger

	resolver     string
	pollInterval time.Duration
	timeout      time.Duration

	// Overridable in tests.
	queryTXT func(ctx context.Context, server, fqdn string) ([]string, error)
	queryNS  func(ctx context.Context, zone string) ([]string, error)
}

func NewDNS01Solver(provider dnsprovider.Provider, logger zerolog.Logger) *DNS01Solver {
	s := &DNS01Solver{
		provider:     provider,
		logger:       logger.With().Str("component", "dns01-solver").Logger(),
		resolver:     systemResolver(),
		pollInterval: dns01PollInterval,
		timeout:      dns01Timeout,
	}
	s.queryTXT = s.lookupTXT
	s.queryNS = s.lookupNS
	return s
}

// RecordName returns the TXT owner name for a domain, with any
// wildcard label stripped per RFC 8555 §8.4.
func RecordName(domain string) string {
	return "_acme-challenge." + strings.TrimPrefix(domain, "*.")
}

// Publish creates the TXT record and polls the zone's authoritative
// nameservers until at least one of them serves the expected value. A
// record that never converged is taken down again before returning, so
// a failed publication leaves no TXT behind.
func (s *DNS01Solver) Publish(ctx context.Context, zone, domain, value string) error {
	name := RecordName(domain)
	if err := s.provider.AddTXT(ctx, zone, name, value, dns01TTL); err != nil {
		return fmt.Errorf("add TXT %s: %w", name, err)
	}
	if err := s.waitVisible(ctx, zone, name, value); err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		s.Withdraw(cleanupCtx, zone, domain, value)
		return err
	}
	return nil
}

func (s *DNS01Solver) waitVisible(ctx context.Context, zone, name, value string) error {
	deadline := time.Now().Add(s.timeout)
	servers, err := s.queryNS(ctx, zone)
	if err != nil || len(servers) == 0 {
		return &Error{Method: "dns-01", Detail: fmt.Sprintf("resolve nameservers for %s: %v", zone, err)}
	}

	for {
		for _, server := range servers {
			values, err := s.queryTXT(ctx, server, dns.Fqdn(name))
			if err != nil {
				s.logger.Debug().Err(err).Str("server", server).Str("name", name).Msg("TXT query failed")
				continue
			}
			for _, v := range values {
				if v == value {
					return nil
				}
			}
		}
		if time.Now().After(deadline) {
			return &Error{Method: "dns-01", Detail: fmt.Sprintf("TXT %s not visible on authoritative nameservers within %s", name, s.timeout)}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

// Withdraw deletes the TXT record. Cleanup runs after both successful
// and failed validations; failures are logged, never surfaced.
func (s *DNS01Solver) Withdraw(ctx context.Context, zone, domain, value string) {
	name := RecordName(domain)
	if err := s.provider.DeleteTXT(ctx, zone, name, value); err != nil {
		s.logger.Warn().Err(err).Str("name", name).Msg("failed to remove TXT record")
	}
}

// FindZone walks up the label tree from the domain until a name with
// an SOA record is found. That name is the zone the provider manages.
func (s *DNS01Solver) FindZone(ctx context.Context, domain string) (string, error) {
	labels := strings.Split(strings.TrimPrefix(strings.TrimSuffix(domain, "."), "*."), ".")
	for i := 0; i < len(labels)-1; i++ {
		candidate := strings.Join(labels[i:], ".")
		if s.hasSOA(ctx, candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no zone found for %s", domain)
}

func (s *DNS01Solver) hasSOA(ctx context.Context, name string) bool {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeSOA)
	c := &dns.Client{Timeout: 5 * time.Second}
	res, _, err := c.ExchangeContext(ctx, m, s.resolver)
	if err != nil || res.Rcode != dns.RcodeSuccess {
		return false
	}
	for _, rr := range res.Answer {
		if soa, ok := rr.(*dns.SOA); ok && strings.EqualFold(soa.Hdr.Name, dns.Fqdn(name)) {
			return true
		}
	}
	return false
}

func (s *DNS01Solver) lookupNS(ctx context.Context, zone string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(zone), dns.TypeNS)
	c := &dns.Client{Timeout: 5 * time.Second}
	res, _, err := c.ExchangeContext(ctx, m, s.resolver)
	if err != nil {
		return nil, err
	}
	var servers []string
	for _, rr := range res.Answer {
		if ns, ok := rr.(*dns.NS); ok {
			servers = append(servers, net.JoinHostPort(strings.TrimSuffix(ns.Ns, "."), "53"))
		}
	}
	return servers, nil
}

func (s *DNS01Solver) lookupTXT(ctx context.Context, server, fqdn string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(fqdn, dns.TypeTXT)
	c := &dns.Client{Timeout: 5 * time.Second}
	res, _, err := c.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, err
	}
	var values []string
	for _, rr := range res.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			values = append(values, strings.Join(txt.Txt, ""))
		}
	}
	return values, nil
}

func systemResolver() string {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return "127.0.0.1:53"
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port)
}
