// Package calimit knows the supported certificate authorities and
// enforces client-side order budgets so the engine never trips the
// CAs' own rate limits.
package calimit

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Well-known CA names.
const (
	CALetsEncrypt        = "letsencrypt"
	CALetsEncryptStaging = "letsencrypt-staging"
	CAZeroSSL            = "zerossl"
	CABuypass            = "buypass"
)

// CA describes one certificate authority and its client-side budgets.
type CA struct {
	Name         string `yaml:"name"`
	DirectoryURL string `yaml:"directory_url"`
	RequiresEAB  bool   `yaml:"requires_eab"`

	// WeeklyOrders caps new orders per account per sliding week.
	WeeklyOrders int `yaml:"weekly_orders"`
	// WeeklyDuplicates caps orders for the same domain set per week.
	// Renewals are exempt.
	WeeklyDuplicates int `yaml:"weekly_duplicates"`
	// MaxPending caps simultaneously in-flight orders.
	MaxPending int `yaml:"max_pending"`
}

// Registry maps CA names to their definitions.
type Registry struct {
	cas map[string]CA
}

func builtins() map[string]CA {
	return map[string]CA{
		CALetsEncrypt: {
			Name:             CALetsEncrypt,
			DirectoryURL:     "https://acme-v02.api.letsencrypt.org/directory",
			WeeklyOrders:     300,
			WeeklyDuplicates: 5,
			MaxPending:       300,
		},
		CALetsEncryptStaging: {
			Name:             CALetsEncryptStaging,
			DirectoryURL:     "https://acme-staging-v02.api.letsencrypt.org/directory",
			WeeklyOrders:     3000,
			WeeklyDuplicates: 30,
			MaxPending:       300,
		},
		CAZeroSSL: {
			Name:             CAZeroSSL,
			DirectoryURL:     "https://acme.zerossl.com/v2/DV90",
			RequiresEAB:      true,
			WeeklyOrders:     200,
			WeeklyDuplicates: 5,
			MaxPending:       200,
		},
		CABuypass: {
			Name:             CABuypass,
			DirectoryURL:     "https://api.buypass.com/acme/directory",
			WeeklyOrders:     100,
			WeeklyDuplicates: 5,
			MaxPending:       100,
		},
	}
}

// NewRegistry returns the built-in CA set, optionally overlaid with
// definitions from a YAML file. File entries replace built-ins of the
// same name and may add new CAs.
func NewRegistry(overrideFile string) (*Registry, error) {
	cas := builtins()
	if overrideFile != "" {
		data, err := os.ReadFile(overrideFile)
		if err != nil {
			return nil, fmt.Errorf("read CA registry file: %w", err)
		}
		var overrides struct {
			CAs []CA `yaml:"cas"`
		}
		if err := yaml.Unmarshal(data, &overrides); err != nil {
			return nil, fmt.Errorf("parse CA registry file: %w", err)
		}
		for _, ca := range overrides.CAs {
			if ca.Name == "" || ca.DirectoryURL == "" {
				return nil, fmt.Errorf("CA registry file: entries need name and directory_url")
			}
			cas[ca.Name] = ca
		}
	}
	return &Registry{cas: cas}, nil
}

// NewRegistryFromCAs builds a registry from explicit definitions,
// without the built-ins.
func NewRegistryFromCAs(cas []CA) (*Registry, error) {
	m := make(map[string]CA, len(cas))
	for _, ca := range cas {
		if ca.Name == "" || ca.DirectoryURL == "" {
			return nil, fmt.Errorf("CA definitions need name and directory_url")
		}
		m[ca.Name] = ca
	}
	return &Registry{cas: m}, nil
}

// Get returns the CA definition for name.
func (r *Registry) Get(name string) (CA, error) {
	ca, ok := r.cas[name]
	if !ok {
		return CA{}, fmt.Errorf("unknown CA %q", name)
	}
	return ca, nil
}

// Names lists the registered CA names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.cas))
	for name := range r.cas {
		names = append(names, name)
	}
	return names
}
