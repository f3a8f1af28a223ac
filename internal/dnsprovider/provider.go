package dnsprovider

import (
	"context"
	"fmt"
	"strings"

	"github.com/edvin/certfleet/internal/config"
)

// Provider is the capability surface the DNS-01 solver needs from a DNS
// host. name is the fully-qualified record name
// (e.g. _acme-challenge.example.com); zone is the registered domain.
type Provider interface {
	AddTXT(ctx context.Context, zone, name, value string, ttl int) error
	DeleteTXT(ctx context.Context, zone, name, value string) error
	ListTXT(ctx context.Context, zone, name string) ([]string, error)
}

// Provider configuration keys.
const (
	ProviderCloudflare = "cloudflare"
	ProviderAliyun     = "aliyun"
	ProviderDNSPod     = "dnspod"
)

// New selects a provider implementation by configuration key.
func New(cfg *config.Config) (Provider, error) {
	switch cfg.DNSProvider {
	case ProviderCloudflare:
		return NewCloudflare(cfg.CloudflareAPIToken, cfg.CloudflareEmail, cfg.CloudflareGlobalKey)
	case ProviderAliyun:
		return NewAliyun(cfg.AliyunAccessKeyID, cfg.AliyunAccessSecret)
	case ProviderDNSPod:
		return NewDNSPod(cfg.DNSPodToken)
	case "":
		return nil, fmt.Errorf("no DNS provider configured")
	default:
		return nil, fmt.Errorf("unknown DNS provider %q", cfg.DNSProvider)
	}
}

// relativeName strips the zone suffix from a fully-qualified record name.
func relativeName(zone, name string) string {
	rr := strings.TrimSuffix(name, ".")
	zone = strings.TrimSuffix(zone, ".")
	rr = strings.TrimSuffix(rr, "."+zone)
	if rr == zone {
		return "@"
	}
	return rr
}
