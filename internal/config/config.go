package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
)

type Config struct {
	CoreDatabaseURL string
	StoreRoot       string
	// StoreMasterKey is the base64 std-encoded 32-byte key used to
	// encrypt ACME account keys at rest.
	StoreMasterKey string

	DefaultCA   string
	ACMEEmail   string
	ACMEStaging bool
	// ZeroSSL requires External Account Binding credentials.
	ZeroSSLEABKid     string
	ZeroSSLEABHMACKey string

	RenewalDays        int
	RenewalTick        time.Duration
	WorkerPoolSize     int
	DefaultMonitorFreq int

	HTTP01WebRoot string

	DNSProvider         string
	CloudflareAPIToken  string
	CloudflareEmail     string
	CloudflareGlobalKey string
	AliyunAccessKeyID   string
	AliyunAccessSecret  string
	DNSPodToken         string

	// CARegistryFile optionally points at a YAML file overriding per-CA
	// rate-limit quotas.
	CARegistryFile string

	MetricsListenAddr string
	LogLevel          string
	// NodeID identifies this engine instance in log context.
	NodeID string
}

func Load() (*Config, error) {
	cfg := &Config{
		CoreDatabaseURL: getEnv("CORE_DATABASE_URL", ""),
		StoreRoot:       getEnv("CERT_STORE_ROOT", "/var/lib/certfleet"),
		StoreMasterKey:  getEnv("CERT_STORE_MASTER_KEY", ""),

		DefaultCA:         getEnv("DEFAULT_CA", "letsencrypt"),
		ACMEEmail:         getEnv("ACME_EMAIL", ""),
		ACMEStaging:       getEnvBool("ACME_STAGING", false),
		ZeroSSLEABKid:     getEnv("ZEROSSL_EAB_KID", ""),
		ZeroSSLEABHMACKey: getEnv("ZEROSSL_EAB_HMAC_KEY", ""),

		RenewalDays:        getEnvInt("RENEWAL_DAYS", 30),
		RenewalTick:        getEnvDuration("RENEWAL_TICK", time.Hour),
		WorkerPoolSize:     getEnvInt("WORKER_POOL_SIZE", runtime.NumCPU()*2),
		DefaultMonitorFreq: getEnvInt("DEFAULT_MONITOR_FREQ", 3600),

		HTTP01WebRoot: getEnv("HTTP01_WEBROOT", "/var/www/acme"),

		DNSProvider:         getEnv("DNS_PROVIDER", ""),
		CloudflareAPIToken:  getEnv("CLOUDFLARE_API_TOKEN", ""),
		CloudflareEmail:     getEnv("CLOUDFLARE_EMAIL", ""),
		CloudflareGlobalKey: getEnv("CLOUDFLARE_GLOBAL_KEY", ""),
		AliyunAccessKeyID:   getEnv("ALIYUN_ACCESS_KEY_ID", ""),
		AliyunAccessSecret:  getEnv("ALIYUN_ACCESS_KEY_SECRET", ""),
		DNSPodToken:         getEnv("DNSPOD_TOKEN", ""),

		CARegistryFile: getEnv("CA_REGISTRY_FILE", ""),

		MetricsListenAddr: getEnv("METRICS_LISTEN_ADDR", ":9109"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		NodeID:            getEnv("NODE_ID", ""),
	}

	return cfg, nil
}

// Validate checks the fields the engine cannot run without.
func (c *Config) Validate() error {
	if c.CoreDatabaseURL == "" {
		return fmt.Errorf("CORE_DATABASE_URL is required")
	}
	if c.ACMEEmail == "" {
		return fmt.Errorf("ACME_EMAIL is required")
	}
	if c.StoreRoot == "" {
		return fmt.Errorf("CERT_STORE_ROOT is required")
	}
	if c.RenewalDays <= 0 {
		return fmt.Errorf("RENEWAL_DAYS must be positive, got %d", c.RenewalDays)
	}
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("WORKER_POOL_SIZE must be positive, got %d", c.WorkerPoolSize)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
