package dnsprovider

import (
	"context"
	"fmt"

	"github.com/cloudflare/cloudflare-go"
)

// Cloudflare manages TXT records through the Cloudflare v4 API.
// Authentication is either a scoped API token or the legacy
// email + global key pair.
type Cloudflare struct {
	api *cloudflare.API
}

func NewCloudflare(apiToken, email, globalKey string) (*Cloudflare, error) {
	var api *cloudflare.API
	var err error
	switch {
	case apiToken != "":
		api, err = cloudflare.NewWithAPIToken(apiToken)
	case email != "" && globalKey != "":
		api, err = cloudflare.New(globalKey, email)
	default:
		return nil, fmt.Errorf("cloudflare: no credentials configured")
	}
	if err != nil {
		return nil, fmt.Errorf("cloudflare: init client: %w", err)
	}
	return &Cloudflare{api: api}, nil
}

func (c *Cloudflare) AddTXT(ctx context.Context, zone, name, value string, ttl int) error {
	zoneID, err := c.api.ZoneIDByName(zone)
	if err != nil {
		return fmt.Errorf("cloudflare: resolve zone %s: %w", zone, err)
	}

	_, err = c.api.CreateDNSRecord(ctx, cloudflare.ZoneIdentifier(zoneID), cloudflare.CreateDNSRecordParams{
		Type:    "TXT",
		Name:    name,
		Content: value,
		TTL:     ttl,
	})
	if err != nil {
		return fmt.Errorf("cloudflare: create TXT %s: %w", name, err)
	}
	return nil
}

func (c *Cloudflare) DeleteTXT(ctx context.Context, zone, name, value string) error {
	zoneID, err := c.api.ZoneIDByName(zone)
	if err != nil {
		return fmt.Errorf("cloudflare: resolve zone %s: %w", zone, err)
	}
	rc := cloudflare.ZoneIdentifier(zoneID)

	records, _, err := c.api.ListDNSRecords(ctx, rc, cloudflare.ListDNSRecordsParams{
		Type:    "TXT",
		Name:    name,
		Content: value,
	})
	if err != nil {
		return fmt.Errorf("cloudflare: list TXT %s: %w", name, err)
	}

	for _, r := range records {
		if err := c.api.DeleteDNSRecord(ctx, rc, r.ID); err != nil {
			return fmt.Errorf("cloudflare: delete TXT %s: %w", name, err)
		}
	}
	return nil
}

func (c *Cloudflare) ListTXT(ctx context.Context, zone, name string) ([]string, error) {
	zoneID, err := c.api.ZoneIDByName(zone)
	if err != nil {
		return nil, fmt.Errorf("cloudflare: resolve zone %s: %w", zone, err)
	}

	records, _, err := c.api.ListDNSRecords(ctx, cloudflare.ZoneIdentifier(zoneID), cloudflare.ListDNSRecordsParams{
		Type: "TXT",
		Name: name,
	})
	if err != nil {
		return nil, fmt.Errorf("cloudflare: list TXT %s: %w", name, err)
	}

	values := make([]string, 0, len(records))
	for _, r := range records {
		values = append(values, r.Content)
	}
	return values, nil
}
