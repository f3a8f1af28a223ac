package dnsprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const dnspodEndpoint = "https://dnsapi.cn"

// DNSPod manages TXT records through the dnsapi.cn form API,
// authenticated with an "id,token" login token.
type DNSPod struct {
	loginToken string

	endpoint string
	client   *http.Client
}

func NewDNSPod(token string) (*DNSPod, error) {
	if token == "" {
		return nil, fmt.Errorf("dnspod: no token configured")
	}
	return &DNSPod{
		loginToken: token,
		endpoint:   dnspodEndpoint,
		client:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type dnspodStatus struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type dnspodRecord struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

type dnspodListResponse struct {
	Status  dnspodStatus   `json:"status"`
	Records []dnspodRecord `json:"records"`
}

type dnspodCallResponse struct {
	Status dnspodStatus `json:"status"`
}

func (d *DNSPod) AddTXT(ctx context.Context, zone, name, value string, ttl int) error {
	form := url.Values{
		"domain":      {zone},
		"sub_domain":  {relativeName(zone, name)},
		"record_type": {"TXT"},
		"record_line_id": {"0"},
		"value":       {value},
		"ttl":         {strconv.Itoa(ttl)},
	}
	var resp dnspodCallResponse
	if err := d.call(ctx, "Record.Create", form, &resp); err != nil {
		return err
	}
	return dnspodOK("Record.Create", resp.Status)
}

func (d *DNSPod) DeleteTXT(ctx context.Context, zone, name, value string) error {
	records, err := d.listRecords(ctx, zone, name)
	if err != nil {
		return err
	}
	for _, r := range records {
		if r.Value != value {
			continue
		}
		form := url.Values{
			"domain":    {zone},
			"record_id": {r.ID},
		}
		var resp dnspodCallResponse
		if err := d.call(ctx, "Record.Remove", form, &resp); err != nil {
			return err
		}
		if err := dnspodOK("Record.Remove", resp.Status); err != nil {
			return err
		}
	}
	return nil
}

func (d *DNSPod) ListTXT(ctx context.Context, zone, name string) ([]string, error) {
	records, err := d.listRecords(ctx, zone, name)
	if err != nil {
		return nil, err
	}
	values := make([]string, 0, len(records))
	for _, r := range records {
		values = append(values, r.Value)
	}
	return values, nil
}

func (d *DNSPod) listRecords(ctx context.Context, zone, name string) ([]dnspodRecord, error) {
	form := url.Values{
		"domain":      {zone},
		"sub_domain":  {relativeName(zone, name)},
		"record_type": {"TXT"},
	}
	var resp dnspodListResponse
	if err := d.call(ctx, "Record.List", form, &resp); err != nil {
		return nil, err
	}
	// Code 10 means "no records", which is an empty list, not an error.
	if resp.Status.Code != "1" && resp.Status.Code != "10" {
		return nil, fmt.Errorf("dnspod: Record.List: %s (code %s)", resp.Status.Message, resp.Status.Code)
	}
	return resp.Records, nil
}

func (d *DNSPod) call(ctx context.Context, action string, form url.Values, out any) error {
	form.Set("login_token", d.loginToken)
	form.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.endpoint+"/"+action, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("dnspod: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dnspod: %s: %w", action, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("dnspod: %s: unexpected status %d", action, res.StatusCode)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("dnspod: decode %s response: %w", action, err)
	}
	return nil
}

func dnspodOK(action string, st dnspodStatus) error {
	if st.Code != "1" {
		return fmt.Errorf("dnspod: %s: %s (code %s)", action, st.Message, st.Code)
	}
	return nil
}
