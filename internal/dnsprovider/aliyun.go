package dnsprovider

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const aliyunEndpoint = "https://alidns.aliyuncs.com/"

// Aliyun manages TXT records through the alidns RPC API, signed with
// HMAC-SHA1 per the Alibaba Cloud RPC signature scheme.
type Aliyun struct {
	accessKeyID string
	accessKeySecret string

	endpoint string
	client   *http.Client
}

func NewAliyun(accessKeyID, accessKeySecret string) (*Aliyun, error) {
	if accessKeyID == "" || accessKeySecret == "" {
		return nil, fmt.Errorf("aliyun: no credentials configured")
	}
	return &Aliyun{
		accessKeyID:     accessKeyID,
		accessKeySecret: accessKeySecret,
		endpoint:        aliyunEndpoint,
		client:          &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type aliyunRecord struct {
	RecordID string `json:"RecordId"`
	RR       string `json:"RR"`
	Type     string `json:"Type"`
	Value    string `json:"Value"`
}

type aliyunListResponse struct {
	DomainRecords struct {
		Record []aliyunRecord `json:"Record"`
	} `json:"DomainRecords"`
}

type aliyunErrorResponse struct {
	Code    string `json:"Code"`
	Message string `json:"Message"`
}

func (a *Aliyun) AddTXT(ctx context.Context, zone, name, value string, ttl int) error {
	// alidns floors TTL at 600 for most plans.
	if ttl < 600 {
		ttl = 600
	}
	params := map[string]string{
		"Action":     "AddDomainRecord",
		"DomainName": zone,
		"RR":         relativeName(zone, name),
		"Type":       "TXT",
		"Value":      value,
		"TTL":        strconv.Itoa(ttl),
	}
	return a.call(ctx, params, nil)
}

func (a *Aliyun) DeleteTXT(ctx context.Context, zone, name, value string) error {
	records, err := a.listRecords(ctx, zone, name)
	if err != nil {
		return err
	}
	for _, r := range records {
		if r.Value != value {
			continue
		}
		params := map[string]string{
			"Action":   "DeleteDomainRecord",
			"RecordId": r.RecordID,
		}
		if err := a.call(ctx, params, nil); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aliyun) ListTXT(ctx context.Context, zone, name string) ([]string, error) {
	records, err := a.listRecords(ctx, zone, name)
	if err != nil {
		return nil, err
	}
	values := make([]string, 0, len(records))
	for _, r := range records {
		values = append(values, r.Value)
	}
	return values, nil
}

func (a *Aliyun) listRecords(ctx context.Context, zone, name string) ([]aliyunRecord, error) {
	rr := relativeName(zone, name)
	params := map[string]string{
		"Action":     "DescribeDomainRecords",
		"DomainName": zone,
		"RRKeyWord":  rr,
		"Type":       "TXT",
		"PageSize":   "100",
	}

	var resp aliyunListResponse
	if err := a.call(ctx, params, &resp); err != nil {
		return nil, err
	}

	var out []aliyunRecord
	for _, r := range resp.DomainRecords.Record {
		if r.RR == rr && r.Type == "TXT" {
			out = append(out, r)
		}
	}
	return out, nil
}

// call signs and issues one RPC request, decoding the JSON body into out
// when non-nil.
func (a *Aliyun) call(ctx context.Context, params map[string]string, out any) error {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("aliyun: nonce: %w", err)
	}

	all := map[string]string{
		"Format":           "JSON",
		"Version":          "2015-01-09",
		"AccessKeyId":      a.accessKeyID,
		"SignatureMethod":  "HMAC-SHA1",
		"SignatureVersion": "1.0",
		"SignatureNonce":   hex.EncodeToString(nonce),
		"Timestamp":        time.Now().UTC().Format("2006-01-02T15:04:05Z"),
	}
	for k, v := range params {
		all[k] = v
	}
	all["Signature"] = a.sign(all)

	q := url.Values{}
	for k, v := range all {
		q.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("aliyun: build request: %w", err)
	}

	res, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("aliyun: %s: %w", params["Action"], err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		var apiErr aliyunErrorResponse
		if err := json.NewDecoder(res.Body).Decode(&apiErr); err == nil && apiErr.Code != "" {
			return fmt.Errorf("aliyun: %s: %s (%s)", params["Action"], apiErr.Message, apiErr.Code)
		}
		return fmt.Errorf("aliyun: %s: unexpected status %d", params["Action"], res.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return fmt.Errorf("aliyun: decode %s response: %w", params["Action"], err)
		}
	}
	return nil
}

// sign computes the RPC HMAC-SHA1 signature over the sorted,
// percent-encoded parameters.
func (a *Aliyun) sign(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, aliyunEncode(k)+"="+aliyunEncode(params[k]))
	}
	canonical := strings.Join(pairs, "&")
	stringToSign := "GET&" + aliyunEncode("/") + "&" + aliyunEncode(canonical)

	mac := hmac.New(sha1.New, []byte(a.accessKeySecret+"&"))
	mac.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// aliyunEncode is RFC 3986 percent-encoding with the alidns quirks
// applied on top of url.QueryEscape.
func aliyunEncode(s string) string {
	e := url.QueryEscape(s)
	e = strings.ReplaceAll(e, "+", "%20")
	e = strings.ReplaceAll(e, "*", "%2A")
	e = strings.ReplaceAll(e, "%7E", "~")
	return e
}
