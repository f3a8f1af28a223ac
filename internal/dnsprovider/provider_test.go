package dnsprovider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/certfleet/internal/config"
)

func TestRelativeName(t *testing.T) {
	assert.Equal(t, "_acme-challenge", relativeName("example.com", "_acme-challenge.example.com"))
	assert.Equal(t, "_acme-challenge.www", relativeName("example.com", "_acme-challenge.www.example.com"))
	assert.Equal(t, "@", relativeName("example.com", "example.com"))
	assert.Equal(t, "_acme-challenge", relativeName("example.com.", "_acme-challenge.example.com."))
}

func TestNew_SelectsByConfigKey(t *testing.T) {
	p, err := New(&config.Config{DNSProvider: "cloudflare", CloudflareAPIToken: "tok"})
	require.NoError(t, err)
	assert.IsType(t, &Cloudflare{}, p)

	p, err = New(&config.Config{DNSProvider: "aliyun", AliyunAccessKeyID: "id", AliyunAccessSecret: "secret"})
	require.NoError(t, err)
	assert.IsType(t, &Aliyun{}, p)

	p, err = New(&config.Config{DNSProvider: "dnspod", DNSPodToken: "1,tok"})
	require.NoError(t, err)
	assert.IsType(t, &DNSPod{}, p)
}

func TestNew_Errors(t *testing.T) {
	_, err := New(&config.Config{})
	require.Error(t, err)

	_, err = New(&config.Config{DNSProvider: "route53"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown DNS provider")

	_, err = New(&config.Config{DNSProvider: "cloudflare"})
	require.Error(t, err)
}

// ---------- Aliyun ----------

func TestAliyun_AddTXT_SignsRequest(t *testing.T) {
	var seen map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = map[string]string{}
		for k, v := range r.URL.Query() {
			seen[k] = v[0]
		}
		w.Write([]byte(`{"RecordId":"123"}`))
	}))
	defer srv.Close()

	p, err := NewAliyun("ak-id", "ak-secret")
	require.NoError(t, err)
	p.endpoint = srv.URL + "/"

	err = p.AddTXT(context.Background(), "example.com", "_acme-challenge.example.com", "tok-v", 60)
	require.NoError(t, err)

	assert.Equal(t, "AddDomainRecord", seen["Action"])
	assert.Equal(t, "example.com", seen["DomainName"])
	assert.Equal(t, "_acme-challenge", seen["RR"])
	assert.Equal(t, "TXT", seen["Type"])
	assert.Equal(t, "tok-v", seen["Value"])
	assert.Equal(t, "600", seen["TTL"], "TTL should be floored to the alidns minimum")
	assert.Equal(t, "ak-id", seen["AccessKeyId"])
	assert.NotEmpty(t, seen["Signature"])
	assert.NotEmpty(t, seen["SignatureNonce"])
}

func TestAliyun_DeleteTXT_MatchesValue(t *testing.T) {
	var deleted []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("Action") {
		case "DescribeDomainRecords":
			json.NewEncoder(w).Encode(map[string]any{
				"DomainRecords": map[string]any{
					"Record": []map[string]string{
						{"RecordId": "1", "RR": "_acme-challenge", "Type": "TXT", "Value": "keep"},
						{"RecordId": "2", "RR": "_acme-challenge", "Type": "TXT", "Value": "drop"},
					},
				},
			})
		case "DeleteDomainRecord":
			deleted = append(deleted, r.URL.Query().Get("RecordId"))
			w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	p, err := NewAliyun("ak-id", "ak-secret")
	require.NoError(t, err)
	p.endpoint = srv.URL + "/"

	err = p.DeleteTXT(context.Background(), "example.com", "_acme-challenge.example.com", "drop")
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, deleted)
}

func TestAliyun_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"Code":"InvalidDomainName.NoExist","Message":"domain not found"}`))
	}))
	defer srv.Close()

	p, err := NewAliyun("ak-id", "ak-secret")
	require.NoError(t, err)
	p.endpoint = srv.URL + "/"

	err = p.AddTXT(context.Background(), "missing.example", "_acme-challenge.missing.example", "v", 60)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "InvalidDomainName.NoExist")
}

// ---------- DNSPod ----------

func TestDNSPod_AddTXT(t *testing.T) {
	var form map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/Record.Create", r.URL.Path)
		require.NoError(t, r.ParseForm())
		form = map[string]string{}
		for k, v := range r.PostForm {
			form[k] = v[0]
		}
		w.Write([]byte(`{"status":{"code":"1","message":"ok"}}`))
	}))
	defer srv.Close()

	p, err := NewDNSPod("13490,abcdef")
	require.NoError(t, err)
	p.endpoint = srv.URL

	err = p.AddTXT(context.Background(), "example.com", "_acme-challenge.example.com", "tok-v", 60)
	require.NoError(t, err)

	assert.Equal(t, "13490,abcdef", form["login_token"])
	assert.Equal(t, "example.com", form["domain"])
	assert.Equal(t, "_acme-challenge", form["sub_domain"])
	assert.Equal(t, "TXT", form["record_type"])
	assert.Equal(t, "tok-v", form["value"])
}

func TestDNSPod_ListTXT_NoRecordsCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":{"code":"10","message":"no records"}}`))
	}))
	defer srv.Close()

	p, err := NewDNSPod("1,tok")
	require.NoError(t, err)
	p.endpoint = srv.URL

	values, err := p.ListTXT(context.Background(), "example.com", "_acme-challenge.example.com")
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestDNSPod_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":{"code":"-15","message":"domain banned"}}`))
	}))
	defer srv.Close()

	p, err := NewDNSPod("1,tok")
	require.NoError(t, err)
	p.endpoint = srv.URL

	err = p.AddTXT(context.Background(), "example.com", "_acme-challenge.example.com", "v", 60)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "domain banned")
}
