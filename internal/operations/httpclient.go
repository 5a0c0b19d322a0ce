package operations

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/flowrunner/internal/kvstore"
	"github.com/rakunlabs/flowrunner/internal/message"
	"github.com/rakunlabs/flowrunner/internal/registry"
)

// httpClientOperation makes an HTTP request.
//
// Params:
//
//	"url":                  string — request URL (required)
//	"method":               string — HTTP method (default "GET")
//	"headers":              map    — request headers
//	"body":                 string or object — request body; objects are
//	                                 JSON-encoded
//	"timeout":              number — timeout in seconds (default 30)
//	"proxy":                string — HTTP/HTTPS/SOCKS5 proxy URL
//	"insecure_skip_verify": bool   — skip TLS verification
//	"retry":                bool   — enable automatic retry
//
// Output: "status_code", "response" (parsed JSON when possible, else the
// raw string), "headers", "status_class" ("success" for 2xx, "error" for
// >=400, "other" otherwise).
type httpClientOperation struct {
	url      string
	method   string
	headers  map[string]string
	body     string
	timeout  time.Duration
	proxy    string
	insecure bool
	retry    bool
}

func init() {
	registry.Register("http_client", func() registry.Operation { return &httpClientOperation{} })
}

func (o *httpClientOperation) Validate(params map[string]any) error {
	o.url = paramString(params, "url")
	if o.url == "" {
		return errors.New("http_client: 'url' is required")
	}

	o.method = strings.ToUpper(paramString(params, "method"))
	if o.method == "" {
		o.method = http.MethodGet
	}

	o.headers = make(map[string]string)
	for k, v := range paramMap(params, "headers") {
		if s, ok := v.(string); ok {
			o.headers[k] = s
		}
	}

	switch body := params["body"].(type) {
	case nil:
	case string:
		o.body = body
	default:
		b, err := json.Marshal(body)
		if err != nil {
			return errors.New("http_client: 'body' is not JSON-encodable")
		}
		o.body = string(b)
	}

	o.timeout = 30 * time.Second
	if t := paramInt(params, "timeout", 0); t > 0 {
		o.timeout = time.Duration(t) * time.Second
	}

	o.proxy = paramString(params, "proxy")
	o.insecure = paramBool(params, "insecure_skip_verify")
	o.retry = paramBool(params, "retry")

	return nil
}

func (o *httpClientOperation) Run(ctx context.Context, _ string, _, _ []message.Endpoint, _ map[string]any) (registry.Result, error) {
	reqCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	var body io.Reader
	if o.body != "" {
		body = strings.NewReader(o.body)
	}

	req, err := http.NewRequestWithContext(reqCtx, o.method, o.url, body)
	if err != nil {
		return ko(err), nil
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range o.headers {
		req.Header.Set(k, v)
	}

	client, err := o.buildClient()
	if err != nil {
		return ko(err), nil
	}

	resp, err := client.HTTP.Do(req)
	if err != nil {
		return ko(err), nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return ko(err), nil
	}

	var parsed any
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		parsed = string(respBody)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	statusClass := "other"
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		statusClass = "success"
	case resp.StatusCode >= 400:
		statusClass = "error"
	}

	output := map[string]any{
		"status_code":  resp.StatusCode,
		"response":     parsed,
		"headers":      respHeaders,
		"status_class": statusClass,
	}

	if statusClass == "error" {
		return registry.Result{
			Status: registry.StatusKo,
			Error:  "http_client: status " + resp.Status,
			Output: output,
		}, nil
	}

	return ok(output), nil
}

// buildClient creates a klient.Client with the operation's proxy / TLS /
// retry settings.
func (o *httpClientOperation) buildClient() (*klient.Client, error) {
	opts := []klient.OptionClientFn{
		klient.WithDisableBaseURLCheck(true),
		klient.WithDisableEnvValues(true),
	}
	if o.proxy != "" {
		opts = append(opts, klient.WithProxy(o.proxy))
	}
	if o.insecure {
		opts = append(opts, klient.WithInsecureSkipVerify(true))
	}
	opts = append(opts, klient.WithDisableRetry(!o.retry))

	return klient.New(opts...)
}

func (o *httpClientOperation) SetDatastore(kvstore.Store) {}

func (o *httpClientOperation) Metadata() registry.Metadata {
	return registry.Metadata{
		Name:        "http_client",
		Version:     "v1.0.0",
		Description: "make an HTTP request",
	}
}
