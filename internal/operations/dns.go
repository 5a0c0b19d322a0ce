package operations

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/rakunlabs/flowrunner/internal/kvstore"
	"github.com/rakunlabs/flowrunner/internal/message"
	"github.com/rakunlabs/flowrunner/internal/registry"
)

// dnsQueryOperation resolves one or more names against a DNS server.
//
// Params:
//
//	"names":  array  — names to query (required)
//	"type":   string — record type: A, AAAA, CNAME, MX, TXT, NS, SRV
//	                    (default "A")
//	"server": string — DNS server as host:port (default "127.0.0.1:53")
//
// Output: "answers" — name → list of record strings.
type dnsQueryOperation struct {
	names  []string
	qtype  uint16
	server string
}

var dnsTypes = map[string]uint16{
	"A":     dns.TypeA,
	"AAAA":  dns.TypeAAAA,
	"CNAME": dns.TypeCNAME,
	"MX":    dns.TypeMX,
	"TXT":   dns.TypeTXT,
	"NS":    dns.TypeNS,
	"SRV":   dns.TypeSRV,
}

func init() {
	registry.Register("dns_query", func() registry.Operation { return &dnsQueryOperation{} })
}

func (o *dnsQueryOperation) Validate(params map[string]any) error {
	o.names = paramStringSlice(params, "names")
	if len(o.names) == 0 {
		return errors.New("dns_query: 'names' is required")
	}

	qtype := strings.ToUpper(paramString(params, "type"))
	if qtype == "" {
		qtype = "A"
	}
	t, okType := dnsTypes[qtype]
	if !okType {
		return fmt.Errorf("dns_query: unsupported record type %q", qtype)
	}
	o.qtype = t

	o.server = paramString(params, "server")
	if o.server == "" {
		o.server = "127.0.0.1:53"
	}

	return nil
}

func (o *dnsQueryOperation) Run(ctx context.Context, _ string, _, _ []message.Endpoint, _ map[string]any) (registry.Result, error) {
	client := &dns.Client{Timeout: 5 * time.Second}

	answers := make(map[string]any, len(o.names))
	for _, name := range o.names {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(name), o.qtype)
		msg.RecursionDesired = true

		resp, _, err := client.ExchangeContext(ctx, msg, o.server)
		if err != nil {
			return kof("dns_query: %s: %v", name, err), nil
		}
		if resp.Rcode != dns.RcodeSuccess {
			return kof("dns_query: %s: rcode %s", name, dns.RcodeToString[resp.Rcode]), nil
		}

		records := make([]any, 0, len(resp.Answer))
		for _, rr := range resp.Answer {
			records = append(records, rr.String())
		}
		answers[name] = records
	}

	return ok(map[string]any{"answers": answers}), nil
}

func (o *dnsQueryOperation) SetDatastore(kvstore.Store) {}

func (o *dnsQueryOperation) Metadata() registry.Metadata {
	return registry.Metadata{
		Name:        "dns_query",
		Version:     "v1.0.0",
		Description: "resolve DNS records",
	}
}
