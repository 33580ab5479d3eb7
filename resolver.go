package robin

import (
	"sort"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
)

// Resolver answers the MX lookups the relay client needs. It queries
// the system nameservers from /etc/resolv.conf, falling back to public
// resolvers when none are configured.
type Resolver struct {
	client      *mdns.Client
	nameservers []string
}

// NewResolver creates a resolver with a 5 second query timeout.
func NewResolver() *Resolver {
	return &Resolver{
		client:      &mdns.Client{Timeout: 5 * time.Second},
		nameservers: systemNameservers(),
	}
}

// NewResolverWithNameservers creates a resolver pinned to the given
// servers ("host:port"), for tests and fixed deployments.
func NewResolverWithNameservers(nameservers []string) *Resolver {
	return &Resolver{
		client:      &mdns.Client{Timeout: 5 * time.Second},
		nameservers: nameservers,
	}
}

func systemNameservers() []string {
	config, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(config.Servers) == 0 {
		return []string{"8.8.8.8:53", "1.1.1.1:53"}
	}
	servers := make([]string, 0, len(config.Servers))
	for _, s := range config.Servers {
		if !strings.Contains(s, ":") {
			s += ":53"
		}
		servers = append(servers, s)
	}
	return servers
}

// LookupMX returns the domain's mail exchangers ordered by preference.
// A domain with no MX records falls back to the domain itself per
// RFC 5321 section 5.1.
func (r *Resolver) LookupMX(domain string) ([]string, error) {
	m := new(mdns.Msg)
	m.SetQuestion(mdns.Fqdn(domain), mdns.TypeMX)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range r.nameservers {
		resp, _, err := r.client.Exchange(m, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != mdns.RcodeSuccess {
			continue
		}

		type mx struct {
			host string
			pref uint16
		}
		var records []mx
		for _, rr := range resp.Answer {
			if record, ok := rr.(*mdns.MX); ok {
				records = append(records, mx{
					host: strings.TrimSuffix(record.Mx, "."),
					pref: record.Preference,
				})
			}
		}
		if len(records) == 0 {
			// Implicit MX: deliver to the domain's own address record.
			return []string{domain}, nil
		}

		sort.SliceStable(records, func(i, j int) bool {
			return records[i].pref < records[j].pref
		})
		hosts := make([]string, len(records))
		for i, record := range records {
			hosts[i] = record.host
		}
		return hosts, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrNoMXRecords
}
