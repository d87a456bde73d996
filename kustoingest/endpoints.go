package kustoingest

import (
	"net/url"
	"strconv"
	"strings"
)

const ingestPrefix = "ingest-"
const oneboxHost = "onebox.dev.kusto.windows.net"

// ToIngestEndpoint converts a cluster URI to its data-management form by inserting the
// "ingest-" prefix in front of the hostname. URIs that already carry the prefix and
// reserved hostnames (localhost, IP literals, onebox) are returned unchanged.
func ToIngestEndpoint(uri string) string {
	if uri == "" || strings.Contains(uri, ingestPrefix) || isReservedHostname(uri) {
		return uri
	}

	if idx := strings.Index(uri, "://"); idx >= 0 {
		return uri[:idx+3] + ingestPrefix + uri[idx+3:]
	}
	return ingestPrefix + uri
}

// ToQueryEndpoint converts a data-management URI to its query-engine form by removing
// the first "ingest-" occurrence. Reserved hostnames are returned unchanged.
func ToQueryEndpoint(uri string) string {
	if isReservedHostname(uri) {
		return uri
	}
	return strings.Replace(uri, ingestPrefix, "", 1)
}

// isReservedHostname reports whether the URI's host is excluded from the "ingest-"
// rewrite rule. Reserved hosts are: anything that fails to parse as an absolute URI,
// localhost, IPv4 and IPv6 literals, and the onebox development host.
func isReservedHostname(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil {
		return true
	}
	if u.Scheme == "" || u.Host == "" {
		return true
	}

	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if isIPv4Literal(host) {
		return true
	}
	// A bracketed authority is an IPv6 literal.
	if strings.HasPrefix(u.Host, "[") {
		return true
	}
	return strings.EqualFold(host, oneboxHost)
}

// isIPv4Literal reports whether host is four dot-separated integers, each in [0, 255].
// Names like "192.shouldwork.1.1" are not IPv4 literals.
func isIPv4Literal(host string) bool {
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return false
	}
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 255 {
			return false
		}
	}
	return true
}
