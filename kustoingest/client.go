package kustoingest

import (
	"context"
	"net/url"
	"strings"

	"github.com/Azure/azure-kusto-ingest-go/kustoingest/errors"
	"github.com/Azure/azure-kusto-ingest-go/kustoingest/internal/conn"
	"github.com/Azure/azure-kusto-ingest-go/kustoingest/trustedendpoints"
)

// newConnection builds the authenticated connection used by both the queued and
// the streaming client. The endpoint is vetted against the trusted endpoint list
// before any credential is exercised against it.
func newConnection(kcsb *ConnectionStringBuilder, endpoint string, o *clientOptions) (*conn.Conn, error) {
	if err := validateEndpoint(kcsb, endpoint, o); err != nil {
		return nil, err
	}

	details := conn.NewClientDetails(kcsb.ApplicationForTracing, kcsb.UserForTracing)
	return conn.NewConn(endpoint, newTokenProvider(kcsb, endpoint, o.httpClient), o.httpClient, details)
}

func validateEndpoint(kcsb *ConnectionStringBuilder, endpoint string, o *clientOptions) error {
	if o.skipSecurityChecks {
		return nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return errors.ES(errors.OpServConn, errors.KClientArgs, "could not parse the cluster endpoint %q: %s", endpoint, err).SetNoRetry()
	}
	// A caller-supplied token never transits a credential flow, so plain http is
	// tolerated for it. Everything else must use https.
	if !strings.EqualFold(u.Scheme, "https") && kcsb.ApplicationToken == "" {
		return errors.ES(errors.OpServConn, errors.KClientArgs,
			"cluster endpoint %q must use https, pass SkipSecurityChecks to talk to a local emulator", endpoint).SetNoRetry()
	}

	info, err := GetMetadata(context.Background(), endpoint, o.httpClient)
	if err != nil {
		return err
	}
	return trustedendpoints.Instance.ValidateTrustedEndpoint(endpoint, info.LoginEndpoint)
}
