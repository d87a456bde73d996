package kustoingest

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/Azure/azure-kusto-ingest-go/kustoingest/errors"
	"github.com/Azure/azure-kusto-ingest-go/kustoingest/internal/conn"
	"github.com/Azure/azure-kusto-ingest-go/kustoingest/internal/utils"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

// tokenProvider produces tokens for a cluster's audience. The credential and the
// scopes are resolved lazily on the first acquisition, because the scopes depend
// on the cluster's cloud metadata.
type tokenProvider struct {
	kcsb     *ConnectionStringBuilder
	endpoint string
	client   *http.Client

	init utils.OnceWithInit[*resolvedCredential]
}

type resolvedCredential struct {
	cred   azcore.TokenCredential
	scopes []string
}

func newTokenProvider(kcsb *ConnectionStringBuilder, endpoint string, client *http.Client) *tokenProvider {
	tp := &tokenProvider{kcsb: kcsb, endpoint: endpoint, client: client}
	tp.init = utils.NewOnceWithInit[*resolvedCredential](tp.resolve)
	return tp
}

func (tp *tokenProvider) AuthorizationRequired() bool {
	return tp.kcsb.authorizationRequired()
}

func (tp *tokenProvider) AcquireToken(ctx context.Context) (conn.Token, error) {
	if tp.kcsb.ApplicationToken != "" {
		return conn.Token{Value: tp.kcsb.ApplicationToken, Scheme: "Bearer"}, nil
	}

	resolved, err := tp.init.DoWithInit()
	if err != nil {
		return conn.Token{}, err
	}

	token, err := resolved.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: resolved.scopes})
	if err != nil {
		return conn.Token{}, errors.E(errors.OpTokenFetch, errors.KAuthentication, err).SetNoRetry()
	}
	return conn.Token{Value: token.Token, Scheme: "Bearer", ExpiresOn: token.ExpiresOn}, nil
}

func (tp *tokenProvider) resolve() (*resolvedCredential, error) {
	info, err := GetMetadata(context.Background(), tp.endpoint, tp.client)
	if err != nil {
		return nil, err
	}

	resourceURI := info.KustoServiceResourceID
	if info.LoginMfaRequired {
		resourceURI = strings.Replace(resourceURI, ".kusto.", ".kustomfa.", 1)
	}
	scopes := []string{fmt.Sprintf("%s/.default", resourceURI)}

	cred, err := tp.credential()
	if err != nil {
		return nil, err
	}
	return &resolvedCredential{cred: cred, scopes: scopes}, nil
}

func (tp *tokenProvider) credential() (azcore.TokenCredential, error) {
	kcsb := tp.kcsb
	switch {
	case kcsb.TokenCredential != nil:
		return kcsb.TokenCredential, nil
	case kcsb.ApplicationClientID != "":
		cred, err := azidentity.NewClientSecretCredential(kcsb.AuthorityID, kcsb.ApplicationClientID, kcsb.ApplicationKey, nil)
		if err != nil {
			return nil, errors.E(errors.OpTokenFetch, errors.KAuthentication, err).SetNoRetry()
		}
		return cred, nil
	case kcsb.MsiAuthentication:
		opts := &azidentity.ManagedIdentityCredentialOptions{}
		if kcsb.ManagedServiceIdentityClientID != "" {
			opts.ID = azidentity.ClientID(kcsb.ManagedServiceIdentityClientID)
		}
		cred, err := azidentity.NewManagedIdentityCredential(opts)
		if err != nil {
			return nil, errors.E(errors.OpTokenFetch, errors.KAuthentication, err).SetNoRetry()
		}
		return cred, nil
	case kcsb.AzCli:
		cred, err := azidentity.NewAzureCLICredential(nil)
		if err != nil {
			return nil, errors.E(errors.OpTokenFetch, errors.KAuthentication, err).SetNoRetry()
		}
		return cred, nil
	case kcsb.DefaultAuth:
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, errors.E(errors.OpTokenFetch, errors.KAuthentication, err).SetNoRetry()
		}
		return cred, nil
	}
	return nil, errors.ES(errors.OpTokenFetch, errors.KAuthentication, "no credentials were configured").SetNoRetry()
}
