package kustoingest

import (
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

// ConnectionStringBuilder names the cluster endpoint and the credential used to
// talk to it. Build it with NewConnectionStringBuilder and one of the With*
// methods; a builder without credentials produces an unauthenticated client,
// which only test clusters accept.
type ConnectionStringBuilder struct {
	DataSource                     string
	ApplicationClientID            string
	ApplicationKey                 string
	AuthorityID                    string
	ApplicationToken               string
	MsiAuthentication              bool
	ManagedServiceIdentityClientID string
	AzCli                          bool
	DefaultAuth                    bool
	TokenCredential                azcore.TokenCredential

	// ApplicationForTracing and UserForTracing feed the x-ms-app and x-ms-user
	// headers. Empty values fall back to process-derived defaults.
	ApplicationForTracing string
	UserForTracing        string
}

// NewConnectionStringBuilder creates a builder for the given endpoint.
func NewConnectionStringBuilder(endpoint string) *ConnectionStringBuilder {
	if endpoint == "" {
		panic("error: Connection string cannot be empty")
	}
	return &ConnectionStringBuilder{DataSource: endpoint}
}

// WithAadAppKey authenticates with an AAD application id and key.
func (kcsb *ConnectionStringBuilder) WithAadAppKey(appID string, appKey string, authorityID string) *ConnectionStringBuilder {
	if appID == "" {
		panic("error: Application Client ID cannot be null")
	}
	if appKey == "" {
		panic("error: Application Key cannot be null")
	}
	kcsb.ApplicationClientID = appID
	kcsb.ApplicationKey = appKey
	kcsb.AuthorityID = authorityID
	return kcsb
}

// WithApplicationToken authenticates with a pre-acquired bearer token. Token
// refresh is the caller's responsibility.
func (kcsb *ConnectionStringBuilder) WithApplicationToken(token string) *ConnectionStringBuilder {
	if token == "" {
		panic("error: Application token cannot be null")
	}
	kcsb.ApplicationToken = token
	return kcsb
}

// WithSystemManagedIdentity authenticates with the system-assigned managed
// identity of the hosting environment.
func (kcsb *ConnectionStringBuilder) WithSystemManagedIdentity() *ConnectionStringBuilder {
	kcsb.MsiAuthentication = true
	return kcsb
}

// WithUserManagedIdentity authenticates with a user-assigned managed identity.
func (kcsb *ConnectionStringBuilder) WithUserManagedIdentity(clientID string) *ConnectionStringBuilder {
	if clientID == "" {
		panic("error: Client ID cannot be null")
	}
	kcsb.MsiAuthentication = true
	kcsb.ManagedServiceIdentityClientID = clientID
	return kcsb
}

// WithAzCli authenticates with the identity logged into the Azure CLI.
func (kcsb *ConnectionStringBuilder) WithAzCli() *ConnectionStringBuilder {
	kcsb.AzCli = true
	return kcsb
}

// WithDefaultAzureCredential authenticates with the azidentity default
// credential chain.
func (kcsb *ConnectionStringBuilder) WithDefaultAzureCredential() *ConnectionStringBuilder {
	kcsb.DefaultAuth = true
	return kcsb
}

// WithTokenCredential authenticates with a caller-supplied azcore credential.
func (kcsb *ConnectionStringBuilder) WithTokenCredential(credential azcore.TokenCredential) *ConnectionStringBuilder {
	kcsb.TokenCredential = credential
	return kcsb
}

func (kcsb *ConnectionStringBuilder) authorizationRequired() bool {
	return kcsb.ApplicationToken != "" ||
		kcsb.ApplicationClientID != "" ||
		kcsb.MsiAuthentication ||
		kcsb.AzCli ||
		kcsb.DefaultAuth ||
		kcsb.TokenCredential != nil
}
