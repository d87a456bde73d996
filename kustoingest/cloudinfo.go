package kustoingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/Azure/azure-kusto-ingest-go/kustoingest/errors"
	"github.com/Azure/azure-kusto-ingest-go/kustoingest/internal/utils"
)

// CloudInfo holds the authentication metadata of a service deployment, fetched
// from the cluster's metadata endpoint.
type CloudInfo struct {
	LoginEndpoint          string `json:"LoginEndpoint"`
	LoginMfaRequired       bool   `json:"LoginMfaRequired"`
	KustoClientAppID       string `json:"KustoClientAppId"`
	KustoClientRedirectURI string `json:"KustoClientRedirectUri"`
	KustoServiceResourceID string `json:"KustoServiceResourceId"`
	FirstPartyAuthorityURL string `json:"FirstPartyAuthorityUrl"`
}

const metadataPath = "v1/rest/auth/metadata"

var defaultCloudInfo = CloudInfo{
	LoginEndpoint:          "https://login.microsoftonline.com",
	LoginMfaRequired:       false,
	KustoClientAppID:       "db662dc1-0cfe-4e1c-a843-19a68e65be58",
	KustoClientRedirectURI: "https://microsoft/kustoclient",
	KustoServiceResourceID: "https://kusto.kusto.windows.net",
	FirstPartyAuthorityURL: "https://login.microsoftonline.com/f8cdef31-a31e-4b4a-93e4-5f571e91255a",
}

var (
	cloudInfoMu    sync.Mutex
	cloudInfoCache = map[string]utils.Once[CloudInfo]{}
)

// GetMetadata returns the cloud metadata for the cluster at endpoint. The result
// is cached per endpoint for the lifetime of the process. Clusters that do not
// expose the metadata endpoint fall back to the public cloud defaults.
func GetMetadata(ctx context.Context, endpoint string, client *http.Client) (CloudInfo, error) {
	cloudInfoMu.Lock()
	once, ok := cloudInfoCache[endpoint]
	if !ok {
		once = utils.NewOnce[CloudInfo]()
		cloudInfoCache[endpoint] = once
	}
	cloudInfoMu.Unlock()

	return once.Do(func() (CloudInfo, error) {
		return fetchCloudInfo(ctx, endpoint, client)
	})
}

func fetchCloudInfo(ctx context.Context, endpoint string, client *http.Client) (CloudInfo, error) {
	fullURL := fmt.Sprintf("%s/%s", strings.TrimRight(endpoint, "/"), metadataPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return CloudInfo{}, errors.ES(errors.OpServConn, errors.KClientArgs, "could not build the metadata request for %s: %s", endpoint, err).SetNoRetry()
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return CloudInfo{}, errors.E(errors.OpServConn, errors.KIO, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// Not all proxies implement the metadata endpoint; assume public cloud.
		return defaultCloudInfo, nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(resp.Body)
		return CloudInfo{}, errors.HTTP(errors.OpServConn, resp.Status, resp.StatusCode, body,
			fmt.Sprintf("error querying the metadata endpoint %s", fullURL))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CloudInfo{}, errors.E(errors.OpServConn, errors.KIO, err)
	}
	if len(body) == 0 {
		return defaultCloudInfo, nil
	}

	var metadata map[string]json.RawMessage
	if err := json.Unmarshal(body, &metadata); err != nil {
		return CloudInfo{}, errors.ES(errors.OpServConn, errors.KInternal, "could not parse the metadata response: %s", err)
	}

	azureAD, ok := metadata["AzureAD"]
	if !ok {
		return defaultCloudInfo, nil
	}

	info := CloudInfo{}
	if err := json.Unmarshal(azureAD, &info); err != nil {
		return CloudInfo{}, errors.ES(errors.OpServConn, errors.KInternal, "could not parse the AzureAD metadata: %s", err)
	}
	return info, nil
}
