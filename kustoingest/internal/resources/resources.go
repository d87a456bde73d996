// Package resources fetches and caches the ingestion configuration the service
// exposes, and hands out staging containers from it in round-robin order.
package resources

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azure/azure-kusto-ingest-go/kustoingest/errors"
	"github.com/rs/zerolog"
)

// URI represents a storage resource URI handed out by the service, in the form
// https://<account>/<objectName>?<sas>.
type URI struct {
	u          *url.URL
	account    string
	objectName string
	sas        url.Values
}

// Parse parses a storage resource URI.
func Parse(uri string) (*URI, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}

	if u.Scheme != "https" {
		return nil, errors.ES(errors.OpUnknown, errors.KClientArgs, "storage resource URI(%s) does not use the https scheme", uri).SetNoRetry()
	}
	if strings.HasPrefix(u.Host, ".") {
		return nil, errors.ES(errors.OpUnknown, errors.KClientArgs, "storage resource URI(%s) has an empty account name", uri).SetNoRetry()
	}

	objectName := strings.Trim(u.Path, "/")
	if objectName == "" || strings.Contains(objectName, "/") {
		return nil, errors.ES(errors.OpUnknown, errors.KClientArgs, "storage resource URI(%s) must name exactly one object", uri).SetNoRetry()
	}

	return &URI{
		u:          u,
		account:    u.Host,
		objectName: objectName,
		sas:        u.Query(),
	}, nil
}

// Account returns the account part of the URI, the full hostname.
func (u *URI) Account() string {
	return u.account
}

// ObjectName returns the container or folder name.
func (u *URI) ObjectName() string {
	return u.objectName
}

// SAS returns the shared access signature query values.
func (u *URI) SAS() url.Values {
	return u.sas
}

func (u *URI) String() string {
	return u.u.String()
}

// Container kinds as reported by the service.
const (
	KindStorage = "storage"
	KindLake    = "lake"
)

// ContainerInfo is a single staging target. Path is a SAS URL. The info is valid
// only until the next configuration refresh supersedes it.
type ContainerInfo struct {
	Path string `json:"path"`
	Kind string `json:"kind,omitempty"`
}

// URI parses the container's SAS URL.
func (c ContainerInfo) URI() (*URI, error) {
	return Parse(c.Path)
}

// ContainerSettings carries the staging targets and the service's preference
// between them.
type ContainerSettings struct {
	Containers            []ContainerInfo `json:"containers"`
	LakeFolders           []ContainerInfo `json:"lakeFolders"`
	PreferredUploadMethod string          `json:"preferredUploadMethod,omitempty"`
}

// ConfigurationResponse is the service's ingestion configuration document.
type ConfigurationResponse struct {
	ContainerSettings ContainerSettings `json:"containerSettings"`
}

// UploadMethod selects which container kind uploads go to.
type UploadMethod int

const (
	// UploadDefault defers to the service's preferred upload method.
	UploadDefault UploadMethod = iota
	// UploadStorage requests blob storage containers.
	UploadStorage
	// UploadLake requests lake folders.
	UploadLake
)

// FetchFunc retrieves a fresh configuration from the service.
type FetchFunc func(ctx context.Context) (*ConfigurationResponse, error)

// DefaultCacheTTL is how long a fetched configuration is served before a refresh.
const DefaultCacheTTL = 1 * time.Hour

// Manager caches the ingestion configuration and tracks round-robin cursors for
// container selection. The cursors outlive refreshes so load stays evenly spread.
type Manager struct {
	fetch FetchFunc
	ttl   time.Duration

	// fetchMu serializes refreshes; valMu guards the cached value.
	fetchMu   sync.Mutex
	valMu     sync.RWMutex
	cached    *ConfigurationResponse
	fetchedAt time.Time

	storageCursor atomic.Uint64
	lakeCursor    atomic.Uint64

	// now is replaceable for tests.
	now func() time.Time
}

// ManagerOption is an optional argument to NewManager.
type ManagerOption func(m *Manager)

// WithCacheTTL overrides the configuration cache TTL.
func WithCacheTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		m.ttl = ttl
	}
}

// NewManager returns a Manager that fetches configurations with fetch.
func NewManager(fetch FetchFunc, options ...ManagerOption) *Manager {
	m := &Manager{
		fetch: fetch,
		ttl:   DefaultCacheTTL,
		now:   time.Now,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// GetConfiguration returns the cached configuration, refreshing it when the TTL
// has passed. Concurrent callers on a stale cache trigger a single fetch. A failed
// refresh does not discard the previous value; the error is surfaced and the next
// caller retries.
func (m *Manager) GetConfiguration(ctx context.Context) (*ConfigurationResponse, error) {
	if conf, ok := m.fresh(); ok {
		return conf, nil
	}

	m.fetchMu.Lock()
	defer m.fetchMu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if conf, ok := m.fresh(); ok {
		return conf, nil
	}

	conf, err := m.fetch(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to refresh the ingestion configuration")
		if e := errors.GetKustoError(err); e != nil {
			return nil, err
		}
		return nil, errors.E(errors.OpConfiguration, errors.KOther, err)
	}

	m.valMu.Lock()
	m.cached = conf
	m.fetchedAt = m.now()
	m.valMu.Unlock()

	return conf, nil
}

func (m *Manager) fresh() (*ConfigurationResponse, bool) {
	m.valMu.RLock()
	defer m.valMu.RUnlock()
	if m.cached != nil && m.now().Sub(m.fetchedAt) < m.ttl {
		return m.cached, true
	}
	return nil, false
}

// ContainerQueue is a round-robin view over a container list. The cursor is shared
// with the Manager, so concurrent queues over the same kind interleave fairly.
type ContainerQueue struct {
	containers []ContainerInfo
	cursor     *atomic.Uint64
}

// Next returns the next container in round-robin order.
func (q *ContainerQueue) Next() ContainerInfo {
	idx := q.cursor.Add(1) - 1
	return q.containers[idx%uint64(len(q.containers))]
}

// Len returns how many distinct containers the queue cycles through.
func (q *ContainerQueue) Len() int {
	return len(q.containers)
}

// SelectContainers resolves the upload method against the current configuration
// and returns the matching round-robin container queue.
//
// When only one kind of target exists it is used regardless of the requested
// method. When both exist, UploadDefault follows the service's preference and an
// explicit method is honored.
func (m *Manager) SelectContainers(ctx context.Context, method UploadMethod) (*ContainerQueue, error) {
	conf, err := m.GetConfiguration(ctx)
	if err != nil {
		return nil, err
	}

	containers := conf.ContainerSettings.Containers
	lakeFolders := conf.ContainerSettings.LakeFolders

	switch {
	case len(containers) == 0 && len(lakeFolders) == 0:
		return nil, errors.ES(errors.OpConfiguration, errors.KBlobstore,
			"no storage containers or lake folders are defined, there is nowhere to upload to").SetNoRetry()
	case len(lakeFolders) == 0:
		return &ContainerQueue{containers: containers, cursor: &m.storageCursor}, nil
	case len(containers) == 0:
		return &ContainerQueue{containers: lakeFolders, cursor: &m.lakeCursor}, nil
	}

	useLake := method == UploadLake
	if method == UploadDefault {
		useLake = strings.EqualFold(conf.ContainerSettings.PreferredUploadMethod, "Lake")
	}

	if useLake {
		return &ContainerQueue{containers: lakeFolders, cursor: &m.lakeCursor}, nil
	}
	return &ContainerQueue{containers: containers, cursor: &m.storageCursor}, nil
}

// Close releases the manager. The cached configuration is dropped.
func (m *Manager) Close() {
	m.valMu.Lock()
	m.cached = nil
	m.valMu.Unlock()
}
