package resources

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		desc           string
		url            string
		err            bool
		wantAccount    string
		wantObjectName string
	}{
		{
			desc: "no object name provided",
			url:  "https://account.invalid.core.windows.net/",
			err:  true,
		},
		{
			desc: "bad scheme",
			url:  "http://account.blob.core.windows.net/objectname",
			err:  true,
		},
		{
			desc: "empty account",
			url:  "https://.blob.core.windows.net/objectname",
			err:  true,
		},
		{
			desc:           "success",
			url:            "https://account.blob.core.windows.net/objectname",
			wantAccount:    "account.blob.core.windows.net",
			wantObjectName: "objectname",
		},
		{
			desc:           "success non-public",
			url:            "https://account.blob.kusto.chinacloudapi.cn/objectname",
			wantAccount:    "account.blob.kusto.chinacloudapi.cn",
			wantObjectName: "objectname",
		},
		{
			desc:           "success dns zone",
			url:            "https://account.z01.blob.storage.azure.net/objectname",
			wantAccount:    "account.z01.blob.storage.azure.net",
			wantObjectName: "objectname",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.desc, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(test.url)

			if test.err {
				assert.Error(t, err)
				return
			}

			assert.NoError(t, err)
			assert.Equal(t, test.wantAccount, got.Account())
			assert.Equal(t, test.wantObjectName, got.ObjectName())
			assert.Equal(t, test.url, got.String())
		})
	}
}

func config(containers, lakeFolders []string, preferred string) *ConfigurationResponse {
	conf := &ConfigurationResponse{}
	for _, c := range containers {
		conf.ContainerSettings.Containers = append(conf.ContainerSettings.Containers, ContainerInfo{Path: c, Kind: KindStorage})
	}
	for _, l := range lakeFolders {
		conf.ContainerSettings.LakeFolders = append(conf.ContainerSettings.LakeFolders, ContainerInfo{Path: l, Kind: KindLake})
	}
	conf.ContainerSettings.PreferredUploadMethod = preferred
	return conf
}

func TestGetConfigurationCaching(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	m := NewManager(func(_ context.Context) (*ConfigurationResponse, error) {
		calls.Add(1)
		return config([]string{"https://account.blob.core.windows.net/c1"}, nil, ""), nil
	})

	clock := time.Now()
	m.now = func() time.Time { return clock }

	first, err := m.GetConfiguration(context.Background())
	require.NoError(t, err)

	// Fresh reads hit the cache.
	for i := 0; i < 5; i++ {
		got, err := m.GetConfiguration(context.Background())
		require.NoError(t, err)
		assert.Same(t, first, got)
	}
	assert.Equal(t, int32(1), calls.Load())

	// Past the TTL a single refresh happens.
	clock = clock.Add(DefaultCacheTTL + time.Minute)
	got, err := m.GetConfiguration(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, got)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetConfigurationConcurrentBurst(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	release := make(chan struct{})
	m := NewManager(func(_ context.Context) (*ConfigurationResponse, error) {
		calls.Add(1)
		<-release
		return config([]string{"https://account.blob.core.windows.net/c1"}, nil, ""), nil
	})

	const burst = 20
	results := make([]*ConfigurationResponse, burst)
	wg := sync.WaitGroup{}
	for i := 0; i < burst; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := m.GetConfiguration(context.Background())
			assert.NoError(t, err)
			results[i] = got
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 1; i < burst; i++ {
		assert.Same(t, results[0], results[i])
	}
}

func TestGetConfigurationStaleSurvivesError(t *testing.T) {
	t.Parallel()

	var fail atomic.Bool
	var calls atomic.Int32
	m := NewManager(func(_ context.Context) (*ConfigurationResponse, error) {
		calls.Add(1)
		if fail.Load() {
			return nil, fmt.Errorf("service unavailable")
		}
		return config([]string{"https://account.blob.core.windows.net/c1"}, nil, ""), nil
	})

	clock := time.Now()
	m.now = func() time.Time { return clock }

	_, err := m.GetConfiguration(context.Background())
	require.NoError(t, err)

	// A failed refresh surfaces the error but does not poison the cache.
	clock = clock.Add(DefaultCacheTTL + time.Minute)
	fail.Store(true)
	_, err = m.GetConfiguration(context.Background())
	require.Error(t, err)

	// The next caller retries the fetch and recovers.
	fail.Store(false)
	got, err := m.GetConfiguration(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSelectContainers(t *testing.T) {
	t.Parallel()

	storage := []string{
		"https://account.blob.core.windows.net/c1",
		"https://account.blob.core.windows.net/c2",
	}
	lake := []string{
		"https://account.dfs.core.windows.net/f1",
	}

	tests := []struct {
		desc     string
		conf     *ConfigurationResponse
		method   UploadMethod
		err      bool
		wantKind string
	}{
		{
			desc:   "no targets at all",
			conf:   config(nil, nil, ""),
			method: UploadDefault,
			err:    true,
		},
		{
			desc:     "only storage, lake requested",
			conf:     config(storage, nil, ""),
			method:   UploadLake,
			wantKind: KindStorage,
		},
		{
			desc:     "only lake, storage requested",
			conf:     config(nil, lake, ""),
			method:   UploadStorage,
			wantKind: KindLake,
		},
		{
			desc:     "both, default follows preference Lake",
			conf:     config(storage, lake, "lake"),
			method:   UploadDefault,
			wantKind: KindLake,
		},
		{
			desc:     "both, default with unknown preference is storage",
			conf:     config(storage, lake, "Whatever"),
			method:   UploadDefault,
			wantKind: KindStorage,
		},
		{
			desc:     "both, explicit storage wins over preference",
			conf:     config(storage, lake, "Lake"),
			method:   UploadStorage,
			wantKind: KindStorage,
		},
		{
			desc:     "both, explicit lake",
			conf:     config(storage, lake, "Storage"),
			method:   UploadLake,
			wantKind: KindLake,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.desc, func(t *testing.T) {
			t.Parallel()

			m := NewManager(func(_ context.Context) (*ConfigurationResponse, error) {
				return test.conf, nil
			})

			queue, err := m.SelectContainers(context.Background(), test.method)
			if test.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.wantKind, queue.Next().Kind)
		})
	}
}

func TestSelectContainersRoundRobin(t *testing.T) {
	t.Parallel()

	m := NewManager(func(_ context.Context) (*ConfigurationResponse, error) {
		return config([]string{
			"https://account.blob.core.windows.net/c1",
			"https://account.blob.core.windows.net/c2",
		}, nil, ""), nil
	})

	queue, err := m.SelectContainers(context.Background(), UploadDefault)
	require.NoError(t, err)

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, queue.Next().Path)
	}
	assert.Equal(t, []string{
		"https://account.blob.core.windows.net/c1",
		"https://account.blob.core.windows.net/c2",
		"https://account.blob.core.windows.net/c1",
		"https://account.blob.core.windows.net/c2",
	}, got)

	// The cursor is shared: a second selection continues the rotation instead
	// of starting over.
	second, err := m.SelectContainers(context.Background(), UploadDefault)
	require.NoError(t, err)
	assert.Equal(t, "https://account.blob.core.windows.net/c1", second.Next().Path)
	assert.Equal(t, "https://account.blob.core.windows.net/c2", queue.Next().Path)
}
