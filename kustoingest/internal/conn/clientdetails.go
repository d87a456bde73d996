package conn

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/Azure/azure-kusto-ingest-go/kustoingest/internal/version"
)

// ClientDetails carries the values sent in the x-ms-app, x-ms-user and
// x-ms-client-version tracing headers.
type ClientDetails struct {
	// applicationForTracing is the name of the application for tracing.
	applicationForTracing string
	// userNameForTracing is the name of the user for tracing.
	userNameForTracing string
}

// NewClientDetails creates a new ClientDetails. Empty values fall back to
// process-derived defaults at header time.
func NewClientDetails(applicationForTracing string, userNameForTracing string) *ClientDetails {
	return &ClientDetails{applicationForTracing: applicationForTracing, userNameForTracing: userNameForTracing}
}

const none = "[none]"

type tracingValues struct {
	application string
	user        string
	version     string
}

var defaultTracingValuesOnce sync.Once
var defaultTracingValues tracingValues

func defaultTracing() tracingValues {
	defaultTracingValuesOnce.Do(func() {
		defaultTracingValues.application = filepath.Base(os.Args[0])
		if defaultTracingValues.application == "" {
			defaultTracingValues.application = none
		}

		defaultTracingValues.user = none
		if u, err := user.Current(); err == nil && u.Username != "" {
			defaultTracingValues.user = u.Username
		}

		defaultTracingValues.version = fmt.Sprintf("Kusto.Go.Ingest.Client:%s|Runtime.%s:%s",
			version.Ingest, escapeField(runtime.Version()), escapeField(runtime.GOOS))
	})
	return defaultTracingValues
}

// escapeField strips the characters that delimit tracing header fields.
func escapeField(s string) string {
	return strings.NewReplacer("|", "_", "{", "(", "}", ")").Replace(s)
}

func (c *ClientDetails) ApplicationForTracing() string {
	if c == nil || c.applicationForTracing == "" {
		return defaultTracing().application
	}
	return c.applicationForTracing
}

func (c *ClientDetails) UserNameForTracing() string {
	if c == nil || c.userNameForTracing == "" {
		return defaultTracing().user
	}
	return c.userNameForTracing
}

func (c *ClientDetails) ClientVersionForTracing() string {
	return defaultTracing().version
}
