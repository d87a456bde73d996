// Package trustedendpoints validates service endpoints against a well-known list of
// trusted Kusto hostnames and suffixes, keyed by the AAD login endpoint the client
// authenticates against. Every outbound connection is gated by this validation unless
// the user explicitly installs an override policy or disables validation.
package trustedendpoints

import (
	_ "embed"
	"encoding/json"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/Azure/azure-kusto-ingest-go/kustoingest/errors"
	"github.com/Azure/azure-kusto-ingest-go/kustoingest/internal/utils"
	"github.com/samber/lo"
)

//go:embed well_known_kusto_endpoints.json
var wellKnownEndpointsData []byte

// wellKnownKustoEndpoints mirrors the shape of the packaged allowlist resource.
type wellKnownKustoEndpoints struct {
	AllowedEndpointsByLogin map[string]allowedEndpoints `json:"AllowedEndpointsByLogin"`
}

type allowedEndpoints struct {
	AllowedKustoSuffixes  []string `json:"AllowedKustoSuffixes"`
	AllowedKustoHostnames []string `json:"AllowedKustoHostnames"`
}

// MatchRule is a single hostname rule. When exact is set the hostname must equal the
// suffix (case-insensitive); otherwise the hostname must end with "." + suffix.
type MatchRule struct {
	suffix string
	exact  bool
}

// NewMatchRule creates a MatchRule for the given suffix or hostname.
func NewMatchRule(suffix string, exact bool) MatchRule {
	return MatchRule{suffix: suffix, exact: exact}
}

// fastSuffixMatcher matches hostnames against a rule set. Immutable after construction.
type fastSuffixMatcher struct {
	rules []MatchRule
}

func newFastSuffixMatcher(rules []MatchRule) *fastSuffixMatcher {
	normalized := lo.Map(rules, func(r MatchRule, _ int) MatchRule {
		return MatchRule{
			suffix: strings.ToLower(strings.TrimPrefix(r.suffix, ".")),
			exact:  r.exact,
		}
	})
	return &fastSuffixMatcher{rules: normalized}
}

func (m *fastSuffixMatcher) isMatch(hostname string) bool {
	if m == nil {
		return false
	}
	hostname = strings.ToLower(hostname)
	for _, rule := range m.rules {
		if hostname == rule.suffix {
			return true
		}
		if !rule.exact && strings.HasSuffix(hostname, "."+rule.suffix) {
			return true
		}
	}
	return false
}

// TrustedEndpoints validates endpoints for the process. Use Instance unless you need
// isolated state in tests.
type TrustedEndpoints struct {
	mu sync.RWMutex

	// matchers holds one matcher per lowercased login endpoint, built from the
	// packaged allowlist. Immutable after load.
	matchers map[string]*fastSuffixMatcher

	// additionalMatcher holds rules accumulated via AddTrustedHosts.
	additionalMatcher *fastSuffixMatcher

	// overridePolicy, when set, takes the decision for a hostname.
	overridePolicy func(hostname string) bool

	// validationEnabled gates the terminal failure. When off, an untrusted endpoint
	// logs a warning instead of failing.
	validationEnabled bool
}

// Instance is the process-wide validator, loaded from the packaged allowlist.
var Instance = mustLoad()

func mustLoad() *TrustedEndpoints {
	data := wellKnownKustoEndpoints{}
	if err := json.Unmarshal(wellKnownEndpointsData, &data); err != nil {
		panic("trustedendpoints: packaged well_known_kusto_endpoints.json is invalid: " + err.Error())
	}

	matchers := make(map[string]*fastSuffixMatcher, len(data.AllowedEndpointsByLogin))
	for login, allowed := range data.AllowedEndpointsByLogin {
		rules := make([]MatchRule, 0, len(allowed.AllowedKustoSuffixes)+len(allowed.AllowedKustoHostnames))
		for _, suffix := range allowed.AllowedKustoSuffixes {
			rules = append(rules, MatchRule{suffix: suffix, exact: false})
		}
		for _, host := range allowed.AllowedKustoHostnames {
			rules = append(rules, MatchRule{suffix: host, exact: true})
		}
		matchers[strings.ToLower(login)] = newFastSuffixMatcher(rules)
	}

	return &TrustedEndpoints{
		matchers:          matchers,
		validationEnabled: true,
	}
}

// SetOverridePolicy installs f as the authoritative decision for matching hostnames.
// A nil f removes the override. When f returns false the regular validation chain is
// still consulted.
func (t *TrustedEndpoints) SetOverridePolicy(f func(hostname string) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overridePolicy = f
}

// SetValidationEnabled toggles the terminal failure for untrusted endpoints. When
// disabled, untrusted endpoints log a warning and pass.
func (t *TrustedEndpoints) SetValidationEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.validationEnabled = enabled
}

// AddTrustedHosts adds rules to the validator beyond the packaged allowlist. When
// replace is set, previously added rules are discarded first. Passing nil rules with
// replace resets the additional rules.
func (t *TrustedEndpoints) AddTrustedHosts(rules []MatchRule, replace bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if replace {
		t.additionalMatcher = nil
	}
	if len(rules) == 0 {
		return
	}

	if t.additionalMatcher != nil {
		rules = append(t.additionalMatcher.rules, rules...)
	}
	t.additionalMatcher = newFastSuffixMatcher(rules)
}

// ValidateTrustedEndpoint checks that the endpoint is trusted for the given login
// endpoint. Returns nil when trusted, or a permanent *errors.Error when not.
func (t *TrustedEndpoints) ValidateTrustedEndpoint(endpoint string, loginEndpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return errors.ES(errors.OpServConn, errors.KClientArgs, "endpoint is not a valid URI(%s): %s", endpoint, err).SetNoRetry()
	}

	host := u.Hostname()
	if host == "" {
		host = endpoint
	}
	return t.validateHostnameIsTrusted(host, loginEndpoint)
}

func (t *TrustedEndpoints) validateHostnameIsTrusted(hostname string, loginEndpoint string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.overridePolicy != nil && t.overridePolicy(hostname) {
		return nil
	}

	if matcher, ok := t.matchers[strings.ToLower(loginEndpoint)]; ok && matcher.isMatch(hostname) {
		return nil
	}

	if t.additionalMatcher.isMatch(hostname) {
		return nil
	}

	if isLocalAddress(hostname) {
		return nil
	}

	if !t.validationEnabled {
		utils.Logger.Warn().Str("hostname", hostname).Msg("endpoint validation is disabled, accepting untrusted hostname")
		return nil
	}

	return errors.ES(
		errors.OpServConn,
		errors.KClientArgs,
		"Can't communicate with '%s' as this hostname is currently not trusted; please see https://aka.ms/kustotrustedendpoints",
		hostname,
	).SetNoRetry()
}

// isLocalAddress reports whether hostname refers to the local machine.
func isLocalAddress(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	ip := net.ParseIP(strings.Trim(hostname, "[]"))
	return ip != nil && ip.IsLoopback()
}
