package conf

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/replicatedhq/testcontent/pkg/docker"
)

const (
	DefaultFromVersion = "0.0.0"
	DefaultToVersion   = "99.99.99"
	DefaultTestTimeout = 30
)

// StringList decodes from either a JSON string or a list of strings.
type StringList []string

func (l *StringList) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s == "" {
			*l = nil
		} else {
			*l = StringList{s}
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return errors.Wrap(err, "expected a string or a list of strings")
	}
	*l = list
	return nil
}

func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

// PlaybookInput is the value of one external playbook input.
type PlaybookInput struct {
	Simple  string      `json:"simple,omitempty"`
	Complex interface{} `json:"complex,omitempty"`
}

// ExternalPlaybookConfig lists playbook inputs to override for the duration of
// a test.
type ExternalPlaybookConfig struct {
	PlaybookID      string                   `json:"playbookID"`
	InputParameters map[string]PlaybookInput `json:"input_parameters"`
}

// InstanceConfiguration holds per-test overrides of the configured instances.
type InstanceConfiguration struct {
	ClassifierID     string `json:"classifier_id,omitempty"`
	IncomingMapperID string `json:"incoming_mapper_id,omitempty"`
	IncidentType     string `json:"incident_type,omitempty"`
}

// TestConfiguration describes one test playbook of the catalog. Fields the
// catalog carries but this type does not model are kept in Extra.
type TestConfiguration struct {
	PlaybookID             string                  `json:"playbookID"`
	Integrations           StringList              `json:"integrations,omitempty"`
	InstanceNames          StringList              `json:"instance_names,omitempty"`
	FromVersion            string                  `json:"fromversion,omitempty"`
	ToVersion              string                  `json:"toversion,omitempty"`
	Timeout                int                     `json:"timeout,omitempty"`
	MemoryThreshold        int                     `json:"memory_threshold,omitempty"`
	PIDThreshold           int                     `json:"pid_threshold,omitempty"`
	RunnableOnDockerOnly   bool                    `json:"runnable_on_docker_only,omitempty"`
	Marketplaces           StringList              `json:"marketplaces,omitempty"`
	InstanceConfiguration  *InstanceConfiguration  `json:"instance_configuration,omitempty"`
	ExternalPlaybookConfig *ExternalPlaybookConfig `json:"external_playbook_config,omitempty"`
	Nightly                bool                    `json:"nightly,omitempty"`
	ContextPrintDT         string                  `json:"context_print_dt,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type testConfigurationAlias TestConfiguration

var knownTestFields = map[string]bool{
	"playbookID": true, "integrations": true, "instance_names": true, "fromversion": true,
	"toversion": true, "timeout": true, "memory_threshold": true, "pid_threshold": true,
	"runnable_on_docker_only": true, "marketplaces": true, "instance_configuration": true,
	"external_playbook_config": true, "nightly": true, "context_print_dt": true,
}

func (c *TestConfiguration) UnmarshalJSON(b []byte) error {
	var alias testConfigurationAlias
	if err := json.Unmarshal(b, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if knownTestFields[k] {
			continue
		}
		if alias.Extra == nil {
			alias.Extra = map[string]json.RawMessage{}
		}
		alias.Extra[k] = v
	}
	*c = TestConfiguration(alias)
	return nil
}

func (c TestConfiguration) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(testConfigurationAlias(c))
	if err != nil || len(c.Extra) == 0 {
		return b, err
	}
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, err
	}
	for k, v := range c.Extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

func (c *TestConfiguration) applyDefaults(defaultTimeout int) {
	if c.FromVersion == "" {
		c.FromVersion = DefaultFromVersion
	}
	if c.ToVersion == "" {
		c.ToVersion = DefaultToVersion
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if c.MemoryThreshold == 0 {
		c.MemoryThreshold = docker.DefaultMemoryThresholdMiB
	}
	if c.PIDThreshold == 0 {
		c.PIDThreshold = docker.DefaultPIDThreshold
	}
}

func (c TestConfiguration) String() string {
	s := c.PlaybookID
	if len(c.Integrations) > 0 {
		s += " (" + strings.Join(c.Integrations, ", ") + ")"
	}
	return s
}

// DockerThresholds holds per-image resource budgets.
type DockerThresholds struct {
	Images map[string]docker.Threshold `json:"images"`
}

// Catalog is the test configuration file.
type Catalog struct {
	TestTimeout          int                 `json:"testTimeout"`
	Tests                []TestConfiguration `json:"tests"`
	SkippedTests         map[string]string   `json:"skipped_tests"`
	SkippedIntegrations  map[string]string   `json:"skipped_integrations"`
	NightlyIntegrations  []string            `json:"nightly_integrations"`
	ParallelIntegrations []string            `json:"parallel_integrations"`
	DockerThresholds     DockerThresholds    `json:"docker_thresholds"`
}

// Test returns the configuration of a playbook.
func (c *Catalog) Test(playbookID string) (TestConfiguration, bool) {
	for _, t := range c.Tests {
		if t.PlaybookID == playbookID {
			return t, true
		}
	}
	return TestConfiguration{}, false
}

// IsParallel reports whether an integration can be used by concurrent builds.
func (c *Catalog) IsParallel(integration string) bool {
	return StringList(c.ParallelIntegrations).Contains(integration)
}

// IsNightlyIntegration reports whether an integration only runs in nightly builds.
func (c *Catalog) IsNightlyIntegration(integration string) bool {
	return StringList(c.NightlyIntegrations).Contains(integration)
}

// IntegrationConfiguration is one entry of the secret catalog.
type IntegrationConfiguration struct {
	Name                     string                 `json:"name"`
	InstanceName             string                 `json:"instance_name,omitempty"`
	IsBYOI                   *bool                  `json:"byoi,omitempty"`
	ShouldValidateTestModule *bool                  `json:"validate_test,omitempty"`
	Params                   map[string]interface{} `json:"params"`
}

func (c IntegrationConfiguration) BYOI() bool {
	return c.IsBYOI == nil || *c.IsBYOI
}

func (c IntegrationConfiguration) ValidateTestModule() bool {
	return c.ShouldValidateTestModule == nil || *c.ShouldValidateTestModule
}

// SecretCatalog is the secret configuration file.
type SecretCatalog struct {
	Username     string                     `json:"username"`
	UserPassword string                     `json:"userPassword"`
	Integrations []IntegrationConfiguration `json:"integrations"`
}

// Candidates returns the secret entries for an integration.
func (s *SecretCatalog) Candidates(name string) []IntegrationConfiguration {
	var out []IntegrationConfiguration
	for _, c := range s.Integrations {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// MachineTests is the set of tests assigned to one machine.
type MachineTests struct {
	Tests struct {
		TestPlaybooks []string `json:"TestPlaybooks"`
	} `json:"tests"`
}

// MachineAssignment maps a machine id to its tests.
type MachineAssignment map[string]MachineTests

// CloudServer is one entry of the cloud servers file.
type CloudServer struct {
	UIURL   string `json:"ui_url"`
	BaseURL string `json:"base_url"`
	AuthID  string `json:"x-xdr-auth-id"`
}

// CloudAPIKey is one entry of the cloud API keys file.
type CloudAPIKey struct {
	APIKey string `json:"api-key"`
	AuthID string `json:"x-xdr-auth-id"`
}

// Credentials are the resolved credentials of a SaaS machine.
type Credentials struct {
	APIKey  string
	AuthID  string
	BaseURL string
	UIURL   string
}

// EnvResult is one entry of the env results file of on-prem builds.
type EnvResult struct {
	AmiName     string `json:"AmiName"`
	Role        string `json:"Role"`
	InstanceDNS string `json:"InstanceDNS"`
	TunnelPort  int    `json:"TunnelPort,omitempty"`
}
