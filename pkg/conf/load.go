// Package conf loads the input files of a test-content run: the test catalog,
// the secret catalog, the machine assignment and the per-machine credential
// files. Every file may be JSON or YAML.
package conf

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"sigs.k8s.io/yaml"
)

// ConfigError is a malformed or unreadable input file. It aborts the run.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func load(fs afero.Fs, path string, into interface{}) error {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return &ConfigError{Path: path, Err: err}
	}
	if err := yaml.Unmarshal(b, into); err != nil {
		return &ConfigError{Path: path, Err: errors.Wrap(err, "decode")}
	}
	return nil
}

// LoadCatalog reads the test catalog and applies the per-test defaults.
func LoadCatalog(fs afero.Fs, path string) (*Catalog, error) {
	catalog := &Catalog{}
	if err := load(fs, path, catalog); err != nil {
		return nil, err
	}
	if catalog.TestTimeout == 0 {
		catalog.TestTimeout = DefaultTestTimeout
	}
	seen := map[string]bool{}
	for i := range catalog.Tests {
		t := &catalog.Tests[i]
		if t.PlaybookID == "" {
			return nil, &ConfigError{Path: path, Err: errors.Errorf("test %d has no playbookID", i)}
		}
		if seen[t.PlaybookID] {
			return nil, &ConfigError{Path: path, Err: errors.Errorf("duplicate playbookID %q", t.PlaybookID)}
		}
		seen[t.PlaybookID] = true
		t.applyDefaults(catalog.TestTimeout)
	}
	if catalog.SkippedTests == nil {
		catalog.SkippedTests = map[string]string{}
	}
	if catalog.SkippedIntegrations == nil {
		catalog.SkippedIntegrations = map[string]string{}
	}
	return catalog, nil
}

// LoadSecrets reads the secret catalog.
func LoadSecrets(fs afero.Fs, path string) (*SecretCatalog, error) {
	secrets := &SecretCatalog{}
	if err := load(fs, path, secrets); err != nil {
		return nil, err
	}
	for i := range secrets.Integrations {
		c := &secrets.Integrations[i]
		if c.Name == "" {
			return nil, &ConfigError{Path: path, Err: errors.Errorf("integration %d has no name", i)}
		}
		if c.InstanceName == "" {
			c.InstanceName = c.Name
		}
		if c.Params == nil {
			c.Params = map[string]interface{}{}
		}
	}
	return secrets, nil
}

// LoadMachineAssignment reads the machine assignment file.
func LoadMachineAssignment(fs afero.Fs, path string) (MachineAssignment, error) {
	assignment := MachineAssignment{}
	if err := load(fs, path, &assignment); err != nil {
		return nil, err
	}
	return assignment, nil
}

// LoadEnvResults reads the env results file of on-prem builds.
func LoadEnvResults(fs afero.Fs, path string) ([]EnvResult, error) {
	var results []EnvResult
	if err := load(fs, path, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// LoadCloudCredentials joins the cloud servers file with the API keys file for
// the given machines.
func LoadCloudCredentials(fs afero.Fs, serversPath, keysPath string, machines []string) (map[string]Credentials, error) {
	servers := map[string]CloudServer{}
	if err := load(fs, serversPath, &servers); err != nil {
		return nil, err
	}
	keys := map[string]CloudAPIKey{}
	if err := load(fs, keysPath, &keys); err != nil {
		return nil, err
	}

	creds := map[string]Credentials{}
	for _, machine := range machines {
		server, ok := servers[machine]
		if !ok {
			return nil, &ConfigError{Path: serversPath, Err: errors.Errorf("machine %q not found", machine)}
		}
		key, ok := keys[machine]
		if !ok {
			return nil, &ConfigError{Path: keysPath, Err: errors.Errorf("machine %q not found", machine)}
		}
		authID := key.AuthID
		if authID == "" {
			authID = server.AuthID
		}
		creds[machine] = Credentials{
			APIKey:  key.APIKey,
			AuthID:  authID,
			BaseURL: server.BaseURL,
			UIURL:   server.UIURL,
		}
	}
	return creds, nil
}

// Machines returns the machine ids of an assignment in a stable order.
func (a MachineAssignment) Machines() []string {
	out := make([]string, 0, len(a))
	for m := range a {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
