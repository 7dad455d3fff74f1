// Package integration provisions the integration instances a test playbook
// needs on a tenant.
package integration

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/replicatedhq/testcontent/pkg/conf"
	"github.com/replicatedhq/testcontent/pkg/docker"
	"github.com/replicatedhq/testcontent/pkg/logging"
	"github.com/replicatedhq/testcontent/pkg/tenant"
)

const (
	// CoreRESTAPI is configured from the tenant credentials when the secret
	// catalog has no entry for it.
	CoreRESTAPI = "Core REST API"

	serverHostPlaceholder = "%%SERVER_HOST%%"
	instanceNameParam     = "integrationInstanceName"
	serverKeysParam       = "server_keys"
	credentialsParam      = "credentials"
	incidentTypeField     = "incidentType"

	credentialsFieldType = 9
	testModuleAttempts   = 3
)

const failedMatchInstanceMsg = "%s Failed to run.\n There are %d instances of %s, please select one of them by using " +
	"the instance_name argument in conf.json. The options are:\n%s"

// ConfigurationError means an instance could not be configured. Tests that
// hit it are not retried.
type ConfigurationError struct {
	Integration string
	Msg         string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configure %s: %s", e.Integration, e.Msg)
}

// Client is the part of the tenant API used to manage instances.
type Client interface {
	BaseURL() string
	APIKey() string
	AuthID() string
	SearchIntegrations(ctx context.Context) (*tenant.IntegrationSearchResult, error)
	CreateIntegrationInstance(ctx context.Context, body tenant.ModuleBody) (*tenant.InstanceResponse, error)
	TestIntegrationInstance(ctx context.Context, body tenant.ModuleBody) (*tenant.TestModuleResult, error)
	DisableIntegrationInstance(ctx context.Context, inst tenant.InstanceResponse) error
	DeleteIntegrationInstance(ctx context.Context, id string) error
	ResetContainers(ctx context.Context) error
	UpdateSystemConfig(ctx context.Context, keys map[string]interface{}) (map[string]interface{}, error)
}

// SystemConfStore keeps the server configuration a test replaced so it can be
// restored once the test is done.
type SystemConfStore interface {
	SetPrevSystemConf(conf map[string]interface{})
}

// Instance is one integration of a test, before and after it is created on
// the tenant.
type Instance struct {
	// Name is the integration (brand) name.
	Name string
	// Config is the resolved secret entry. Its params are a private copy.
	Config       conf.IntegrationConfiguration
	InstanceName string

	ModuleBody   tenant.ModuleBody
	Response     *tenant.InstanceResponse
	ScriptType   string
	DockerImages []string
}

// ID returns the id the tenant assigned, empty until created.
func (i *Instance) ID() string {
	if i.Response == nil {
		return ""
	}
	return i.Response.ID
}

func (i *Instance) String() string {
	return fmt.Sprintf("%q", i.Name)
}

// Manager configures instances on one tenant.
type Manager struct {
	client  Client
	flavor  tenant.Flavor
	secrets *conf.SecretCatalog
	schemas *SchemaCache
	store   SystemConfStore
	log     *logging.Logger
}

func NewManager(client Client, flavor tenant.Flavor, secrets *conf.SecretCatalog, schemas *SchemaCache, store SystemConfStore, log *logging.Logger) *Manager {
	return &Manager{
		client:  client,
		flavor:  flavor,
		secrets: secrets,
		schemas: schemas,
		store:   store,
		log:     log,
	}
}

// Resolve selects the secret entry of an integration for a test and
// substitutes its placeholders. The secret catalog is not modified.
func (m *Manager) Resolve(name string, test conf.TestConfiguration) (*Instance, error) {
	m.log.Debugf("Searching integration configuration for %q", name)

	candidates := m.secrets.Candidates(name)
	var selected conf.IntegrationConfiguration
	switch {
	case len(candidates) == 1:
		selected = candidates[0]
	case len(candidates) > 1:
		found := false
		for _, c := range candidates {
			if test.InstanceNames.Contains(c.InstanceName) {
				selected, found = c, true
				break
			}
		}
		if !found {
			names := make([]string, 0, len(candidates))
			for _, c := range candidates {
				names = append(names, c.InstanceName)
			}
			msg := fmt.Sprintf(failedMatchInstanceMsg, test.PlaybookID, len(candidates), name, strings.Join(names, "\n"))
			m.log.Errorf("%s", msg)
			return nil, &ConfigurationError{Integration: name, Msg: msg}
		}
	case name == CoreRESTAPI:
		selected = conf.IntegrationConfiguration{Name: name, InstanceName: name, Params: m.coreRESTAPIParams()}
	default:
		selected = conf.IntegrationConfiguration{Name: name, InstanceName: name, Params: map[string]interface{}{}}
	}

	selected.Params = ReplacePlaceholders(selected.Params, m.client.BaseURL())
	return &Instance{Name: name, Config: selected}, nil
}

func (m *Manager) coreRESTAPIParams() map[string]interface{} {
	params := map[string]interface{}{
		"url":      "https://localhost",
		"apikey":   m.client.APIKey(),
		"insecure": true,
	}
	if m.flavor.IsSaaS() {
		params["url"] = m.client.BaseURL()
		params["auth_id"] = m.client.AuthID()
	}
	return params
}

// ReplacePlaceholders returns a deep copy of params with the server host
// placeholder replaced in every string.
func ReplacePlaceholders(params map[string]interface{}, serverURL string) map[string]interface{} {
	out, _ := replace(tenant.DeepCopy(params), serverURL).(map[string]interface{})
	if out == nil {
		out = map[string]interface{}{}
	}
	return out
}

func replace(v interface{}, serverURL string) interface{} {
	switch t := v.(type) {
	case string:
		return strings.ReplaceAll(t, serverHostPlaceholder, serverURL)
	case map[string]interface{}:
		for k, val := range t {
			t[k] = replace(val, serverURL)
		}
		return t
	case []interface{}:
		for i, val := range t {
			t[i] = replace(val, serverURL)
		}
		return t
	default:
		return v
	}
}

// Create builds the module body of the instance and creates it on the tenant.
func (m *Manager) Create(ctx context.Context, inst *Instance, test conf.TestConfiguration) error {
	schema, err := m.schemas.Get(ctx, m.client, inst.Name)
	if err != nil {
		m.log.Exception(err, "failed to get all integrations configuration")
		return &ConfigurationError{Integration: inst.Name, Msg: err.Error()}
	}
	if schema == nil {
		m.log.Errorf("Could not find configuration for integration %s", inst)
		return &ConfigurationError{Integration: inst.Name, Msg: "integration was not found on the server"}
	}
	params := inst.Config.Params

	if name, ok := params[instanceNameParam].(string); ok && name != "" {
		inst.InstanceName = name
		m.deleteByName(ctx, inst, name)
	} else {
		inst.InstanceName = fmt.Sprintf("%s_test_%s", strings.ReplaceAll(inst.Config.InstanceName, " ", "_"), uuid.New().String())
	}
	m.log.Infof("Configuring instance for %s (instance name: %s, validate \"test-module\": %t)",
		inst, inst.InstanceName, inst.Config.ValidateTestModule())

	if err := m.setServerKeys(ctx, inst); err != nil {
		return err
	}

	filled := schema.Clone()
	body := tenant.ModuleBody{
		Brand:               filled.Name,
		Category:            filled.Category,
		Configuration:       &filled,
		Data:                []tenant.ConfigField{},
		Enabled:             "true",
		IsIntegrationScript: inst.Config.BYOI(),
		Name:                inst.InstanceName,
		Version:             0,
	}
	for _, field := range filled.Configuration {
		if key, ok := matchParam(field, params); ok {
			field["value"] = paramValue(field, key, params[key])
			field["hasvalue"] = true
		} else if def := field.DefaultValue(); def != nil {
			field["value"] = def
		}
		body.Data = append(body.Data, field)
	}

	if ic := test.InstanceConfiguration; ic != nil {
		if ic.IncidentType != "" {
			for _, field := range body.Data {
				if field.Name() == incidentTypeField {
					field["value"] = ic.IncidentType
					field["hasvalue"] = true
				}
			}
		}
		body.MappingID = ic.ClassifierID
		body.IncomingMapperID = ic.IncomingMapperID
	}

	resp, err := m.client.CreateIntegrationInstance(ctx, body)
	if err != nil {
		m.log.Errorf("create instance failed: %v", err)
		return &ConfigurationError{Integration: inst.Name, Msg: err.Error()}
	}
	inst.ModuleBody = body
	inst.Response = resp
	script := filled.IntegrationScript
	if resp.Configuration != nil && resp.Configuration.IntegrationScript != nil {
		script = resp.Configuration.IntegrationScript
	}
	if script != nil {
		inst.ScriptType = script.Type
		inst.DockerImages = docker.IntegrationImages(script.Type, script.DockerImage)
	} else {
		inst.DockerImages = docker.IntegrationImages("", "")
	}
	return nil
}

// matchParam finds the param of a configuration field, by display name first.
func matchParam(field tenant.ConfigField, params map[string]interface{}) (string, bool) {
	if display := field.Display(); display != "" {
		if _, ok := params[display]; ok {
			return display, true
		}
	}
	if name := field.Name(); name != "" {
		if _, ok := params[name]; ok {
			return name, true
		}
	}
	return "", false
}

func paramValue(field tenant.ConfigField, key string, value interface{}) interface{} {
	creds, ok := value.(map[string]interface{})
	if !ok {
		return value
	}
	fieldType, _ := field["type"].(float64)
	if key != credentialsParam && int(fieldType) != credentialsFieldType {
		return value
	}
	return map[string]interface{}{
		"credential":      "",
		"identifier":      creds["identifier"],
		"password":        creds["password"],
		"passwordChanged": false,
	}
}

func (m *Manager) deleteByName(ctx context.Context, inst *Instance, name string) {
	res, err := m.client.SearchIntegrations(ctx)
	if err != nil {
		m.log.Exception(err, "Failed to delete integration %s instance, error trying to communicate with the server", inst)
		return
	}
	if len(res.Instances) == 0 {
		m.log.Infof("No integrations instances found to delete for %s", inst)
		return
	}
	for _, existing := range res.Instances {
		if existing.Name != name {
			continue
		}
		m.log.Infof("Deleting integration instance %s since it is defined by name", name)
		if err := m.client.DeleteIntegrationInstance(ctx, existing.ID); err != nil {
			m.log.Exception(err, "Failed to delete integration instance %s", name)
		}
	}
}

func (m *Manager) setServerKeys(ctx context.Context, inst *Instance) error {
	keys, ok := inst.Config.Params[serverKeysParam].(map[string]interface{})
	if !ok || len(keys) == 0 {
		return nil
	}
	m.log.Debugf("Setting server keys for integration: %s", inst)
	if !m.flavor.IsSaaS() {
		if err := m.client.ResetContainers(ctx); err != nil {
			return &ConfigurationError{Integration: inst.Name, Msg: errors.Wrap(err, "reset containers").Error()}
		}
	}
	prev, err := m.client.UpdateSystemConfig(ctx, keys)
	if err != nil {
		m.log.Errorf("Failed to set server keys: %v", err)
		return &ConfigurationError{Integration: inst.Name, Msg: errors.Wrap(err, "set server keys").Error()}
	}
	m.store.SetPrevSystemConf(prev)
	return nil
}

// TestModule runs test-module on a created instance.
func (m *Manager) TestModule(ctx context.Context, inst *Instance) error {
	if !inst.Config.ValidateTestModule() {
		m.log.Debugf("Skipping test-module on %s because the \"validate_test\" flag is set to False", inst)
		return nil
	}
	m.log.Infof("Running \"test-module\" for instance %q of integration %q.", inst.InstanceName, inst.Name)

	var res *tenant.TestModuleResult
	var err error
	for attempt := 1; attempt <= testModuleAttempts; attempt++ {
		res, err = m.client.TestIntegrationInstance(ctx, inst.ModuleBody)
		if err == nil {
			break
		}
		var apiErr *tenant.APIError
		if errors.As(err, &apiErr) || ctx.Err() != nil {
			break
		}
		m.log.Warningf("Could not connect. Trying to connect for the %d time", attempt)
	}
	if err != nil {
		m.log.Errorf("Integration-instance test-module failed: %v", err)
		return errors.Wrapf(err, "test-module %s", inst)
	}
	if !res.Success {
		msg := " No failure message."
		if res.Message != "" {
			msg = fmt.Sprintf("Test integration failed - server: %s.\nFailure message: %s", m.client.BaseURL(), res.Message)
		}
		m.log.Errorf("%s", msg)
		return errors.Errorf("test-module %s: %s", inst, strings.TrimSpace(msg))
	}
	return nil
}

// Disable disables a created instance. Failures are logged.
func (m *Manager) Disable(ctx context.Context, inst *Instance) {
	if inst.Response == nil {
		return
	}
	m.log.Debugf("Disabling integration instance %q", inst.Response.Name)
	if err := m.client.DisableIntegrationInstance(ctx, *inst.Response); err != nil {
		m.log.Exception(err, "Failed to disable integration instance")
	}
}

// Delete removes a created instance. Failures are logged.
func (m *Manager) Delete(ctx context.Context, inst *Instance) {
	id := inst.ID()
	if id == "" {
		m.log.Debugf("no instance ID for integration %s was supplied", inst)
		return
	}
	m.log.Debugf("Deleting %s instance", inst)
	if err := m.client.DeleteIntegrationInstance(ctx, id); err != nil {
		m.log.Exception(err, "Failed to delete integration instance")
		return
	}
	inst.ModuleBody = tenant.ModuleBody{}
}
