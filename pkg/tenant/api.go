package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Playbook states reported by /inv-playbook.
const (
	StateCompleted           = "completed"
	StateFailed              = "failed"
	StateInProgress          = "inprogress"
	StateNotSupportedVersion = "Not supported version"
)

// EntryTypeError marks an error entry of an investigation.
const EntryTypeError = 4

type CreateIncidentRequest struct {
	CreateInvestigation bool   `json:"createInvestigation"`
	PlaybookID          string `json:"playbookId"`
	Name                string `json:"name"`
}

// Incident is an incident on on-prem and XSOAR SaaS tenants and an alert on
// XSIAM tenants.
type Incident struct {
	ID              string `json:"id"`
	InvestigationID string `json:"investigationId"`
	Name            string `json:"name"`
}

type IncidentSearchResult struct {
	Total int        `json:"total"`
	Data  []Incident `json:"data"`
}

type incidentFilter struct {
	Filter struct {
		Query string `json:"query"`
	} `json:"filter"`
}

type PlaybookState struct {
	State string `json:"state"`
}

type Entry struct {
	ID            string      `json:"id"`
	Type          int         `json:"type"`
	TaskID        string      `json:"taskId"`
	ParentContent string      `json:"parentContent"`
	Contents      interface{} `json:"contents"`
}

type Investigation struct {
	Entries []Entry `json:"entries"`
}

// ConfigField is one configuration parameter of an integration. Keys the
// server sends are preserved when the field is sent back.
type ConfigField map[string]interface{}

func (f ConfigField) str(key string) string {
	s, _ := f[key].(string)
	return s
}

func (f ConfigField) Name() string    { return f.str("name") }
func (f ConfigField) Display() string { return f.str("display") }

// DefaultValue returns the field's default, nil when unset or empty.
func (f ConfigField) DefaultValue() interface{} {
	v, ok := f["defaultValue"]
	if !ok || v == nil || v == "" {
		return nil
	}
	return v
}

type IntegrationScript struct {
	Type        string `json:"type"`
	DockerImage string `json:"dockerImage"`
}

// IntegrationSchema is the server-side definition of an integration. It is
// sent back verbatim in the module body.
type IntegrationSchema struct {
	Name              string             `json:"name"`
	Category          string             `json:"category"`
	Configuration     []ConfigField      `json:"configuration"`
	IntegrationScript *IntegrationScript `json:"integrationScript,omitempty"`

	raw json.RawMessage
}

type integrationSchemaAlias IntegrationSchema

func (s *IntegrationSchema) UnmarshalJSON(b []byte) error {
	var alias integrationSchemaAlias
	if err := json.Unmarshal(b, &alias); err != nil {
		return err
	}
	*s = IntegrationSchema(alias)
	s.raw = append(json.RawMessage(nil), b...)
	return nil
}

func (s IntegrationSchema) MarshalJSON() ([]byte, error) {
	if len(s.raw) == 0 {
		return json.Marshal(integrationSchemaAlias(s))
	}
	m := map[string]interface{}{}
	if err := json.Unmarshal(s.raw, &m); err != nil {
		return nil, err
	}
	m["configuration"] = s.Configuration
	return json.Marshal(m)
}

// Clone returns a deep copy so the configuration fields can be filled in
// without touching the cached schema.
func (s IntegrationSchema) Clone() IntegrationSchema {
	out := s
	out.Configuration = make([]ConfigField, len(s.Configuration))
	for i, f := range s.Configuration {
		out.Configuration[i] = ConfigField(deepCopy(map[string]interface{}(f)).(map[string]interface{}))
	}
	if s.IntegrationScript != nil {
		script := *s.IntegrationScript
		out.IntegrationScript = &script
	}
	return out
}

type InstanceSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Brand string `json:"brand"`
}

type IntegrationSearchResult struct {
	Configurations []IntegrationSchema `json:"configurations"`
	Instances      []InstanceSummary   `json:"instances"`
}

// ModuleBody is the payload that creates an integration instance.
type ModuleBody struct {
	Brand               string             `json:"brand"`
	Category            string             `json:"category"`
	Configuration       *IntegrationSchema `json:"configuration"`
	Data                []ConfigField      `json:"data"`
	Enabled             string             `json:"enabled"`
	Engine              string             `json:"engine"`
	ID                  string             `json:"id"`
	IsIntegrationScript bool               `json:"isIntegrationScript"`
	Name                string             `json:"name"`
	PasswordProtected   bool               `json:"passwordProtected"`
	Version             int                `json:"version"`
	IncomingMapperID    string             `json:"incomingMapperId,omitempty"`
	MappingID           string             `json:"mappingId,omitempty"`
}

// InstanceResponse is the instance as stored by the server.
type InstanceResponse struct {
	ID                  string             `json:"id"`
	Brand               string             `json:"brand"`
	Name                string             `json:"name"`
	Data                []ConfigField      `json:"data"`
	IsIntegrationScript bool               `json:"isIntegrationScript"`
	Configuration       *IntegrationSchema `json:"configuration,omitempty"`
}

type disableBody struct {
	ID                  string        `json:"id"`
	Brand               string        `json:"brand"`
	Name                string        `json:"name"`
	Data                []ConfigField `json:"data"`
	IsIntegrationScript bool          `json:"isIntegrationScript"`
	Enable              string        `json:"enable"`
	Version             int           `json:"version"`
}

type TestModuleResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Playbook holds the playbook inputs exactly as the server returned them.
type Playbook struct {
	ID     string          `json:"id"`
	Inputs json.RawMessage `json:"inputs"`
}

type SystemConfig struct {
	SysConf map[string]interface{} `json:"sysConf"`
}

type systemConfigUpdate struct {
	Data    map[string]interface{} `json:"data"`
	Version int                    `json:"version"`
}

func esc(s string) string {
	return url.PathEscape(s)
}

func (c *Client) CreateIncident(ctx context.Context, req CreateIncidentRequest) (*Incident, error) {
	inc := &Incident{}
	if err := c.Do(ctx, http.MethodPost, "/incidents", req, inc); err != nil {
		return nil, err
	}
	return inc, nil
}

func (c *Client) SearchIncidents(ctx context.Context, query string) (*IncidentSearchResult, error) {
	var body incidentFilter
	body.Filter.Query = query
	res := &IncidentSearchResult{}
	if err := c.Do(ctx, http.MethodPost, "/incidents/search", body, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) CloseIncident(ctx context.Context, id string) error {
	return c.Do(ctx, http.MethodPost, "/incident/close", map[string]interface{}{"id": id}, nil)
}

func (c *Client) BatchDeleteIncidents(ctx context.Context, ids ...string) error {
	body := map[string]interface{}{
		"ids":    ids,
		"filter": map[string]interface{}{},
		"all":    false,
	}
	return c.Do(ctx, http.MethodPost, "/incident/batchDelete", body, nil)
}

// PlaybookState returns the state of an investigation's playbook. An empty
// state means the server did not report one yet.
func (c *Client) PlaybookState(ctx context.Context, investigationID string) (string, error) {
	state := &PlaybookState{}
	if err := c.Do(ctx, http.MethodGet, "/inv-playbook/"+esc(investigationID), nil, state); err != nil {
		return "", err
	}
	return state.State, nil
}

func (c *Client) InvestigationEntries(ctx context.Context, investigationID string) (*Investigation, error) {
	inv := &Investigation{}
	err := c.Do(ctx, http.MethodPost, "/investigation/"+esc(investigationID), map[string]interface{}{"pageSize": 1000}, inv)
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// InvestigationContext evaluates a DT expression against the investigation
// context.
func (c *Client) InvestigationContext(ctx context.Context, investigationID, dt string) (json.RawMessage, error) {
	var out json.RawMessage
	body := map[string]interface{}{"query": fmt.Sprintf("${%s}", dt)}
	if err := c.Do(ctx, http.MethodPost, "/investigation/"+esc(investigationID)+"/context", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SearchIntegrations(ctx context.Context) (*IntegrationSearchResult, error) {
	res := &IntegrationSearchResult{}
	if err := c.Do(ctx, http.MethodPost, "/settings/integration/search", map[string]interface{}{"size": 1000}, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) CreateIntegrationInstance(ctx context.Context, body ModuleBody) (*InstanceResponse, error) {
	res := &InstanceResponse{}
	if err := c.Do(ctx, http.MethodPut, "/settings/integration", body, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) TestIntegrationInstance(ctx context.Context, body ModuleBody) (*TestModuleResult, error) {
	res := &TestModuleResult{}
	if err := c.Do(ctx, http.MethodPost, "/settings/integration/test", body, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) DisableIntegrationInstance(ctx context.Context, inst InstanceResponse) error {
	body := disableBody{
		ID:                  inst.ID,
		Brand:               inst.Brand,
		Name:                inst.Name,
		Data:                inst.Data,
		IsIntegrationScript: inst.IsIntegrationScript,
		Enable:              "false",
		Version:             -1,
	}
	return c.Do(ctx, http.MethodPut, "/settings/integration", body, nil)
}

func (c *Client) DeleteIntegrationInstance(ctx context.Context, id string) error {
	return c.Do(ctx, http.MethodDelete, "/settings/integration/"+esc(id), nil, nil)
}

func (c *Client) GetPlaybook(ctx context.Context, id string) (*Playbook, error) {
	pb := &Playbook{}
	if err := c.Do(ctx, http.MethodGet, "/playbook/"+esc(id), nil, pb); err != nil {
		return nil, err
	}
	return pb, nil
}

// UpdatePlaybookInputs posts body, which is either the inputs list or an
// {"inputs": ...} wrapper depending on the server version.
func (c *Client) UpdatePlaybookInputs(ctx context.Context, id string, body interface{}) error {
	return c.Do(ctx, http.MethodPost, "/playbook/inputs/"+esc(id), body, nil)
}

func (c *Client) ResetContainers(ctx context.Context) error {
	return c.Do(ctx, http.MethodPost, "/containers/reset", nil, nil)
}

func (c *Client) SystemConfig(ctx context.Context) (map[string]interface{}, error) {
	res := &SystemConfig{}
	if err := c.Do(ctx, http.MethodGet, "/system/config", nil, res); err != nil {
		return nil, err
	}
	if res.SysConf == nil {
		res.SysConf = map[string]interface{}{}
	}
	return res.SysConf, nil
}

// UpdateSystemConfig merges keys into the server configuration and returns
// the configuration as it was before the update.
func (c *Client) UpdateSystemConfig(ctx context.Context, keys map[string]interface{}) (map[string]interface{}, error) {
	current, err := c.SystemConfig(ctx)
	if err != nil {
		return nil, err
	}
	prev := deepCopy(current).(map[string]interface{})
	for k, v := range keys {
		current[k] = v
	}
	if err := c.Do(ctx, http.MethodPost, "/system/config", systemConfigUpdate{Data: current, Version: -1}, nil); err != nil {
		return nil, err
	}
	return prev, nil
}

// RestoreSystemConfig replaces the server configuration with conf.
func (c *Client) RestoreSystemConfig(ctx context.Context, conf map[string]interface{}) error {
	return c.Do(ctx, http.MethodPost, "/system/config", systemConfigUpdate{Data: conf, Version: -1}, nil)
}

func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case ConfigField:
		return ConfigField(deepCopy(map[string]interface{}(t)).(map[string]interface{}))
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}

// DeepCopy copies nested maps and slices of decoded JSON values.
func DeepCopy(v interface{}) interface{} {
	return deepCopy(v)
}
