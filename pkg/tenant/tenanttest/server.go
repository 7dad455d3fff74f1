// Package tenanttest runs an in-memory tenant for tests of code that talks to
// the tenant API.
package tenanttest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/replicatedhq/testcontent/pkg/tenant"
)

// Incident is an incident or alert created on the fake tenant.
type Incident struct {
	ID              string
	InvestigationID string
	Name            string
	PlaybookID      string
	Closed          bool
	Deleted         bool
}

type failure struct {
	status int
	times  int
}

// Server is a fake tenant. Exported fields may be set before the first
// request and read after the last one; use the methods in between.
type Server struct {
	*httptest.Server

	// SaaS servers return no investigation id and an empty body while a
	// playbook runs.
	SaaS bool

	Schemas          []map[string]interface{}
	TestModuleResult tenant.TestModuleResult
	// PlaybookStates are returned by successive state polls. The last one
	// repeats.
	PlaybookStates []string
	Entries        []tenant.Entry
	ContextResult  json.RawMessage
	SysConf        map[string]interface{}

	mu          sync.Mutex
	nextID      int
	instances   map[string]map[string]interface{}
	disabled    map[string]int
	incidents   map[string]*Incident
	playbooks   map[string]json.RawMessage
	inputPosts  []json.RawMessage
	sysConfPost []map[string]interface{}
	polls       int
	calls       []string
	failures    map[string]*failure
}

// New starts a fake tenant that is closed when the test ends.
func New(t *testing.T) *Server {
	s := &Server{
		TestModuleResult: tenant.TestModuleResult{Success: true},
		PlaybookStates:   []string{tenant.StateCompleted},
		SysConf:          map[string]interface{}{},
		instances:        map[string]map[string]interface{}{},
		disabled:         map[string]int{},
		incidents:        map[string]*Incident{},
		playbooks:        map[string]json.RawMessage{},
		failures:         map[string]*failure{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /settings/integration", s.putInstance)
	mux.HandleFunc("POST /settings/integration/test", s.testModule)
	mux.HandleFunc("POST /settings/integration/search", s.searchIntegrations)
	mux.HandleFunc("DELETE /settings/integration/{id}", s.deleteInstance)
	mux.HandleFunc("POST /incidents", s.createIncident)
	mux.HandleFunc("POST /incidents/search", s.searchIncidents)
	mux.HandleFunc("POST /incident/close", s.closeIncident)
	mux.HandleFunc("POST /incident/batchDelete", s.deleteIncidents)
	mux.HandleFunc("GET /inv-playbook/{id}", s.playbookState)
	mux.HandleFunc("POST /investigation/{id}", s.investigation)
	mux.HandleFunc("POST /investigation/{id}/context", s.context)
	mux.HandleFunc("GET /playbook/{id}", s.getPlaybook)
	mux.HandleFunc("POST /playbook/inputs/{id}", s.postPlaybookInputs)
	mux.HandleFunc("POST /containers/reset", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("GET /system/config", s.getSysConf)
	mux.HandleFunc("POST /system/config", s.postSysConf)

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := r.Method + " " + r.URL.Path
		s.mu.Lock()
		s.calls = append(s.calls, call)
		f := s.failures[call]
		if f != nil && f.times != 0 {
			f.times--
			s.mu.Unlock()
			w.WriteHeader(f.status)
			_, _ = fmt.Fprintf(w, `{"error":"injected %d"}`, f.status)
			return
		}
		s.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

// Client returns a client of the fake tenant that does not wait between
// retries.
func (s *Server) Client() *tenant.Client {
	return tenant.NewClient(tenant.Options{
		BaseURL:      s.URL,
		APIKey:       "api-key",
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: time.Millisecond,
	})
}

// Fail answers the next times calls of "METHOD /path" with status. A negative
// times fails every call.
func (s *Server) Fail(call string, status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[call] = &failure{status: status, times: times}
}

// Calls returns every call received, as "METHOD /path".
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Count returns how many times call was received.
func (s *Server) Count(call string) int {
	n := 0
	for _, c := range s.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

// Instances returns the instances that exist on the tenant by id.
func (s *Server) Instances() map[string]map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]map[string]interface{}{}
	for id, inst := range s.instances {
		out[id] = inst
	}
	return out
}

// Disabled returns how many times an instance was disabled.
func (s *Server) Disabled(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled[id]
}

// AddInstance registers an existing instance.
func (s *Server) AddInstance(name, brand string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.newID()
	s.instances[id] = map[string]interface{}{"id": id, "name": name, "brand": brand}
	return id
}

// Incidents returns the incidents created on the tenant.
func (s *Server) Incidents() []Incident {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Incident
	for i := 1; i <= s.nextID; i++ {
		if inc, ok := s.incidents[strconv.Itoa(i)]; ok {
			out = append(out, *inc)
		}
	}
	return out
}

// SetPlaybook stores the full JSON of a playbook.
func (s *Server) SetPlaybook(id string, raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playbooks[id] = json.RawMessage(raw)
}

// Playbook returns the stored JSON of a playbook.
func (s *Server) Playbook(id string) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playbooks[id]
}

// InputPosts returns the bodies posted to /playbook/inputs.
func (s *Server) InputPosts() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.inputPosts...)
}

// SysConfPosts returns the configurations posted to /system/config.
func (s *Server) SysConfPosts() []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]interface{}(nil), s.sysConfPost...)
}

// newID must be called with mu held.
func (s *Server) newID() string {
	s.nextID++
	return strconv.Itoa(s.nextID)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) putInstance(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	if !decode(w, r, &body) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if body["enable"] == "false" {
		id, _ := body["id"].(string)
		if _, ok := s.instances[id]; !ok {
			http.Error(w, `{"error":"instance not found"}`, http.StatusNotFound)
			return
		}
		s.disabled[id]++
		s.instances[id]["enabled"] = "false"
		writeJSON(w, s.instances[id])
		return
	}
	for _, inst := range s.instances {
		if inst["name"] == body["name"] {
			http.Error(w, `{"error":"instance name already exists"}`, http.StatusBadRequest)
			return
		}
	}
	id := s.newID()
	body["id"] = id
	s.instances[id] = body
	writeJSON(w, body)
}

func (s *Server) testModule(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.TestModuleResult)
}

func (s *Server) searchIntegrations(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	instances := []map[string]interface{}{}
	for i := 1; i <= s.nextID; i++ {
		if inst, ok := s.instances[strconv.Itoa(i)]; ok {
			instances = append(instances, map[string]interface{}{"id": inst["id"], "name": inst["name"], "brand": inst["brand"]})
		}
	}
	writeJSON(w, map[string]interface{}{"configurations": s.Schemas, "instances": instances})
}

func (s *Server) deleteInstance(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := s.instances[id]; !ok {
		http.Error(w, `{"error":"instance not found"}`, http.StatusNotFound)
		return
	}
	delete(s.instances, id)
}

func (s *Server) createIncident(w http.ResponseWriter, r *http.Request) {
	var req tenant.CreateIncidentRequest
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.newID()
	inc := &Incident{ID: id, Name: req.Name, PlaybookID: req.PlaybookID}
	resp := map[string]interface{}{"id": id, "name": req.Name}
	if !s.SaaS {
		inc.InvestigationID = id
		resp["investigationId"] = id
	}
	s.incidents[id] = inc
	writeJSON(w, resp)
}

func (s *Server) searchIncidents(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Filter struct {
			Query string `json:"query"`
		} `json:"filter"`
	}
	if !decode(w, r, &body) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q := body.Filter.Query
	data := []tenant.Incident{}
	for _, inc := range s.incidents {
		if inc.Deleted {
			continue
		}
		if q == "id: "+inc.ID || q == fmt.Sprintf("name:%q", inc.Name) {
			data = append(data, tenant.Incident{ID: inc.ID, InvestigationID: inc.InvestigationID, Name: inc.Name})
		}
	}
	writeJSON(w, tenant.IncidentSearchResult{Total: len(data), Data: data})
}

func (s *Server) closeIncident(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if !decode(w, r, &body) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if inc, ok := s.incidents[body.ID]; ok {
		inc.Closed = true
	}
}

func (s *Server) deleteIncidents(w http.ResponseWriter, r *http.Request) {
	if s.SaaS {
		http.Error(w, `{"error":"not supported"}`, http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		IDs []string `json:"ids"`
	}
	if !decode(w, r, &body) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range body.IDs {
		if inc, ok := s.incidents[id]; ok {
			inc.Deleted = true
		}
	}
}

func (s *Server) playbookState(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	i := min(s.polls, len(s.PlaybookStates)-1)
	s.polls++
	state := s.PlaybookStates[i]
	s.mu.Unlock()
	if state == "" {
		return
	}
	writeJSON(w, map[string]string{"state": state})
}

func (s *Server) investigation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, tenant.Investigation{Entries: s.Entries})
}

func (s *Server) context(w http.ResponseWriter, r *http.Request) {
	if s.ContextResult == nil {
		writeJSON(w, map[string]interface{}{})
		return
	}
	_, _ = w.Write(s.ContextResult)
}

func (s *Server) getPlaybook(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.playbooks[r.PathValue("id")]
	if !ok {
		http.Error(w, `{"error":"playbook not found"}`, http.StatusNotFound)
		return
	}
	_, _ = w.Write(raw)
}

func (s *Server) postPlaybookInputs(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if !decode(w, r, &body) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputPosts = append(s.inputPosts, body)

	id := r.PathValue("id")
	var pb map[string]json.RawMessage
	if err := json.Unmarshal(s.playbooks[id], &pb); err != nil {
		http.Error(w, `{"error":"playbook not found"}`, http.StatusNotFound)
		return
	}
	inputs := body
	if strings.HasPrefix(strings.TrimSpace(string(body)), "{") {
		var wrapped struct {
			Inputs json.RawMessage `json:"inputs"`
		}
		_ = json.Unmarshal(body, &wrapped)
		inputs = wrapped.Inputs
	}
	pb["inputs"] = inputs
	s.playbooks[id], _ = json.Marshal(pb)
}

func (s *Server) getSysConf(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, map[string]interface{}{"sysConf": s.SysConf})
}

func (s *Server) postSysConf(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Data map[string]interface{} `json:"data"`
	}
	if !decode(w, r, &body) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SysConf = body.Data
	s.sysConfPost = append(s.sysConfPost, body.Data)
	writeJSON(w, map[string]interface{}{})
}
