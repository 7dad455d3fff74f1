// Package results collects the outcome of every test playbook of a build and
// renders the build artifacts.
package results

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jstemmer/go-junit-report/v2/junit"
	"github.com/replicatedhq/testcontent/pkg/conf"
	"github.com/replicatedhq/testcontent/pkg/logging"
	"github.com/replicatedhq/testcontent/pkg/playbook"
	"github.com/replicatedhq/testcontent/pkg/retry"
	"github.com/sirupsen/logrus"
)

// BuildInfo is attached to every test suite of the JUnit report.
type BuildInfo struct {
	BuildNumber   string
	Branch        string
	ServerType    string
	ServerVersion string
}

// Execution is one run of a test playbook in test_playbooks_report.json.
// Executions and Successes count the runs of the test so far, this one
// included.
type Execution struct {
	Machine         string   `json:"machine"`
	Status          string   `json:"status"`
	FailedStage     string   `json:"failed_stage,omitempty"`
	Executions      int      `json:"executions"`
	Successes       int      `json:"successes"`
	InvestigationID string   `json:"investigation_id,omitempty"`
	DockerImages    []string `json:"test_docker_images,omitempty"`
	Start           string   `json:"start_time"`
	Duration        float64  `json:"duration_seconds"`
}

// Aggregator is shared by every tenant worker.
type Aggregator struct {
	build BuildInfo

	mu                         sync.Mutex
	succeeded                  map[string]bool
	failed                     map[string]bool
	skipped                    map[string]string
	skippedIntegrations        map[string]string
	playbookSkippedIntegration map[string]bool
	report                     map[string][]Execution
	suites                     junit.Testsuites
}

func NewAggregator(build BuildInfo) *Aggregator {
	return &Aggregator{
		build:                      build,
		succeeded:                  map[string]bool{},
		failed:                     map[string]bool{},
		skipped:                    map[string]string{},
		skippedIntegrations:        map[string]string{},
		playbookSkippedIntegration: map[string]bool{},
		report:                     map[string][]Execution{},
		suites:                     junit.Testsuites{Name: "test_playbooks"},
	}
}

// AddSkipped records a test that was not run.
func (a *Aggregator) AddSkipped(playbookID, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.skipped[playbookID] = reason
}

// AddSkippedIntegration records an integration that kept a collected test from
// running.
func (a *Aggregator) AddSkippedIntegration(name, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.skippedIntegrations[name] = reason
}

// AddPlaybookSkippedIntegration records a "<playbook> - reason: <reason>"
// entry for the pull request comment.
func (a *Aggregator) AddPlaybookSkippedIntegration(entry string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.playbookSkippedIntegration[entry] = true
}

// AddSucceeded records a passing test. A test that passed on any tenant is
// not reported as failed.
func (a *Aggregator) AddSucceeded(playbookID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.succeeded[playbookID] = true
	delete(a.failed, playbookID)
}

func (a *Aggregator) AddFailed(playbookID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.succeeded[playbookID] {
		return
	}
	a.failed[playbookID] = true
}

// Done returns the number of tests with a final result.
func (a *Aggregator) Done() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.succeeded) + len(a.failed)
}

// AddExecution records one run of a test with the log lines it produced.
func (a *Aggregator) AddExecution(machine string, test conf.TestConfiguration, res playbook.Result, state retry.State, start time.Time, records []logging.Record) {
	exec := Execution{
		Machine:         machine,
		Status:          string(res.Status),
		FailedStage:     string(res.Stage),
		Executions:      state.Executions,
		Successes:       state.Successes,
		InvestigationID: res.InvestigationID,
		DockerImages:    res.DockerImages,
		Start:           start.UTC().Format(time.RFC3339),
		Duration:        res.Duration.Seconds(),
	}
	suite := a.suite(machine, test, res, start, records)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.report[test.PlaybookID] = append(a.report[test.PlaybookID], exec)
	suite.ID = len(a.suites.Suites)
	a.suites.AddSuite(suite)
}

func (a *Aggregator) suite(machine string, test conf.TestConfiguration, res playbook.Result, start time.Time, records []logging.Record) junit.Testsuite {
	duration := strconv.FormatFloat(res.Duration.Seconds(), 'f', 3, 64)
	suite := junit.Testsuite{
		Name:     test.PlaybookID,
		Hostname: machine,
		Time:     duration,
	}
	suite.SetTimestamp(start)
	suite.AddProperty("build_number", a.build.BuildNumber)
	suite.AddProperty("branch", a.build.Branch)
	suite.AddProperty("server_type", a.build.ServerType)
	suite.AddProperty("server_version", a.build.ServerVersion)
	suite.AddProperty("playbook_id", test.PlaybookID)
	suite.AddProperty("from_version", test.FromVersion)
	suite.AddProperty("to_version", test.ToVersion)
	suite.AddProperty("pid_threshold", strconv.Itoa(test.PIDThreshold))
	suite.AddProperty("memory_threshold", strconv.Itoa(test.MemoryThreshold))
	suite.AddProperty("timeout", strconv.Itoa(test.Timeout))
	suite.AddProperty("integrations", strings.Join(test.Integrations, ","))
	suite.AddProperty("test_docker_images", strings.Join(res.DockerImages, ","))
	if res.InvestigationID != "" {
		suite.AddProperty("investigation_id", res.InvestigationID)
	}

	tc := junit.Testcase{
		Name:      test.PlaybookID,
		Classname: "Playbook",
		Time:      duration,
		Status:    string(res.Status),
	}
	if !res.Status.Passed() {
		tc.Failure = &junit.Result{
			Message: fmt.Sprintf("Test playbook %s ended with status %s", test.PlaybookID, res.Status),
			Type:    string(res.Stage),
		}
	}
	suite.AddTestcase(tc)

	var out, errOut []string
	for _, r := range records {
		if r.Level <= logrus.WarnLevel {
			errOut = append(errOut, r.String())
		} else {
			out = append(out, r.String())
		}
	}
	if len(out) > 0 {
		suite.SystemOut = &junit.Output{Data: strings.Join(out, "\n")}
	}
	if len(errOut) > 0 {
		suite.SystemErr = &junit.Output{Data: strings.Join(errOut, "\n")}
	}
	return suite
}

// Summary is a snapshot of the aggregator.
type Summary struct {
	Succeeded                  []string
	Failed                     []string
	Skipped                    map[string]string
	SkippedIntegrations        map[string]string
	PlaybookSkippedIntegration []string
	Report                     map[string][]Execution
}

func (a *Aggregator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Summary{
		Succeeded:                  sortedKeys(a.succeeded),
		Failed:                     sortedKeys(a.failed),
		Skipped:                    copyMap(a.skipped),
		SkippedIntegrations:        copyMap(a.skippedIntegrations),
		PlaybookSkippedIntegration: sortedKeys(a.playbookSkippedIntegration),
		Report:                     map[string][]Execution{},
	}
	for id, execs := range a.report {
		s.Report[id] = append([]Execution(nil), execs...)
	}
	return s
}

// JUnit returns a copy of the report document.
func (a *Aggregator) JUnit() junit.Testsuites {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.suites
	out.Suites = append([]junit.Testsuite(nil), a.suites.Suites...)
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
