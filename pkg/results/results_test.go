package results

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jstemmer/go-junit-report/v2/junit"
	"github.com/minio/minio-go"
	"github.com/replicatedhq/testcontent/pkg/conf"
	"github.com/replicatedhq/testcontent/pkg/logging"
	"github.com/replicatedhq/testcontent/pkg/playbook"
	"github.com/replicatedhq/testcontent/pkg/retry"
	"github.com/replicatedhq/testcontent/pkg/status"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func testConfig(id string) conf.TestConfiguration {
	return conf.TestConfiguration{
		PlaybookID:      id,
		Integrations:    conf.StringList{"Slack", "EWS"},
		FromVersion:     "6.0.0",
		ToVersion:       "99.99.99",
		Timeout:         300,
		MemoryThreshold: 75,
		PIDThreshold:    3,
	}
}

func TestAggregator_JUnit(t *testing.T) {
	a := NewAggregator(BuildInfo{BuildNumber: "42", Branch: "feature", ServerType: "XSOAR", ServerVersion: "Server Master"})

	records := []logging.Record{
		{Time: start, Worker: "m1-0", Level: logrus.InfoLevel, Message: "configuring"},
		{Time: start, Worker: "m1-0", Level: logrus.ErrorLevel, Message: "failed"},
	}
	a.AddExecution("m1", testConfig("A"), playbook.Result{
		Executed:        true,
		Status:          status.Failed,
		Stage:           status.StagePlaybook,
		InvestigationID: "17",
		DockerImages:    []string{"demisto/python3:3.10"},
		Duration:        1500 * time.Millisecond,
	}, retry.State{Executions: 1}, start, records)
	a.AddExecution("m1", testConfig("B"), playbook.Result{
		Executed: true,
		Status:   status.ConfigurationFailed,
		Stage:    status.StageConfiguration,
	}, retry.State{Executions: 1}, start, nil)

	doc := a.JUnit()
	assert.Equal(t, 2, doc.Tests)
	assert.Equal(t, 2, doc.Failures)
	require.Len(t, doc.Suites, 2)

	suite := doc.Suites[0]
	assert.Equal(t, "A", suite.Name)
	assert.Equal(t, "1.500", suite.Time)
	props := map[string]string{}
	for _, p := range *suite.Properties {
		props[p.Name] = p.Value
	}
	assert.Equal(t, map[string]string{
		"build_number":       "42",
		"branch":             "feature",
		"server_type":        "XSOAR",
		"server_version":     "Server Master",
		"playbook_id":        "A",
		"from_version":       "6.0.0",
		"to_version":         "99.99.99",
		"pid_threshold":      "3",
		"memory_threshold":   "75",
		"timeout":            "300",
		"integrations":       "Slack,EWS",
		"test_docker_images": "demisto/python3:3.10",
		"investigation_id":   "17",
	}, props)
	require.NotNil(t, suite.SystemOut)
	assert.Contains(t, suite.SystemOut.Data, "configuring")
	require.NotNil(t, suite.SystemErr)
	assert.Contains(t, suite.SystemErr.Data, "failed")
	require.Len(t, suite.Testcases, 1)
	require.NotNil(t, suite.Testcases[0].Failure)
	assert.Equal(t, "Playbook", suite.Testcases[0].Failure.Type)

	for _, p := range *doc.Suites[1].Properties {
		assert.NotEqual(t, "investigation_id", p.Name)
	}
	assert.Equal(t, 1, doc.Suites[1].ID)

	b, err := a.JUnitXML()
	require.NoError(t, err)
	var parsed junit.Testsuites
	require.NoError(t, xml.Unmarshal(b, &parsed))
	assert.Len(t, parsed.Suites, 2)
}

func TestAggregator_Concurrent(t *testing.T) {
	a := NewAggregator(BuildInfo{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("pb-%02d", i)
			a.AddExecution("m", testConfig(id), playbook.Result{Status: status.Completed}, retry.State{Executions: 1, Successes: 1}, start, nil)
			if i%2 == 0 {
				a.AddSucceeded(id)
			} else {
				a.AddFailed(id)
			}
		}(i)
	}
	wg.Wait()

	s := a.Summary()
	assert.Len(t, s.Succeeded, 10)
	assert.Len(t, s.Failed, 10)
	assert.Len(t, s.Report, 20)
	assert.Equal(t, 20, a.JUnit().Tests)
}

func TestAggregator_SucceededOnAnyTenant(t *testing.T) {
	tests := []struct {
		name  string
		order []bool
	}{
		{name: "failed first", order: []bool{false, true}},
		{name: "succeeded first", order: []bool{true, false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAggregator(BuildInfo{})
			for _, passed := range tt.order {
				if passed {
					a.AddSucceeded("A")
				} else {
					a.AddFailed("A")
				}
			}
			a.AddFailed("B")

			s := a.Summary()
			assert.Equal(t, []string{"A"}, s.Succeeded)
			assert.Equal(t, []string{"B"}, s.Failed)
			assert.Equal(t, 2, a.Done())
		})
	}
}

func TestWriteFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	a := NewAggregator(BuildInfo{BuildNumber: "42"})
	a.AddSucceeded("B")
	a.AddSucceeded("A")
	a.AddSucceeded("A")
	a.AddFailed("C")
	a.AddSkipped("D", "not in filtered tests")
	a.AddSkippedIntegration("EWS", "deprecated")
	a.AddPlaybookSkippedIntegration("E - reason: deprecated")
	a.AddExecution("m", testConfig("C"), playbook.Result{Status: status.Failed, Stage: status.StagePlaybook}, retry.State{Executions: 1}, start, nil)

	require.NoError(t, a.WriteFiles(fs, "/artifacts"))

	read := func(name string) string {
		b, err := afero.ReadFile(fs, "/artifacts/"+name)
		require.NoError(t, err)
		return string(b)
	}
	assert.Equal(t, "A\nB", read(SucceededTestsFile))
	assert.Equal(t, "C", read(FailedTestsFile))
	assert.Equal(t, "D", read(SkippedTestsFile))
	assert.Equal(t, "EWS", read(SkippedIntegrationsFile))
	assert.Contains(t, read(ReportXMLFile), `<testsuite name="C"`)

	var report map[string][]Execution
	require.NoError(t, json.Unmarshal([]byte(read(ReportJSONFile)), &report))
	want := map[string][]Execution{"C": {{
		Machine:     "m",
		Status:      "failed",
		FailedStage: "Playbook",
		Executions:  1,
		Start:       "2024-03-01T10:00:00Z",
	}}}
	if diff := cmp.Diff(want, report); diff != "" {
		t.Errorf("unexpected report (-want +got):\n%s", diff)
	}

	var contentStatus map[string][]string
	require.NoError(t, json.Unmarshal([]byte(read(ContentStatusFile)), &contentStatus))
	assert.Equal(t, map[string][]string{
		"failed_playbooks":     {"C"},
		"successful_playbooks": {"A", "B"},
	}, contentStatus)
}

func TestMergeContentStatus(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := "/artifacts/content_status.json"
	require.NoError(t, afero.WriteFile(fs, path, []byte(`{
  "failed_playbooks": ["Z", "A"],
  "successful_playbooks": ["M"],
  "build_url": "https://ci.example.com/1",
  "counts": {"runs": 3}
}`), 0644))

	require.NoError(t, MergeContentStatus(fs, path, []string{"M", "B"}, []string{"A", "C"}))
	require.NoError(t, MergeContentStatus(fs, path, []string{"B"}, nil))

	b, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &doc))
	assert.Equal(t, map[string]interface{}{
		"failed_playbooks":     []interface{}{"A", "C", "Z"},
		"successful_playbooks": []interface{}{"B", "M"},
		"build_url":            "https://ci.example.com/1",
		"counts":               map[string]interface{}{"runs": float64(3)},
	}, doc)

	require.NoError(t, afero.WriteFile(fs, "/bad.json", []byte(`{"failed_playbooks": "x"}`), 0644))
	require.Error(t, MergeContentStatus(fs, "/bad.json", nil, nil))
}

func TestMergeContentStatus_NewFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, MergeContentStatus(fs, "/content_status.json", nil, nil))
	b, err := afero.ReadFile(fs, "/content_status.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"failed_playbooks": [], "successful_playbooks": []}`, string(b))
}

func TestTable(t *testing.T) {
	out := Table(map[string]string{"B": "flaky", "A": "deprecated"})
	lines := strings.Split(out, "\n")
	var rows []string
	for _, l := range lines {
		if strings.Contains(l, "deprecated") || strings.Contains(l, "flaky") {
			rows = append(rows, l)
		}
	}
	require.Len(t, rows, 2)
	assert.Contains(t, rows[0], "A")
	assert.Contains(t, rows[0], "1")
	assert.Contains(t, rows[1], "flaky")
	assert.Contains(t, strings.ToUpper(out), "REASON")
}

type fakeStore struct {
	buckets map[string]bool
	objects map[string]string
	types   map[string]string
}

func (f *fakeStore) BucketExists(bucket string) (bool, error) {
	return f.buckets[bucket], nil
}

func (f *fakeStore) MakeBucket(bucket, _ string) error {
	f.buckets[bucket] = true
	return nil
}

func (f *fakeStore) PutObject(bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (int64, error) {
	b, err := io.ReadAll(reader)
	if err != nil {
		return 0, err
	}
	f.objects[bucket+"/"+object] = string(b)
	f.types[bucket+"/"+object] = opts.ContentType
	return int64(len(b)), nil
}

func TestUploadReports(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/artifacts/"+ReportJSONFile, []byte(`{}`), 0644))
	require.NoError(t, afero.WriteFile(fs, "/artifacts/"+ReportXMLFile, []byte(`<testsuites></testsuites>`), 0644))
	store := &fakeStore{buckets: map[string]bool{}, objects: map[string]string{}, types: map[string]string{}}

	require.NoError(t, UploadReports(fs, store, "reports", "42", "/artifacts"))

	assert.True(t, store.buckets["reports"])
	assert.Equal(t, map[string]string{
		"reports/42/test_playbooks_report.json": `{}`,
		"reports/42/test_playbooks_report.xml":  `<testsuites></testsuites>`,
	}, store.objects)
	assert.Equal(t, "application/xml", store.types["reports/42/test_playbooks_report.xml"])

	require.Error(t, UploadReports(afero.NewMemMapFs(), store, "reports", "43", "/artifacts"))
}
