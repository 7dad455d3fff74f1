package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/golang/mock/gomock"
	"github.com/replicatedhq/testcontent/pkg/build"
	"github.com/replicatedhq/testcontent/pkg/conf"
	mock_docker "github.com/replicatedhq/testcontent/pkg/docker/mock"
	"github.com/replicatedhq/testcontent/pkg/integration"
	"github.com/replicatedhq/testcontent/pkg/lock"
	"github.com/replicatedhq/testcontent/pkg/logging"
	"github.com/replicatedhq/testcontent/pkg/results"
	"github.com/replicatedhq/testcontent/pkg/tenant"
	"github.com/replicatedhq/testcontent/pkg/tenant/tenanttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const slackSchema = `{
  "name": "Slack",
  "category": "Messaging",
  "configuration": [{"name": "token", "display": "API Token"}],
  "integrationScript": {"type": "python", "dockerImage": "demisto/slack:1.0.0.1"}
}`

// cancelOnPoll cancels the run once the first playbook state is polled.
type cancelOnPoll struct {
	*tenant.Client
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelOnPoll) PlaybookState(ctx context.Context, investigationID string) (string, error) {
	c.once.Do(c.cancel)
	return c.Client.PlaybookState(ctx, investigationID)
}

type brokenLocker struct {
	*lock.Memory
}

func (brokenLocker) TryLock(_ context.Context, names []string, _ time.Duration) error {
	if len(names) == 0 {
		return nil
	}
	return errors.New("dial tcp 10.0.0.9:6379: connection refused")
}

type fixture struct {
	srv     *tenanttest.Server
	build   *build.Context
	table   *lock.Table
	results *results.Aggregator
}

func newFixture(t *testing.T, serverType build.ServerType, states ...string) *fixture {
	srv := tenanttest.New(t)
	srv.SaaS = serverType.IsSaaS()
	var schema map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(slackSchema), &schema))
	srv.Schemas = []map[string]interface{}{schema}
	if len(states) > 0 {
		srv.PlaybookStates = states
	}

	return &fixture{
		srv: srv,
		build: &build.Context{
			ServerType:     serverType,
			Flavor:         serverType.Flavor(),
			NumericVersion: semver.MustParse(build.DefaultNumericVersion),
			BuildNumber:    "42",
			BranchName:     "feature",
			Catalog:        &conf.Catalog{},
			Secrets: &conf.SecretCatalog{Integrations: []conf.IntegrationConfiguration{
				{Name: "Slack", Params: map[string]interface{}{"token": "t"}},
			}},
		},
		table:   lock.NewTable(),
		results: results.NewAggregator(results.BuildInfo{BuildNumber: "42"}),
	}
}

func (f *fixture) server(tests ...conf.TestConfiguration) *Server {
	s := New(Config{
		Build:          f.build,
		Machine:        build.Machine{ID: "m1", BaseURL: f.srv.URL, UIURL: f.srv.URL},
		Tests:          tests,
		Client:         f.srv.Client(),
		Locker:         f.table.For("build-42:m1"),
		Schemas:        integration.NewSchemaCache(false),
		Results:        f.results,
		Log:            logging.Discard().Worker("m1-0 (execute_tests)"),
		PollInterval:   time.Millisecond,
		SearchInterval: time.Millisecond,
		SearchTimeout:  100 * time.Millisecond,
	})
	s.stallWait = 10 * time.Millisecond
	s.resetSettle = time.Millisecond
	return s
}

func testConfig(id string, integrations ...string) conf.TestConfiguration {
	return conf.TestConfiguration{
		PlaybookID:      id,
		Integrations:    integrations,
		FromVersion:     conf.DefaultFromVersion,
		ToVersion:       conf.DefaultToVersion,
		Timeout:         30,
		MemoryThreshold: 75,
		PIDThreshold:    3,
	}
}

func TestRun_Pass(t *testing.T) {
	f := newFixture(t, build.XSOAR)
	s := f.server(testConfig("Slack Test", "Slack"), testConfig("No Integrations"))

	require.NoError(t, s.Run(context.Background()))

	sum := f.results.Summary()
	assert.ElementsMatch(t, []string{"Slack Test", "No Integrations"}, sum.Succeeded)
	assert.Empty(t, sum.Failed)
	assert.Len(t, sum.Report["Slack Test"], 1)
	assert.Equal(t, "m1", sum.Report["Slack Test"][0].Machine)
	assert.Empty(t, s.Pending())
	assert.ElementsMatch(t, []string{"Slack Test", "No Integrations"}, s.Executed())
	assert.Equal(t, 1, f.srv.Count("POST /containers/reset"))
	assert.Equal(t, 2, f.results.JUnit().Tests)
}

func TestRun_Retries(t *testing.T) {
	tests := []struct {
		name       string
		useRetries bool
		states     []string
		executions int
		succeeded  []string
		failed     []string
	}{
		{
			name:       "quorum",
			useRetries: true,
			states:     []string{tenant.StateFailed, tenant.StateCompleted},
			executions: 3,
			succeeded:  []string{"A"},
		},
		{
			name:       "early stop",
			useRetries: true,
			states:     []string{tenant.StateFailed},
			executions: 2,
			failed:     []string{"A"},
		},
		{
			name:       "first run passes",
			useRetries: true,
			states:     []string{tenant.StateCompleted, tenant.StateFailed, tenant.StateFailed},
			executions: 1,
			succeeded:  []string{"A"},
		},
		{
			name:       "no retries",
			states:     []string{tenant.StateFailed},
			executions: 1,
			failed:     []string{"A"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, build.XSOAR, tt.states...)
			f.build.UseRetries = tt.useRetries
			s := f.server(testConfig("A"))

			require.NoError(t, s.Run(context.Background()))

			sum := f.results.Summary()
			assert.Len(t, sum.Report["A"], tt.executions)
			assert.ElementsMatch(t, tt.succeeded, sum.Succeeded)
			assert.ElementsMatch(t, tt.failed, sum.Failed)
			assert.Empty(t, s.Pending())
		})
	}
}

func TestRun_ReportCounters(t *testing.T) {
	f := newFixture(t, build.XSOAR, tenant.StateFailed, tenant.StateCompleted)
	f.build.UseRetries = true
	s := f.server(testConfig("A"))

	require.NoError(t, s.Run(context.Background()))

	report := f.results.Summary().Report["A"]
	require.Len(t, report, 3)
	var counters [][2]int
	for _, e := range report {
		counters = append(counters, [2]int{e.Executions, e.Successes})
	}
	assert.Equal(t, [][2]int{{1, 0}, {2, 1}, {3, 2}}, counters)
	assert.Equal(t, "failed", report[0].Status)
	assert.Equal(t, "completed", report[1].Status)
}

func TestRun_RetryQuorumAfterFailure(t *testing.T) {
	f := newFixture(t, build.XSOAR, tenant.StateFailed, tenant.StateCompleted, tenant.StateFailed)
	f.build.UseRetries = true
	s := f.server(testConfig("A"))

	require.NoError(t, s.Run(context.Background()))

	sum := f.results.Summary()
	assert.Len(t, sum.Report["A"], 3)
	assert.Equal(t, []string{"A"}, sum.Failed)
	assert.Empty(t, sum.Succeeded)
}

func TestRun_RetriesAfterPrimaryQueue(t *testing.T) {
	f := newFixture(t, build.XSOAR, tenant.StateFailed, tenant.StateCompleted)
	f.build.UseRetries = true
	s := f.server(testConfig("A"), testConfig("B"))

	require.NoError(t, s.Run(context.Background()))

	sum := f.results.Summary()
	require.Len(t, sum.Report["A"], 3)
	require.Len(t, sum.Report["B"], 1)
	assert.True(t, sum.Report["B"][0].Start <= sum.Report["A"][1].Start)
	assert.ElementsMatch(t, []string{"A", "B"}, sum.Succeeded)
}

func TestRun_ConfigurationFailedIsNotRetried(t *testing.T) {
	f := newFixture(t, build.XSOAR)
	f.build.UseRetries = true
	s := f.server(testConfig("A", "Missing"))

	require.NoError(t, s.Run(context.Background()))

	sum := f.results.Summary()
	require.Len(t, sum.Report["A"], 1)
	assert.Equal(t, "Configuration", sum.Report["A"][0].FailedStage)
	assert.Empty(t, sum.Report["A"][0].InvestigationID)
	assert.Equal(t, []string{"A"}, sum.Failed)
}

func TestRun_LockedElsewhere(t *testing.T) {
	f := newFixture(t, build.XSOAR)
	other := f.table.For("build-41:m9")
	require.NoError(t, other.TryLock(context.Background(), []string{"Slack"}, time.Minute))
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = other.Unlock(context.Background(), []string{"Slack"})
	}()
	s := f.server(testConfig("Slack Test", "Slack"), testConfig("B"))

	require.NoError(t, s.Run(context.Background()))

	sum := f.results.Summary()
	assert.ElementsMatch(t, []string{"Slack Test", "B"}, sum.Succeeded)
	require.Len(t, sum.Report["Slack Test"], 1)
	assert.True(t, sum.Report["B"][0].Start <= sum.Report["Slack Test"][0].Start)
	assert.Empty(t, s.Pending())
}

func TestRun_ParallelIntegrationIsNotLocked(t *testing.T) {
	f := newFixture(t, build.XSOAR)
	f.build.Catalog.ParallelIntegrations = []string{"Slack"}
	require.NoError(t, f.table.For("build-41:m9").TryLock(context.Background(), []string{"Slack"}, time.Minute))
	s := f.server(testConfig("Slack Test", "Slack"))

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{"Slack Test"}, f.results.Summary().Succeeded)
}

func TestRun_PodmanHost(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	exec := mock_docker.NewMockExecutor(ctrl)
	exec.EXPECT().Execute(gomock.Any(), "ls -l /home/ec2-user/rhel_ami").Return([]byte("rhel_ami"), nil, nil)

	f := newFixture(t, build.XSOAR)
	dockerOnly := testConfig("Docker Only")
	dockerOnly.RunnableOnDockerOnly = true
	s := f.server(dockerOnly, testConfig("B"))
	s.cfg.Executor = exec

	err := s.Run(context.Background())
	require.True(t, errors.Is(err, ErrStalled))

	assert.Equal(t, []string{"B"}, f.results.Summary().Succeeded)
	assert.Equal(t, []string{"Docker Only"}, s.Pending())
}

func TestRun_PodmanHostDrainsRetries(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	exec := mock_docker.NewMockExecutor(ctrl)
	exec.EXPECT().Execute(gomock.Any(), "ls -l /home/ec2-user/rhel_ami").Return([]byte("rhel_ami"), nil, nil)

	f := newFixture(t, build.XSOAR, tenant.StateFailed, tenant.StateCompleted)
	f.build.UseRetries = true
	dockerOnly := testConfig("Docker Only")
	dockerOnly.RunnableOnDockerOnly = true
	s := f.server(testConfig("B"), dockerOnly)
	s.cfg.Executor = exec

	err := s.Run(context.Background())
	require.True(t, errors.Is(err, ErrStalled))

	sum := f.results.Summary()
	assert.Len(t, sum.Report["B"], 3)
	assert.Equal(t, []string{"B"}, sum.Succeeded)
	assert.Empty(t, sum.Failed)
	assert.Equal(t, []string{"Docker Only"}, s.Pending())
}

func TestRun_LockBackendError(t *testing.T) {
	f := newFixture(t, build.XSOAR)
	s := f.server(testConfig("Slack Test", "Slack"), testConfig("B"))
	s.cfg.Locker = brokenLocker{f.table.For("build-42:m1")}

	require.NoError(t, s.Run(context.Background()))

	sum := f.results.Summary()
	assert.Equal(t, []string{"Slack Test"}, sum.Failed)
	assert.Equal(t, []string{"B"}, sum.Succeeded)
	require.Len(t, sum.Report["Slack Test"], 1)
	assert.Equal(t, "Lock", sum.Report["Slack Test"][0].FailedStage)
	assert.Empty(t, s.Pending())
}

func TestRun_InterruptBetweenTests(t *testing.T) {
	f := newFixture(t, build.XSIAM)
	s := f.server(testConfig("A"), testConfig("B"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.cfg.Client = &cancelOnPoll{Client: f.srv.Client(), cancel: cancel}

	require.ErrorIs(t, s.Run(ctx), context.Canceled)

	sum := f.results.Summary()
	assert.Equal(t, []string{"A"}, sum.Succeeded, "the running test finishes")
	assert.Empty(t, sum.Failed)
	assert.Equal(t, []string{"B"}, s.Pending())
}

func TestRun_ResetContainers(t *testing.T) {
	t.Run("failure aborts", func(t *testing.T) {
		f := newFixture(t, build.XSOAR)
		f.srv.Fail("POST /containers/reset", http.StatusInternalServerError, -1)
		s := f.server(testConfig("A"))

		require.Error(t, s.Run(context.Background()))
		assert.Equal(t, []string{"A"}, s.Pending())
		assert.Empty(t, f.results.Summary().Report)
	})

	t.Run("skipped on saas", func(t *testing.T) {
		f := newFixture(t, build.XSIAM)
		s := f.server(testConfig("A"))

		require.NoError(t, s.Run(context.Background()))
		assert.Zero(t, f.srv.Count("POST /containers/reset"))
		assert.Equal(t, []string{"A"}, f.results.Summary().Succeeded)
	})
}

func TestRun_RestoresSystemConfig(t *testing.T) {
	f := newFixture(t, build.XSOAR)
	f.srv.SysConf = map[string]interface{}{"a": "1"}
	f.build.Secrets.Integrations[0].Params["server_keys"] = map[string]interface{}{"b": "2"}
	s := f.server(testConfig("Slack Test", "Slack"))

	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, []map[string]interface{}{
		{"a": "1", "b": "2"},
		{"a": "1"},
	}, f.srv.SysConfPosts())
	assert.Equal(t, 2, f.srv.Count("POST /containers/reset"))
	s.mu.Lock()
	assert.Nil(t, s.prevSystemConf)
	s.mu.Unlock()
}

func TestRun_Canceled(t *testing.T) {
	f := newFixture(t, build.XSIAM)
	s := f.server(testConfig("A"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, s.Run(ctx), context.Canceled)
	assert.Equal(t, []string{"A"}, s.Pending())
}
