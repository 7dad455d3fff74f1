// Package playbook runs one execution of a test playbook on a tenant: it
// provisions the integrations, creates the incident, waits for the playbook
// and cleans up after it.
package playbook

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
	"github.com/replicatedhq/testcontent/pkg/conf"
	"github.com/replicatedhq/testcontent/pkg/docker"
	"github.com/replicatedhq/testcontent/pkg/integration"
	"github.com/replicatedhq/testcontent/pkg/lock"
	"github.com/replicatedhq/testcontent/pkg/logging"
	"github.com/replicatedhq/testcontent/pkg/status"
	"github.com/replicatedhq/testcontent/pkg/tenant"
)

// LockGrace is added to the test timeout to get the integration lock TTL.
const LockGrace = 3 * time.Minute

const (
	defaultPollInterval   = 5 * time.Second
	defaultSearchInterval = 10 * time.Second
	defaultSearchTimeout  = 300 * time.Second
	pollLogEvery          = 4
)

// Tenant is the tenant API a test playbook run uses.
type Tenant interface {
	integration.Client
	tenant.IncidentRemover
	Renew()
	CreateIncident(ctx context.Context, req tenant.CreateIncidentRequest) (*tenant.Incident, error)
	SearchIncidents(ctx context.Context, query string) (*tenant.IncidentSearchResult, error)
	PlaybookState(ctx context.Context, investigationID string) (string, error)
	InvestigationEntries(ctx context.Context, investigationID string) (*tenant.Investigation, error)
	InvestigationContext(ctx context.Context, investigationID, dt string) (json.RawMessage, error)
	GetPlaybook(ctx context.Context, id string) (*tenant.Playbook, error)
	UpdatePlaybookInputs(ctx context.Context, id string, body interface{}) error
}

// ResourceChecker checks the containers of a test after it completed.
// *docker.Probe implements it.
type ResourceChecker interface {
	CheckResourceUsage(ctx context.Context, check docker.ResourceCheck) string
}

// Notifier announces failed tests.
type Notifier interface {
	NotifyFailure(ctx context.Context, text string) error
}

// Config is everything a Runner needs about the build and the tenant.
type Config struct {
	Client        Tenant
	Flavor        tenant.Flavor
	ServerVersion *semver.Version
	UIURL         string
	BuildNumber   string
	BuildName     string
	Catalog       *conf.Catalog
	Integrations  *integration.Manager
	Locker        lock.Locker
	// Docker is nil when the host does not run integrations in docker.
	Docker   ResourceChecker
	Notifier Notifier
	Log      *logging.Logger

	// Zero values use the defaults.
	PollInterval   time.Duration
	SearchInterval time.Duration
	SearchTimeout  time.Duration
}

// Result is the outcome of one execution.
type Result struct {
	// Executed is false when an integration lock was held elsewhere and the
	// test must go back to the queue.
	Executed        bool
	Status          status.Status
	Stage           status.Stage
	InvestigationID string
	DockerImages    []string
	Duration        time.Duration
}

type Runner struct {
	Config

	pollInterval   time.Duration
	searchInterval time.Duration
	searchTimeout  time.Duration
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		Config:         cfg,
		pollInterval:   orDefault(cfg.PollInterval, defaultPollInterval),
		searchInterval: orDefault(cfg.SearchInterval, defaultSearchInterval),
		searchTimeout:  orDefault(cfg.SearchTimeout, defaultSearchTimeout),
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// LockNames returns the integrations of a test that must be locked across
// builds.
func LockNames(test conf.TestConfiguration, catalog *conf.Catalog) []string {
	var names []string
	for _, name := range test.Integrations {
		if catalog != nil && catalog.IsParallel(name) {
			continue
		}
		names = append(names, name)
	}
	return names
}

// Run executes a test once. Locks on its integrations are held for the
// duration of the run.
func (r *Runner) Run(ctx context.Context, test conf.TestConfiguration) Result {
	r.Log.Infof("------ Test %s start ------", test)

	names := LockNames(test, r.Catalog)
	ttl := time.Duration(test.Timeout)*time.Second + LockGrace
	if err := r.Locker.TryLock(ctx, names, ttl); err != nil {
		if errors.Is(err, lock.ErrUnavailable) {
			r.Log.Infof("Test %s was not executed: %v", test, err)
			return Result{}
		}
		r.Log.Exception(err, "Failed to lock integrations of %s", test)
		res := Result{Executed: true, Status: status.Failed, Stage: status.StageLock}
		r.Log.Errorf("Test failed: %s (status: %s, stage: %s)", test, res.Status, res.Stage)
		return res
	}
	defer func() {
		if err := r.Locker.Unlock(context.Background(), names); err != nil {
			r.Log.Exception(err, "Failed to unlock integrations of %s", test)
		}
	}()

	start := time.Now()
	res := r.execute(ctx, test)
	res.Executed = true
	res.Duration = time.Since(start)

	switch {
	case res.Status.Passed():
		r.Log.Successf("PASS: %s succeed", test)
	default:
		r.Log.Errorf("Test failed: %s (status: %s, stage: %s)", test, res.Status, res.Stage)
		r.notifyFailure(ctx, test, res)
	}
	r.Log.Infof("------ Test %s end ------", test)
	return res
}

func (r *Runner) execute(ctx context.Context, test conf.TestConfiguration) (res Result) {
	var instances []*integration.Instance
	for _, name := range test.Integrations {
		inst, err := r.Integrations.Resolve(name, test)
		if err != nil {
			r.cleanup(ctx, instances, "", false)
			return Result{Status: status.ConfigurationFailed, Stage: status.StageConfiguration}
		}
		if err := r.Integrations.Create(ctx, inst, test); err != nil {
			r.cleanup(ctx, instances, "", false)
			return Result{Status: status.ConfigurationFailed, Stage: status.StageConfiguration}
		}
		instances = append(instances, inst)
	}
	res.DockerImages = dockerImages(instances)

	for _, inst := range instances {
		if err := r.Integrations.TestModule(ctx, inst); err != nil {
			r.cleanup(ctx, instances, "", false)
			res.Status, res.Stage = status.Failed, status.StageTestModule
			return res
		}
	}

	restore, err := r.applyOverride(ctx, test)
	if err != nil {
		r.Log.Exception(err, "Failed to override inputs of external playbook")
		r.cleanup(ctx, instances, "", false)
		res.Status, res.Stage = status.Failed, status.StagePlaybook
		return res
	}
	if restore != nil {
		defer func() {
			if err := restore(); err != nil {
				r.Log.Exception(err, "Failed to restore inputs of external playbook")
				res.Status, res.Stage = status.Failed, status.StagePlaybook
			}
		}()
	}

	inc, err := r.createIncident(ctx, test)
	if err != nil {
		r.Log.Exception(err, "Failed to create %s for %s", r.Flavor.Noun(), test)
		r.cleanup(ctx, instances, "", false)
		res.Status, res.Stage = status.Failed, status.StageIncident
		return res
	}
	res.InvestigationID = r.Flavor.InvestigationID(inc)
	r.Log.Infof("Investigation URL: %s", r.Flavor.InvestigationURL(r.Client.BaseURL(), r.UIURL, res.InvestigationID))

	res.Status = r.poll(ctx, test, res.InvestigationID)
	if res.Status != status.Completed && res.Status != status.NotSupportedVersion {
		res.Stage = status.StagePlaybook
	}
	if res.Status == status.Completed && test.ContextPrintDT != "" {
		r.printContext(ctx, res.InvestigationID, test.ContextPrintDT)
	}

	if res.Status == status.Completed && r.Docker != nil && len(res.DockerImages) > 0 {
		check := docker.ResourceCheck{
			Images:          res.DockerImages,
			MemoryThreshold: test.MemoryThreshold,
			PIDThreshold:    test.PIDThreshold,
			Powershell:      usesPowershell(instances),
		}
		if r.Catalog != nil {
			check.Overrides = r.Catalog.DockerThresholds.Images
		}
		if msg := r.Docker.CheckResourceUsage(ctx, check); msg != "" {
			r.Log.Errorf("%s", msg)
			res.Status, res.Stage = status.FailedDockerTest, status.StageDocker
		}
	}

	r.cleanup(ctx, instances, inc.ID, res.Status.Passed())
	return res
}

// cleanup removes what a test created. On-prem tenants keep the instances of
// failed tests, disabled, for debugging. SaaS tenants always start clean.
func (r *Runner) cleanup(ctx context.Context, instances []*integration.Instance, incidentID string, passed bool) {
	keep := !r.Flavor.IsSaaS() && !passed
	if incidentID != "" && !keep {
		if err := r.Flavor.RemoveIncident(ctx, r.Client, incidentID); err != nil {
			r.Log.Exception(err, "Failed to remove %s %s", r.Flavor.Noun(), incidentID)
		}
	}
	for _, inst := range instances {
		if keep {
			r.Integrations.Disable(ctx, inst)
		} else {
			r.Integrations.Delete(ctx, inst)
		}
	}
}

func (r *Runner) printContext(ctx context.Context, investigationID, dt string) {
	out, err := r.Client.InvestigationContext(ctx, investigationID, dt)
	if err != nil {
		r.Log.Exception(err, "Failed to get context for %s", dt)
		return
	}
	r.Log.Infof("Context for %s:\n%s", dt, string(out))
}

func (r *Runner) notifyFailure(ctx context.Context, test conf.TestConfiguration, res Result) {
	if r.Notifier == nil {
		return
	}
	text := fmt.Sprintf("%s - %s Failed\n %s", r.BuildName, test.PlaybookID, r.Client.BaseURL())
	if res.InvestigationID != "" {
		text = fmt.Sprintf("%s - %s Failed\n %s", r.BuildName, test.PlaybookID,
			r.Flavor.InvestigationURL(r.Client.BaseURL(), r.UIURL, res.InvestigationID))
	}
	if err := r.Notifier.NotifyFailure(ctx, text); err != nil {
		r.Log.Exception(err, "Failed to notify about %s", test)
	}
}

func dockerImages(instances []*integration.Instance) []string {
	seen := map[string]bool{}
	var out []string
	for _, inst := range instances {
		for _, image := range inst.DockerImages {
			if !seen[image] {
				seen[image] = true
				out = append(out, image)
			}
		}
	}
	sort.Strings(out)
	return out
}

func usesPowershell(instances []*integration.Instance) bool {
	for _, inst := range instances {
		if inst.ScriptType == docker.TypePowershell {
			return true
		}
	}
	return false
}
