// Package runner executes the test playbooks of a build on every tenant and
// writes the results.
package runner

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/briandowns/spinner"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/replicatedhq/testcontent/pkg/build"
	"github.com/replicatedhq/testcontent/pkg/docker"
	"github.com/replicatedhq/testcontent/pkg/integration"
	"github.com/replicatedhq/testcontent/pkg/lock"
	"github.com/replicatedhq/testcontent/pkg/logging"
	"github.com/replicatedhq/testcontent/pkg/playbook"
	"github.com/replicatedhq/testcontent/pkg/results"
	"github.com/replicatedhq/testcontent/pkg/server"
	"github.com/replicatedhq/testcontent/pkg/tenant"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

var (
	ErrTestsFailed    = errors.New("some tests have failed")
	ErrNotAllExecuted = errors.New("not all tests have been executed")
)

// PRCommenter comments on the pull request of a commit.
type PRCommenter interface {
	CommentSkippedContent(ctx context.Context, sha, branch string, entries []string) error
}

type Options struct {
	Build         *build.Context
	FS            afero.Fs
	ArtifactsPath string
	Logs          *logging.Manager

	// Locker returns the lock owner of a tenant worker.
	Locker func(owner string) lock.Locker
	// Client returns the API client of a tenant. Nil connects with
	// tenant.NewClient.
	Client func(m build.Machine) server.Tenant
	// Executor returns the ssh executor of a tenant host, or nil when the host
	// cannot be reached.
	Executor func(m build.Machine) docker.Executor

	Notifier  playbook.Notifier
	GitHub    PRCommenter
	CommitSHA string

	ObjectStore results.ObjectStore
	Bucket      string

	Progress   io.Writer
	IsTerminal bool

	// Server tunes the tenant workers. Build, Machine, Tests and the clients
	// are filled in per tenant.
	Server server.Config
}

func newClient(m build.Machine) server.Tenant {
	return tenant.NewClient(tenant.Options{
		BaseURL: m.BaseURL,
		APIKey:  m.APIKey,
		AuthID:  m.AuthID,
	})
}

// Run executes the tests of the build. It returns ErrNotAllExecuted when a
// tenant could not run its whole queue and ErrTestsFailed when a test failed.
func Run(ctx context.Context, opts Options) error {
	b := opts.Build
	log := opts.Logs.Worker("main").RealTime()
	log.Infof("Starting to run tests on %s", b)

	agg := results.NewAggregator(results.BuildInfo{
		BuildNumber:   b.BuildNumber,
		Branch:        b.BranchName,
		ServerType:    string(b.ServerType),
		ServerVersion: b.ServerVersion,
	})
	plan := b.Plan(log)
	for id, reason := range plan.Skipped {
		agg.AddSkipped(id, reason)
	}
	for name, reason := range b.SkippedIntegrations(plan) {
		agg.AddSkippedIntegration(name, reason)
	}
	for _, entry := range plan.SkippedIntegrations {
		agg.AddPlaybookSkippedIntegration(entry)
	}

	clientFor := opts.Client
	if clientFor == nil {
		clientFor = newClient
	}
	total := 0
	servers := make([]*server.Server, len(b.Machines))
	for i, m := range b.Machines {
		cfg := opts.Server
		cfg.Build = b
		cfg.Machine = m
		cfg.Tests = plan.Queues[m.ID]
		cfg.Client = clientFor(m)
		cfg.Locker = opts.Locker(fmt.Sprintf("%s:%s", b.BuildNumber, m.ID))
		cfg.Schemas = integration.NewSchemaCache(b.Nightly)
		cfg.Results = agg
		cfg.Notifier = opts.Notifier
		cfg.Log = opts.Logs.Worker(fmt.Sprintf("%s-%d (execute_tests)", m.ID, i))
		if opts.Executor != nil && m.Host != "" {
			if exec := opts.Executor(m); exec != nil {
				cfg.Executor = exec
			}
		}
		servers[i] = server.New(cfg)
		total += len(cfg.Tests)
	}

	log.Infof("Finished creating configurations, starting to run tests.")
	stop := startProgress(opts.Progress, opts.IsTerminal, total, agg)
	errs := make([]error, len(servers))
	var g errgroup.Group
	for i := range servers {
		i := i
		g.Go(func() error {
			errs[i] = servers[i].Run(ctx)
			return nil
		})
	}
	_ = g.Wait()
	stop()
	opts.Logs.FlushAll()
	log.Infof("Finished running tests.")

	var merr *multierror.Error
	for i, err := range errs {
		if err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "server %s", b.Machines[i].ID))
		}
	}
	if merr != nil {
		log.Errorf("Tenant workers stopped early: %v", merr.ErrorOrNil())
	}
	for _, s := range servers {
		if len(s.Pending()) > 0 {
			log.Criticalf("Not all tests have been executed. Not destroying instances. Exiting")
			return multierror.Append(merr, ErrNotAllExecuted).ErrorOrNil()
		}
	}

	sum := agg.Summary()
	if len(sum.PlaybookSkippedIntegration) > 0 && b.BranchName != "master" && !b.Nightly && opts.GitHub != nil {
		if err := opts.GitHub.CommentSkippedContent(ctx, opts.CommitSHA, b.BranchName, sum.PlaybookSkippedIntegration); err != nil {
			log.Exception(err, "Failed to comment skipped content on the pull request")
		}
	}
	agg.PrintSummary(log)
	if err := agg.WriteFiles(opts.FS, opts.ArtifactsPath); err != nil {
		return errors.Wrap(err, "write result files")
	}
	if b.Nightly && opts.ObjectStore != nil {
		if err := results.UploadReports(opts.FS, opts.ObjectStore, opts.Bucket, b.BuildNumber, opts.ArtifactsPath); err != nil {
			log.Exception(err, "Failed to upload playbook reports")
		}
	}

	if len(sum.Failed) > 0 {
		log.Criticalf("Some tests have failed. Not destroying instances.")
		return ErrTestsFailed
	}
	return nil
}

func startProgress(w io.Writer, isTerminal bool, total int, agg *results.Aggregator) func() {
	if w == nil || !isTerminal {
		return func() {}
	}
	sp := spinner.New(
		spinner.CharSets[9],
		100*time.Millisecond,
		spinner.WithWriter(w),
		spinner.WithColor("reset"),
		spinner.WithFinalMSG("✔ complete\n"),
	)
	sp.PreUpdate = func(s *spinner.Spinner) {
		s.Suffix = fmt.Sprintf(" %d/%d tests done", agg.Done(), total)
	}
	sp.Start()
	return sp.Stop
}
