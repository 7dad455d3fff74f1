// Package server runs the tests assigned to one tenant.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/replicatedhq/testcontent/pkg/build"
	"github.com/replicatedhq/testcontent/pkg/conf"
	"github.com/replicatedhq/testcontent/pkg/docker"
	"github.com/replicatedhq/testcontent/pkg/integration"
	"github.com/replicatedhq/testcontent/pkg/lock"
	"github.com/replicatedhq/testcontent/pkg/logging"
	"github.com/replicatedhq/testcontent/pkg/playbook"
	"github.com/replicatedhq/testcontent/pkg/results"
	"github.com/replicatedhq/testcontent/pkg/retry"
)

const (
	// StallWait bounds the wait for locks held by other builds once every
	// queued test was deferred.
	StallWait = 30 * time.Second
	// ResetSettle is the time containers get to come back after a reset.
	ResetSettle = 10 * time.Second
)

// ErrStalled is returned when the queue cannot make progress: every queued
// test was deferred and none of them waits for a lock.
var ErrStalled = errors.New("tests queue stalled")

// Tenant is the tenant API used by a worker.
type Tenant interface {
	playbook.Tenant
	RestoreSystemConfig(ctx context.Context, conf map[string]interface{}) error
}

type Config struct {
	Build   *build.Context
	Machine build.Machine
	Tests   []conf.TestConfiguration

	Client  Tenant
	Locker  lock.Locker
	Schemas *integration.SchemaCache
	// Executor runs commands on the tenant host. It is nil when the host
	// cannot be reached over ssh, which disables the docker checks.
	Executor docker.Executor
	Results  *results.Aggregator
	Notifier playbook.Notifier
	Log      *logging.Logger

	PollInterval   time.Duration
	SearchInterval time.Duration
	SearchTimeout  time.Duration
}

type queue []conf.TestConfiguration

// Server owns the queues of one tenant. Run must be called once.
type Server struct {
	cfg    Config
	log    *logging.Logger
	runner *playbook.Runner

	mu       sync.Mutex
	tests    queue
	retries  queue
	executed map[string]bool
	states   map[string]retry.State
	// round holds the tests popped since the last executed one.
	round map[string]bool
	// deferred holds the lock names of tests sent back to the queue in the
	// current round.
	deferred       map[string][]string
	prevSystemConf map[string]interface{}

	usesDocker  bool
	stallWait   time.Duration
	resetSettle time.Duration
}

func New(cfg Config) *Server {
	s := &Server{
		cfg:         cfg,
		log:         cfg.Log,
		tests:       append(queue(nil), cfg.Tests...),
		executed:    map[string]bool{},
		states:      map[string]retry.State{},
		round:       map[string]bool{},
		deferred:    map[string][]string{},
		usesDocker:  true,
		stallWait:   StallWait,
		resetSettle: ResetSettle,
	}
	return s
}

// SetPrevSystemConf records the server configuration replaced by the running
// test.
func (s *Server) SetPrevSystemConf(prev map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prevSystemConf == nil {
		s.prevSystemConf = prev
	}
}

// Pending returns the tests that were not executed.
func (s *Server) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, q := range []queue{s.tests, s.retries} {
		for _, t := range q {
			ids = append(ids, t.PlaybookID)
		}
	}
	return ids
}

// Executed returns the playbooks executed at least once.
func (s *Server) Executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.executed))
	for id := range s.executed {
		ids = append(ids, id)
	}
	return ids
}

// Run executes the queued tests, then the retries.
func (s *Server) Run(ctx context.Context) error {
	b := s.cfg.Build
	m := s.cfg.Machine
	s.log.RealTime().Infof("Starts tests with server url - %s", m.BaseURL)
	defer s.log.Flush()

	if !b.Flavor.IsSaaS() {
		if err := s.resetContainers(ctx); err != nil {
			return err
		}
	}

	var checker playbook.ResourceChecker
	if s.cfg.Executor != nil {
		probe := docker.NewProbe(s.cfg.Executor, m.Host, s.log)
		s.usesDocker = probe.UsesDocker(ctx)
		if b.MemCheck && s.usesDocker {
			checker = probe
		}
	}

	s.runner = playbook.NewRunner(playbook.Config{
		Client:         s.cfg.Client,
		Flavor:         b.Flavor,
		ServerVersion:  b.NumericVersion,
		UIURL:          m.UIURL,
		BuildNumber:    b.BuildNumber,
		BuildName:      b.BranchName,
		Catalog:        b.Catalog,
		Integrations:   integration.NewManager(s.cfg.Client, b.Flavor, b.Secrets, s.cfg.Schemas, s, s.log),
		Locker:         s.cfg.Locker,
		Docker:         checker,
		Notifier:       s.cfg.Notifier,
		Log:            s.log,
		PollInterval:   s.cfg.PollInterval,
		SearchInterval: s.cfg.SearchInterval,
		SearchTimeout:  s.cfg.SearchTimeout,
	})

	// A stalled primary queue still lets the retries of the tests that ran
	// reach a decision.
	stalled := s.drain(ctx, &s.tests)
	if stalled != nil && !errors.Is(stalled, ErrStalled) {
		return stalled
	}
	if b.UseRetries {
		s.log.RealTime().Infof("Running failed tests again on server url - %s", m.BaseURL)
		if err := s.drain(ctx, &s.retries); err != nil {
			return err
		}
	}
	if stalled != nil {
		return stalled
	}

	s.log.RealTime().Infof("Finished tests with server url - %s", m.BaseURL)
	s.log.Debugf("Tests executed on server %s: %v", m.ID, s.Executed())
	return nil
}

func (s *Server) resetContainers(ctx context.Context) error {
	s.log.RealTime().Infof("Resetting containers")
	if err := s.cfg.Client.ResetContainers(ctx); err != nil {
		s.log.RealTime().Criticalf("Request to reset containers failed: %v", err)
		return errors.Wrap(err, "reset containers")
	}
	t := time.NewTimer(s.resetSettle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// pop takes the next test of q. A test seen twice in a round means every
// queued test was deferred since the last execution: the worker then waits for
// the locks of the deferred tests.
func (s *Server) pop(ctx context.Context, q *queue) (conf.TestConfiguration, bool, error) {
	s.mu.Lock()
	if len(*q) == 0 {
		s.mu.Unlock()
		return conf.TestConfiguration{}, false, nil
	}
	test := (*q)[0]
	*q = (*q)[1:]

	if !s.round[test.PlaybookID] {
		s.round[test.PlaybookID] = true
		s.mu.Unlock()
		return test, true, nil
	}

	var names []string
	for _, n := range s.deferred {
		names = append(names, n...)
	}
	locked := len(s.deferred) > 0
	s.round = map[string]bool{test.PlaybookID: true}
	s.deferred = map[string][]string{}
	s.mu.Unlock()

	if !locked {
		s.log.RealTime().Criticalf("No test in the queue can run on server %s", s.cfg.Machine.ID)
		s.requeue(q, test)
		return conf.TestConfiguration{}, false, ErrStalled
	}
	s.log.RealTime().Infof("all tests in the queue were executed, waiting up to %s to let locked tests get unlocked.", s.stallWait)
	if err := s.cfg.Locker.Wait(ctx, names, s.stallWait); err != nil {
		s.requeue(q, test)
		return conf.TestConfiguration{}, false, err
	}
	return test, true, nil
}

func (s *Server) requeue(q *queue, test conf.TestConfiguration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*q = append(*q, test)
}

func (s *Server) drain(ctx context.Context, q *queue) error {
	s.mu.Lock()
	s.round = map[string]bool{}
	s.deferred = map[string][]string{}
	s.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		test, ok, err := s.pop(ctx, q)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		s.execute(ctx, q, test)
	}
}

func (s *Server) execute(ctx context.Context, q *queue, test conf.TestConfiguration) {
	if test.RunnableOnDockerOnly && !s.usesDocker {
		s.log.Debugf("Skipping test %s since it's not runnable on podman instances", test)
		s.requeue(q, test)
		s.log.Flush()
		return
	}

	// A started test runs to its own timeout. Interrupts are honoured
	// between tests by drain.
	runCtx := context.WithoutCancel(ctx)
	start := time.Now()
	res := s.runner.Run(runCtx, test)
	s.restoreSystemConf(runCtx)

	if !res.Executed {
		s.mu.Lock()
		s.deferred[test.PlaybookID] = playbook.LockNames(test, s.cfg.Build.Catalog)
		s.mu.Unlock()
		s.requeue(q, test)
		s.log.Flush()
		return
	}

	s.mu.Lock()
	state, decision := retry.Decide(s.states[test.PlaybookID], res.Status, s.cfg.Build.UseRetries)
	s.states[test.PlaybookID] = state
	s.executed[test.PlaybookID] = true
	s.round = map[string]bool{}
	s.deferred = map[string][]string{}
	if decision == retry.Requeue {
		s.retries = append(s.retries, test)
	}
	s.mu.Unlock()

	switch decision {
	case retry.Pass:
		s.log.Infof("Test %s passed after %d executions (%d succeeded)", test.PlaybookID, state.Executions, state.Successes)
		s.cfg.Results.AddSucceeded(test.PlaybookID)
	case retry.Fail:
		s.log.Infof("Test %s failed after %d executions (%d succeeded)", test.PlaybookID, state.Executions, state.Successes)
		s.cfg.Results.AddFailed(test.PlaybookID)
	default:
		s.log.Infof("Test %s will run again (execution %d, %d succeeded)", test.PlaybookID, state.Executions, state.Successes)
	}
	s.cfg.Results.AddExecution(s.cfg.Machine.ID, test, res, state, start, s.log.Flush())
}

func (s *Server) restoreSystemConf(ctx context.Context) {
	s.mu.Lock()
	prev := s.prevSystemConf
	s.prevSystemConf = nil
	s.mu.Unlock()
	if prev == nil {
		return
	}
	s.log.Debugf("Restoring server configuration")
	if err := s.cfg.Client.RestoreSystemConfig(ctx, prev); err != nil {
		s.log.Exception(err, "Failed to restore server configuration")
	}
}
