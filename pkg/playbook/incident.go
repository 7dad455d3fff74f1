package playbook

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/replicatedhq/testcontent/pkg/conf"
	"github.com/replicatedhq/testcontent/pkg/status"
	"github.com/replicatedhq/testcontent/pkg/tenant"
)

var passwordRegexp = regexp.MustCompile(` (P|p)assword="[^";]*"`)

// IncidentName is unique per execution so a created incident can be found by
// name on tenants that do not return its id.
func IncidentName(playbookID, buildNumber string) string {
	return fmt.Sprintf("inc-%s-build_number:%s-%s", playbookID, buildNumber, uuid.New().String())
}

func (r *Runner) createIncident(ctx context.Context, test conf.TestConfiguration) (*tenant.Incident, error) {
	name := IncidentName(test.PlaybookID, r.BuildNumber)
	created, err := r.Client.CreateIncident(ctx, tenant.CreateIncidentRequest{
		CreateInvestigation: true,
		PlaybookID:          test.PlaybookID,
		Name:                name,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", r.Flavor.Noun())
	}

	query := r.Flavor.SearchQuery(created, name)
	deadline := time.Now().Add(r.searchTimeout)
	for {
		res, err := r.Client.SearchIncidents(ctx, query)
		switch {
		case err != nil:
			r.Log.Exception(err, "Searching %s with query %q failed", r.Flavor.Noun(), query)
		case len(res.Data) > 0:
			found := res.Data[0]
			if found.ID == "" {
				found.ID = created.ID
			}
			if found.InvestigationID == "" {
				found.InvestigationID = created.InvestigationID
			}
			if r.Flavor.InvestigationID(&found) == "" {
				return nil, errors.Errorf("%s %s has no investigation id", r.Flavor.Noun(), found.ID)
			}
			return &found, nil
		}
		if time.Now().After(deadline) {
			return nil, errors.Errorf("%s with query %q was not found in %s", r.Flavor.Noun(), query, r.searchTimeout)
		}
		r.Log.Debugf("Did not find %s yet, retrying in %s", r.Flavor.Noun(), r.searchInterval)
		if err := sleep(ctx, r.searchInterval); err != nil {
			return nil, err
		}
	}
}

type pollKind int

const (
	pollOK pollKind = iota
	pollTransient
	pollFatal
)

// pollResult is the outcome of one state request.
type pollResult struct {
	kind  pollKind
	state status.Status
	err   error
}

func (r *Runner) pollOnce(ctx context.Context, investigationID string) pollResult {
	state, err := r.Client.PlaybookState(ctx, investigationID)
	if err == nil {
		if state == "" {
			return pollResult{kind: pollOK, state: status.InProgress}
		}
		return pollResult{kind: pollOK, state: status.Status(state)}
	}
	var apiErr *tenant.APIError
	if errors.As(err, &apiErr) || ctx.Err() != nil {
		return pollResult{kind: pollFatal, err: err}
	}
	return pollResult{kind: pollTransient, err: err}
}

// poll waits for the playbook of an investigation to stop. A timeout counts
// as a failure.
func (r *Runner) poll(ctx context.Context, test conf.TestConfiguration, investigationID string) status.Status {
	deadline := time.Now().Add(time.Duration(test.Timeout) * time.Second)
	renewed := false
	for attempt := 1; ; attempt++ {
		if err := sleep(ctx, r.pollInterval); err != nil {
			r.Log.Errorf("%s was interrupted: %v", test, err)
			return status.Failed
		}

		res := r.pollOnce(ctx, investigationID)
		if res.kind == pollFatal && tenant.IsUnauthorized(res.err) && !renewed {
			r.Log.Warningf("Session expired, renewing it")
			r.Client.Renew()
			renewed = true
			res = r.pollOnce(ctx, investigationID)
		}

		state := res.state
		switch res.kind {
		case pollFatal:
			r.Log.Exception(res.err, "Failed to get investigation playbook state, error trying to communicate with the server")
			return status.Failed
		case pollTransient:
			r.Log.Exception(res.err, "Error when trying to get investigation playbook state")
			state = "Pending"
		}

		switch state {
		case status.Completed, status.NotSupportedVersion:
			return state
		case status.Failed:
			r.Log.Errorf("%s failed with error/s", test)
			r.printInvestigationError(ctx, test, investigationID)
			return status.Failed
		}
		if time.Now().After(deadline) {
			r.Log.Errorf("%s failed on timeout", test)
			return status.Failed
		}
		if attempt%pollLogEvery == 0 {
			r.Log.Infof("loop no. %d, playbook state is %s", attempt/pollLogEvery, state)
		}
	}
}

func (r *Runner) printInvestigationError(ctx context.Context, test conf.TestConfiguration, investigationID string) {
	inv, err := r.Client.InvestigationEntries(ctx, investigationID)
	if err != nil {
		r.Log.Exception(err, "Failed to print investigation error, error trying to communicate with the server")
		return
	}
	r.Log.Errorf("Playbook %s has failed:", test)
	for _, entry := range inv.Entries {
		if entry.Type != tenant.EntryTypeError || entry.ParentContent == "" {
			continue
		}
		r.Log.Errorf("- Task ID: %s", entry.TaskID)
		r.Log.Errorf("  Command: %s", RedactPasswords(entry.ParentContent))
		r.Log.Errorf("  Body:\n%v", entry.Contents)
	}
}

// RedactPasswords hides password arguments of a command line.
func RedactPasswords(command string) string {
	return passwordRegexp.ReplaceAllString(command, " password=******")
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
