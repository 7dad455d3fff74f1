package build

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/replicatedhq/testcontent/pkg/conf"
	"github.com/replicatedhq/testcontent/pkg/logging"
)

const ReasonNotFiltered = "not in filtered tests"

// Verdict is the eligibility of a test on a tenant.
type Verdict struct {
	Run    bool
	Reason string
	// SkippedIntegration is set when a filtered test needs a skipped
	// integration, as "<playbook> - reason: <reason>".
	SkippedIntegration string
}

func skip(reason string) Verdict {
	return Verdict{Reason: reason}
}

// Eligible decides whether a test that is filtered for a tenant runs. Rules
// are evaluated in order and the first that matches skips the test.
func (c *Context) Eligible(test conf.TestConfiguration) Verdict {
	if test.Nightly && !c.Nightly {
		return skip("nightly test in a non nightly build")
	}
	if reason, ok := c.Catalog.SkippedTests[test.PlaybookID]; ok {
		return skip(reason)
	}
	if !c.versionInRange(test) {
		return skip(fmt.Sprintf("(test versions: %s-%s)", test.FromVersion, test.ToVersion))
	}
	for _, integration := range test.Integrations {
		if reason, ok := c.Catalog.SkippedIntegrations[integration]; ok {
			v := skip(fmt.Sprintf("The integration %s is skipped: %s", integration, reason))
			v.SkippedIntegration = fmt.Sprintf("%s - reason: %s", test.PlaybookID, reason)
			return v
		}
		if c.Catalog.IsNightlyIntegration(integration) && !c.Nightly {
			return skip(fmt.Sprintf("The integration %s is a nightly integration", integration))
		}
	}
	if len(test.Marketplaces) > 0 && !c.ServerType.MatchesMarketplaces(test.Marketplaces) {
		return skip(fmt.Sprintf("test marketplaces %s do not match server type %s",
			strings.Join(test.Marketplaces, ", "), c.ServerType))
	}
	return Verdict{Run: true}
}

func (c *Context) versionInRange(test conf.TestConfiguration) bool {
	from, err := semver.NewVersion(test.FromVersion)
	if err != nil {
		return false
	}
	to, err := semver.NewVersion(test.ToVersion)
	if err != nil {
		return false
	}
	v := c.NumericVersion
	return !v.LessThan(from) && !v.GreaterThan(to)
}

// Plan is the split of the catalog over the tenants of the build.
type Plan struct {
	// Queues holds the tests to run per machine id, in catalog order.
	Queues map[string][]conf.TestConfiguration
	// Skipped maps a playbook to the reason it does not run.
	Skipped map[string]string
	// SkippedIntegrations lists filtered tests that need a skipped integration.
	SkippedIntegrations []string
}

// Plan evaluates every catalog test against the tenants it is filtered for.
// A test filtered for no tenant is skipped once.
func (c *Context) Plan(log *logging.Logger) Plan {
	p := Plan{
		Queues:  map[string][]conf.TestConfiguration{},
		Skipped: map[string]string{},
	}
	filtered := map[string]map[string]bool{}
	for _, m := range c.Machines {
		set := map[string]bool{}
		for _, id := range m.Filtered {
			set[id] = true
		}
		filtered[m.ID] = set
		p.Queues[m.ID] = nil
	}

	seenIntegration := map[string]bool{}
	for _, test := range c.Catalog.Tests {
		assigned := false
		for _, m := range c.Machines {
			if !filtered[m.ID][test.PlaybookID] {
				continue
			}
			assigned = true
			v := c.Eligible(test)
			if v.Run {
				p.Queues[m.ID] = append(p.Queues[m.ID], test)
				continue
			}
			log.Warningf("Skipping %s on %s: %s", test.PlaybookID, m.ID, v.Reason)
			p.Skipped[test.PlaybookID] = v.Reason
			if v.SkippedIntegration != "" && !seenIntegration[v.SkippedIntegration] {
				seenIntegration[v.SkippedIntegration] = true
				p.SkippedIntegrations = append(p.SkippedIntegrations, v.SkippedIntegration)
			}
		}
		if !assigned {
			log.Debugf("Skipping %s because it's not in filtered tests", test.PlaybookID)
			p.Skipped[test.PlaybookID] = ReasonNotFiltered
		}
	}
	return p
}

// SkippedIntegrations returns the skipped integrations used by tests that were
// planned to run or skipped because of them.
func (c *Context) SkippedIntegrations(p Plan) map[string]string {
	out := map[string]string{}
	for _, test := range c.Catalog.Tests {
		if p.Skipped[test.PlaybookID] == ReasonNotFiltered {
			continue
		}
		for _, integration := range test.Integrations {
			if reason, ok := c.Catalog.SkippedIntegrations[integration]; ok {
				out[integration] = reason
			}
		}
	}
	return out
}
