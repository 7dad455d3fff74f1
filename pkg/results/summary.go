package results

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/replicatedhq/testcontent/pkg/logging"
)

const listIndent = "\n\t\t\t\t\t\t\t - "

// PrintSummary logs the results of the build.
func (a *Aggregator) PrintSummary(log *logging.Logger) {
	s := a.Summary()
	log.Infof("TEST RESULTS:")
	log.Infof("Number of playbooks tested - %d", len(s.Succeeded)+len(s.Failed))
	if len(s.Failed) > 0 {
		log.Errorf("Number of failed tests - %d:", len(s.Failed))
		log.Errorf("Failed Tests: %s", listIndent+strings.Join(s.Failed, listIndent))
	}
	if len(s.Succeeded) > 0 {
		log.Successf("Number of succeeded tests - %d", len(s.Succeeded))
		log.Successf("Successful Tests: %s", listIndent+strings.Join(s.Succeeded, listIndent))
	}
	if len(s.SkippedIntegrations) > 0 {
		log.Debugf("Skipped Integrations:\n%s", Table(s.SkippedIntegrations))
	}
	if len(s.Skipped) > 0 {
		log.Debugf("Skipped Tests:\n%s", Table(s.Skipped))
	}
}

// Table renders name to reason pairs, sorted by name.
func Table(reasons map[string]string) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Index", "Name", "Reason"})
	for i, name := range mapKeys(reasons) {
		t.AppendRow(table.Row{fmt.Sprint(i + 1), name, reasons[name]})
	}
	return t.Render()
}
