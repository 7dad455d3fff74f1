package results

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const (
	SucceededTestsFile      = "succeeded_tests.txt"
	FailedTestsFile         = "failed_tests.txt"
	SkippedTestsFile        = "skipped_tests.txt"
	SkippedIntegrationsFile = "skipped_integrations.txt"
	ReportJSONFile          = "test_playbooks_report.json"
	ReportXMLFile           = "test_playbooks_report.xml"
	ContentStatusFile       = "content_status.json"
)

const (
	failedPlaybooksKey     = "failed_playbooks"
	successfulPlaybooksKey = "successful_playbooks"
)

// WriteFiles writes the result artifacts of the build to dir and merges the
// results into content_status.json.
func (a *Aggregator) WriteFiles(fs afero.Fs, dir string) error {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "create %s", dir)
	}
	s := a.Summary()

	lists := map[string][]string{
		SucceededTestsFile:      s.Succeeded,
		FailedTestsFile:         s.Failed,
		SkippedTestsFile:        mapKeys(s.Skipped),
		SkippedIntegrationsFile: mapKeys(s.SkippedIntegrations),
	}
	for name, lines := range lists {
		if err := afero.WriteFile(fs, filepath.Join(dir, name), []byte(strings.Join(lines, "\n")), 0644); err != nil {
			return errors.Wrapf(err, "write %s", name)
		}
	}

	report, err := json.MarshalIndent(s.Report, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode playbooks report")
	}
	if err := afero.WriteFile(fs, filepath.Join(dir, ReportJSONFile), report, 0644); err != nil {
		return errors.Wrapf(err, "write %s", ReportJSONFile)
	}

	xml, err := a.JUnitXML()
	if err != nil {
		return err
	}
	if err := afero.WriteFile(fs, filepath.Join(dir, ReportXMLFile), xml, 0644); err != nil {
		return errors.Wrapf(err, "write %s", ReportXMLFile)
	}

	return MergeContentStatus(fs, filepath.Join(dir, ContentStatusFile), s.Succeeded, s.Failed)
}

// JUnitXML renders the JUnit report.
func (a *Aggregator) JUnitXML() ([]byte, error) {
	doc := a.JUnit()
	var buf bytes.Buffer
	if err := doc.WriteXML(&buf); err != nil {
		return nil, errors.Wrap(err, "encode junit report")
	}
	return buf.Bytes(), nil
}

// MergeContentStatus adds the results of this build to a content status file
// left by earlier builds. Playbook lists are deduplicated and sorted; any
// other key of the file is kept as is.
func MergeContentStatus(fs afero.Fs, path string, succeeded, failed []string) error {
	doc := map[string]json.RawMessage{}
	b, err := afero.ReadFile(fs, path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return errors.Wrapf(err, "read %s", path)
	case len(bytes.TrimSpace(b)) > 0:
		if err := json.Unmarshal(b, &doc); err != nil {
			return errors.Wrapf(err, "decode %s", path)
		}
	}

	for key, add := range map[string][]string{failedPlaybooksKey: failed, successfulPlaybooksKey: succeeded} {
		var existing []string
		if raw, ok := doc[key]; ok {
			if err := json.Unmarshal(raw, &existing); err != nil {
				return errors.Wrapf(err, "decode %s of %s", key, path)
			}
		}
		merged, err := json.Marshal(union(existing, add))
		if err != nil {
			return err
		}
		doc[key] = merged
	}

	out, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return errors.Wrapf(err, "encode %s", path)
	}
	return errors.Wrapf(afero.WriteFile(fs, path, out, 0644), "write %s", path)
}

func union(a, b []string) []string {
	set := map[string]bool{}
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		set[s] = true
	}
	return sortedKeys(set)
}

func mapKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
