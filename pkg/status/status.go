// Package status names the outcomes of a test playbook execution.
package status

import "github.com/replicatedhq/testcontent/pkg/tenant"

// Status is the result of one execution of a test playbook.
type Status string

const (
	Completed           Status = tenant.StateCompleted
	Failed              Status = tenant.StateFailed
	InProgress          Status = tenant.StateInProgress
	NotSupportedVersion Status = tenant.StateNotSupportedVersion
	FailedDockerTest    Status = "failed_docker_test"
	ConfigurationFailed Status = "failed_configuration"
)

// Passed reports whether the status counts as a success. A server too old
// for the test is not held against it.
func (s Status) Passed() bool {
	return s == Completed || s == NotSupportedVersion
}

// Terminal reports whether a playbook in this state has stopped running.
func (s Status) Terminal() bool {
	return s != InProgress && s != ""
}

// Stage is where a failed execution stopped.
type Stage string

const (
	StageNone          Stage = ""
	StageLock          Stage = "Lock"
	StageConfiguration Stage = "Configuration"
	StageTestModule    Stage = "TestModule"
	StageIncident      Stage = "CreateIncident"
	StagePlaybook      Stage = "Playbook"
	StageDocker        Stage = "Docker"
)
