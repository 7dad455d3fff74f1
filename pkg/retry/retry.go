// Package retry decides whether a test playbook passed, failed or runs again.
package retry

import "github.com/replicatedhq/testcontent/pkg/status"

// MaxExecutions is the number of times a flaky test may run.
const MaxExecutions = 3

// Decision is what happens to a test after an execution.
type Decision int

const (
	Pass Decision = iota
	Fail
	Requeue
)

func (d Decision) String() string {
	switch d {
	case Pass:
		return "pass"
	case Fail:
		return "fail"
	default:
		return "requeue"
	}
}

// State counts the executions of one test.
type State struct {
	Executions int
	Successes  int
}

func quorum() int {
	return (MaxExecutions + 1) / 2
}

// Decide records one execution with result s and returns the updated state
// with the decision.
func Decide(state State, s status.Status, useRetries bool) (State, Decision) {
	state.Executions++
	passed := s.Passed()
	if passed {
		state.Successes++
	}

	switch {
	case s == status.ConfigurationFailed, s == status.FailedDockerTest:
		return state, Fail
	case passed && state.Executions == 1:
		return state, Pass
	case !useRetries && passed:
		return state, Pass
	case !useRetries:
		return state, Fail
	case state.Executions >= MaxExecutions:
		if state.Successes >= quorum() {
			return state, Pass
		}
		return state, Fail
	case state.Executions == 2 && state.Successes == 0:
		return state, Fail
	default:
		return state, Requeue
	}
}
