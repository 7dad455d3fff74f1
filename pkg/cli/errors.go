package cli

import (
	"github.com/replicatedhq/testcontent/pkg/runner"
)

// ErrTestsFailed is returned by the run command when a test playbook failed
var ErrTestsFailed = runner.ErrTestsFailed
