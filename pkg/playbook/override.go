package playbook

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
	"github.com/replicatedhq/testcontent/pkg/conf"
)

var (
	minOverrideVersion   = semver.MustParse("6.2.0")
	wrappedInputsVersion = semver.MustParse("8.5.0")
	errNoPlaybookInputs  = errors.New("playbook has no inputs")
)

// OverrideError means an input to override is not declared by the playbook.
type OverrideError struct {
	PlaybookID string
	Key        string
}

func (e *OverrideError) Error() string {
	return fmt.Sprintf("playbook %s has no input %q", e.PlaybookID, e.Key)
}

// applyOverride replaces inputs of the external playbook a test drives. The
// returned function restores the original inputs. It is nil when nothing was
// applied.
func (r *Runner) applyOverride(ctx context.Context, test conf.TestConfiguration) (func() error, error) {
	cfg := test.ExternalPlaybookConfig
	if cfg == nil || cfg.PlaybookID == "" {
		return nil, nil
	}
	if r.ServerVersion != nil && r.ServerVersion.LessThan(minOverrideVersion) {
		r.Log.Warningf("Server version %s does not support overriding playbook inputs, skipping", r.ServerVersion)
		return nil, nil
	}

	pb, err := r.Client.GetPlaybook(ctx, cfg.PlaybookID)
	if err != nil {
		return nil, errors.Wrapf(err, "get playbook %s", cfg.PlaybookID)
	}
	if len(pb.Inputs) == 0 {
		return nil, errors.Wrap(errNoPlaybookInputs, cfg.PlaybookID)
	}
	snapshot := append(json.RawMessage(nil), pb.Inputs...)

	inputs, err := overrideInputs(cfg, pb.Inputs)
	if err != nil {
		return nil, err
	}
	if err := r.Client.UpdatePlaybookInputs(ctx, cfg.PlaybookID, r.inputsBody(inputs)); err != nil {
		return nil, errors.Wrapf(err, "update inputs of %s", cfg.PlaybookID)
	}
	r.Log.Infof("Overrode inputs of playbook %s", cfg.PlaybookID)

	restored := false
	return func() error {
		if restored {
			return nil
		}
		restored = true
		// Restore even when the test's context was cancelled.
		if err := r.Client.UpdatePlaybookInputs(context.Background(), cfg.PlaybookID, r.inputsBody(snapshot)); err != nil {
			return errors.Wrapf(err, "restore inputs of %s", cfg.PlaybookID)
		}
		r.Log.Infof("Restored inputs of playbook %s", cfg.PlaybookID)
		return nil
	}, nil
}

func (r *Runner) inputsBody(inputs json.RawMessage) interface{} {
	if r.ServerVersion == nil || !r.ServerVersion.LessThan(wrappedInputsVersion) {
		return map[string]json.RawMessage{"inputs": inputs}
	}
	return inputs
}

// overrideInputs sets the configured values on the playbook inputs. Every key
// must already be an input of the playbook.
func overrideInputs(cfg *conf.ExternalPlaybookConfig, raw json.RawMessage) (json.RawMessage, error) {
	var inputs []map[string]interface{}
	if err := json.Unmarshal(raw, &inputs); err != nil {
		return nil, errors.Wrap(err, "decode playbook inputs")
	}

	keys := make([]string, 0, len(cfg.InputParameters))
	for key := range cfg.InputParameters {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		input := findInput(inputs, key)
		if input == nil {
			return nil, &OverrideError{PlaybookID: cfg.PlaybookID, Key: key}
		}
		value, _ := input["value"].(map[string]interface{})
		if value == nil {
			value = map[string]interface{}{}
		}
		override := cfg.InputParameters[key]
		if override.Complex != nil {
			value["simple"] = ""
			value["complex"] = override.Complex
		} else {
			value["simple"] = override.Simple
			value["complex"] = nil
		}
		input["value"] = value
	}

	out, err := json.Marshal(inputs)
	if err != nil {
		return nil, errors.Wrap(err, "encode playbook inputs")
	}
	return out, nil
}

func findInput(inputs []map[string]interface{}, key string) map[string]interface{} {
	for _, input := range inputs {
		if input["key"] == key {
			return input
		}
	}
	return nil
}
