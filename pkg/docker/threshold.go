package docker

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/distribution/reference"
)

const (
	DefaultMemoryThresholdMiB = 75
	DefaultPIDThreshold       = 3

	PowershellMemoryThresholdMiB = 140
	PowershellPIDThreshold       = 24

	DefaultPython2Image = "demisto/python"
	DefaultPython3Image = "demisto/python3"
)

// Script types of an integration.
const (
	TypePython     = "python"
	TypePowershell = "powershell"
	TypeJavascript = "javascript"
)

// Threshold is a per-image override. Zero values fall through to the next
// lookup.
type Threshold struct {
	MemoryThreshold int `json:"memory_threshold,omitempty"`
	PIDThreshold    int `json:"pid_threshold,omitempty"`
}

// ResourceCheck describes the containers of one test and their budgets.
type ResourceCheck struct {
	Images          []string
	MemoryThreshold int
	PIDThreshold    int
	// Overrides are keyed by full image:tag or by bare image name.
	Overrides  map[string]Threshold
	Powershell bool
}

// IntegrationImages returns the images an integration runs in. Javascript
// integrations run in the server process.
func IntegrationImages(scriptType, dockerImage string) []string {
	switch {
	case scriptType == TypeJavascript:
		return nil
	case (scriptType == TypePython || scriptType == TypePowershell) && dockerImage != "":
		return []string{dockerImage}
	default:
		return []string{DefaultPython2Image, DefaultPython3Image}
	}
}

// ImageName strips the tag and digest from an image reference.
func ImageName(image string) string {
	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return strings.SplitN(image, ":", 2)[0]
	}
	return reference.FamiliarName(named)
}

func (c ResourceCheck) limits(imageFull string) (int, int) {
	defMem, defPID := c.MemoryThreshold, c.PIDThreshold
	if c.Powershell {
		defMem = max(defMem, PowershellMemoryThresholdMiB)
		defPID = max(defPID, PowershellPIDThreshold)
	}
	full := c.Overrides[imageFull]
	name := c.Overrides[ImageName(imageFull)]
	return firstNonZero(full.MemoryThreshold, name.MemoryThreshold, defMem),
		firstNonZero(full.PIDThreshold, name.PIDThreshold, defPID)
}

func firstNonZero(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

// CheckResourceUsage compares the usage of the test's containers with their
// budgets and kills every container over budget. It returns the violations,
// or an empty string when all containers are within budget or no stats could
// be collected.
func (p *Probe) CheckResourceUsage(ctx context.Context, check ResourceCheck) string {
	if len(check.Images) == 0 {
		return ""
	}
	images := append([]string(nil), check.Images...)
	sort.Strings(images)

	var msg strings.Builder
	for _, stat := range p.Stats(ctx, images) {
		imageFull := p.Image(ctx, stat.ID)
		memLimit, pidLimit := check.limits(imageFull)
		p.log.Debugf("Checking container: %s (image: %s) for memory: %d pid: %d thresholds with actual values: memory %v pids: %d ...",
			stat.Name, imageFull, memLimit, pidLimit, stat.MemoryMiB, stat.PIDs)

		failed := false
		if stat.MemoryMiB > float64(memLimit) {
			fmt.Fprintf(&msg, "Failed docker resource test. Docker container %s exceeded the memory threshold, "+
				"configured: %d MiB and actual memory usage is %v MiB.\n"+
				"Fix container memory usage or add `memory_threshold` key to failed test "+
				"in conf.json with value that is greater than %v\n",
				stat.Name, memLimit, stat.MemoryMiB, stat.MemoryMiB)
			failed = true
		}
		if stat.PIDs > pidLimit {
			fmt.Fprintf(&msg, "Failed docker resource test. Docker container %s exceeded the pids threshold, "+
				"configured: %d and actual pid number is %d.\n"+
				"Fix container pid usage or add `pid_threshold` key to failed test "+
				"in conf.json with value that is greater than %d\n",
				stat.Name, pidLimit, stat.PIDs, stat.PIDs)
			if info := p.ProcessInfo(ctx, stat.ID); info != "" {
				fmt.Fprintf(&msg, "Additional pid information:\n%s", info)
			}
			failed = true
		}
		if failed {
			p.Kill(ctx, stat.Name)
		}
	}
	return msg.String()
}
