// Package docker inspects the integration containers running on a tenant host
// and enforces their memory and PID budgets.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"code.cloudfoundry.org/bytefmt"
	"github.com/replicatedhq/testcontent/pkg/logging"
)

//go:generate mockgen -destination=mock/mock_docker.go -package=mock_docker github.com/replicatedhq/testcontent/pkg/docker Executor

// Executor runs a shell command on the tenant host.
type Executor interface {
	Execute(ctx context.Context, cmd string) (stdout []byte, stderr []byte, err error)
}

const (
	statsFormat = "{{json .}}"
	rhelMarker  = "/home/ec2-user/rhel_ami"
)

var (
	memUsageRegexp    = regexp.MustCompile(`(?i)^([0-9]*\.?[0-9]+)\s*(kib|mib|gib)$`)
	imageSepRegexp    = regexp.MustCompile(`[:/]`)
	ignoredPsWarnings = "Connection to %s closed"
)

// ContainerStats is the resource usage of one running container.
type ContainerStats struct {
	Name      string
	ID        string
	MemoryMiB float64
	PIDs      int
}

// Probe issues docker commands on a tenant host. Failures are logged and never
// returned: an empty result makes callers skip the resource check.
type Probe struct {
	exec Executor
	host string
	log  *logging.Logger
}

func NewProbe(exec Executor, host string, log *logging.Logger) *Probe {
	return &Probe{exec: exec, host: host, log: log}
}

// StatsCommand greps docker stats for containers started from images. A
// container of image demisto/python3:3.7 is named demistopython33.7--<suffix>.
func StatsCommand(images []string) string {
	patterns := make([]string, 0, len(images))
	for _, image := range images {
		patterns = append(patterns, imageSepRegexp.ReplaceAllString(image, "")+"--")
	}
	sort.Strings(patterns)
	return fmt.Sprintf(`sudo docker stats --no-stream --no-trunc --format "%s" | grep -Ei "%s"`,
		statsFormat, strings.Join(patterns, "|"))
}

// Stats returns the usage of every container started from one of images.
func (p *Probe) Stats(ctx context.Context, images []string) []ContainerStats {
	stdout, stderr, err := p.exec.Execute(ctx, StatsCommand(images))
	if len(stderr) > 0 || err != nil {
		p.log.Warningf("Failed running docker stats command. Additional information: %s %v", stderr, err)
		return nil
	}
	return ParseStats(string(stdout))
}

// Image returns the full image reference a container was started from.
func (p *Probe) Image(ctx context.Context, containerID string) string {
	stdout, stderr, err := p.exec.Execute(ctx, "sudo docker inspect -f {{.Config.Image}} "+containerID)
	if len(stderr) > 0 || err != nil {
		p.log.Warningf("Received stderr from docker inspect command. Additional information: %s %v", stderr, err)
	}
	return strings.TrimSpace(string(stdout))
}

// ProcessInfo returns the process list of a container.
func (p *Probe) ProcessInfo(ctx context.Context, containerID string) string {
	stdout, stderr, err := p.exec.Execute(ctx, fmt.Sprintf("sudo docker exec %s ps -fe", containerID))
	if len(stderr) > 0 && !strings.Contains(string(stderr), fmt.Sprintf(ignoredPsWarnings, p.host)) {
		p.log.Debugf("Failed getting pid info for container id: %s.\nAdditional information: %s", containerID, stderr)
	} else if err != nil {
		p.log.Debugf("Failed getting pid info for container id: %s: %v", containerID, err)
	}
	return string(stdout)
}

// Kill stops a container.
func (p *Probe) Kill(ctx context.Context, containerName string) {
	_, stderr, err := p.exec.Execute(ctx, "sudo docker kill "+containerName)
	if len(stderr) > 0 || err != nil {
		p.log.Debugf("Failed killing container: %s\nAdditional information: %s %v", containerName, stderr, err)
	}
}

// UsesDocker reports whether the host runs docker. RHEL hosts run podman and
// carry a marker file.
func (p *Probe) UsesDocker(ctx context.Context) bool {
	_, _, err := p.exec.Execute(ctx, "ls -l "+rhelMarker)
	return err != nil
}

type statsLine struct {
	Name     string `json:"Name"`
	ID       string `json:"ID"`
	MemUsage string `json:"MemUsage"`
	PIDs     string `json:"PIDs"`
}

// ParseStats parses newline-delimited docker stats objects. Lines that cannot
// be parsed are dropped.
func ParseStats(out string) []ContainerStats {
	var stats []ContainerStats
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if s, ok := parseStatsLine(line); ok {
			stats = append(stats, s)
		}
	}
	return stats
}

func parseStatsLine(line string) (ContainerStats, bool) {
	var l statsLine
	if err := json.Unmarshal([]byte(line), &l); err != nil {
		return ContainerStats{}, false
	}
	mem, ok := ParseMemoryUsage(l.MemUsage)
	if !ok {
		return ContainerStats{}, false
	}
	pids, err := strconv.Atoi(strings.TrimSpace(l.PIDs))
	if err != nil {
		return ContainerStats{}, false
	}
	return ContainerStats{Name: l.Name, ID: l.ID, MemoryMiB: mem, PIDs: pids}, true
}

// ParseMemoryUsage converts the used half of a "used / limit" pair to MiB.
// Only KiB, MiB and GiB are recognized.
func ParseMemoryUsage(usage string) (float64, bool) {
	used := strings.TrimSpace(strings.SplitN(usage, "/", 2)[0])
	m := memUsageRegexp.FindStringSubmatch(used)
	if m == nil {
		return 0, false
	}
	b, err := bytefmt.ToBytes(m[1] + m[2])
	if err != nil {
		return 0, false
	}
	return float64(b) / bytefmt.MEGABYTE, true
}
