package docker

import (
	"context"
	"errors"
	"testing"

	"github.com/golang/mock/gomock"
	mock_docker "github.com/replicatedhq/testcontent/pkg/docker/mock"
	"github.com/replicatedhq/testcontent/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMemoryUsage(t *testing.T) {
	tests := []struct {
		name  string
		usage string
		want  float64
		ok    bool
	}{
		{name: "mib", usage: "200MiB / 1.944GiB", want: 200, ok: true},
		{name: "kib", usage: "512KiB / 1.944GiB", want: 0.5, ok: true},
		{name: "gib", usage: "1.5GiB / 3GiB", want: 1536, ok: true},
		{name: "lower case", usage: "10mib / 1gib", want: 10, ok: true},
		{name: "bytes not recognized", usage: "100B / 1GiB"},
		{name: "decimal units not recognized", usage: "100MB / 1GB"},
		{name: "garbage", usage: "n/a"},
		{name: "empty", usage: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseMemoryUsage(tt.usage)
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 0.001)
		})
	}
}

func TestParseStats(t *testing.T) {
	out := `{"Name":"demistopython33.7--1","ID":"aaa","MemUsage":"20.5MiB / 1GiB","PIDs":"2"}
not json
{"Name":"demistoslack1.0--2","ID":"bbb","MemUsage":"3TiB / 4TiB","PIDs":"2"}
{"Name":"demistoslack1.0--3","ID":"ccc","MemUsage":"1GiB / 4GiB","PIDs":"x"}

{"Name":"demistoslack1.0--4","ID":"ddd","MemUsage":"1GiB / 4GiB","PIDs":"12"}`

	stats := ParseStats(out)
	require.Len(t, stats, 2)
	assert.Equal(t, ContainerStats{Name: "demistopython33.7--1", ID: "aaa", MemoryMiB: 20.5, PIDs: 2}, stats[0])
	assert.Equal(t, ContainerStats{Name: "demistoslack1.0--4", ID: "ddd", MemoryMiB: 1024, PIDs: 12}, stats[1])
}

func TestStatsCommand(t *testing.T) {
	cmd := StatsCommand([]string{"demisto/python3:3.9.1", "demisto/slack:1.0.0.4978"})
	assert.Equal(t,
		`sudo docker stats --no-stream --no-trunc --format "{{json .}}" | grep -Ei "demistopython33.9.1--|demistoslack1.0.0.4978--"`,
		cmd)
}

func TestIntegrationImages(t *testing.T) {
	assert.Nil(t, IntegrationImages(TypeJavascript, "demisto/js:1"))
	assert.Equal(t, []string{"demisto/pwsh:7"}, IntegrationImages(TypePowershell, "demisto/pwsh:7"))
	assert.Equal(t, []string{"demisto/python3:3.9"}, IntegrationImages(TypePython, "demisto/python3:3.9"))
	assert.Equal(t, []string{DefaultPython2Image, DefaultPython3Image}, IntegrationImages(TypePython, ""))
	assert.Equal(t, []string{DefaultPython2Image, DefaultPython3Image}, IntegrationImages("", ""))
}

func TestImageName(t *testing.T) {
	assert.Equal(t, "demisto/slack", ImageName("demisto/slack:1.0.0.4978"))
	assert.Equal(t, "demisto/slack", ImageName("demisto/slack"))
	assert.Equal(t, "registry.example.com/team/img", ImageName("registry.example.com/team/img:2"))
}

func TestResourceCheck_limits(t *testing.T) {
	tests := []struct {
		name     string
		check    ResourceCheck
		image    string
		wantMem  int
		wantPIDs int
	}{
		{
			name:     "declared",
			check:    ResourceCheck{MemoryThreshold: 75, PIDThreshold: 3},
			image:    "demisto/python3:3.9",
			wantMem:  75,
			wantPIDs: 3,
		},
		{
			name: "full image wins over bare name",
			check: ResourceCheck{
				MemoryThreshold: 75, PIDThreshold: 3,
				Overrides: map[string]Threshold{
					"demisto/python3:3.9": {MemoryThreshold: 300},
					"demisto/python3":     {MemoryThreshold: 150, PIDThreshold: 25},
				},
			},
			image:    "demisto/python3:3.9",
			wantMem:  300,
			wantPIDs: 25,
		},
		{
			name:     "powershell minima",
			check:    ResourceCheck{MemoryThreshold: 75, PIDThreshold: 3, Powershell: true},
			image:    "demisto/pwsh:7",
			wantMem:  PowershellMemoryThresholdMiB,
			wantPIDs: PowershellPIDThreshold,
		},
		{
			name:     "powershell keeps higher declared values",
			check:    ResourceCheck{MemoryThreshold: 500, PIDThreshold: 30, Powershell: true},
			image:    "demisto/pwsh:7",
			wantMem:  500,
			wantPIDs: 30,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem, pids := tt.check.limits(tt.image)
			assert.Equal(t, tt.wantMem, mem)
			assert.Equal(t, tt.wantPIDs, pids)
		})
	}
}

func TestProbe_CheckResourceUsage(t *testing.T) {
	ctx := context.Background()
	log := logging.Discard().Worker("test")
	images := []string{"demisto/python3:3.9"}

	t.Run("over budget container is killed", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		exec := mock_docker.NewMockExecutor(ctrl)

		gomock.InOrder(
			exec.EXPECT().Execute(gomock.Any(), StatsCommand(images)).
				Return([]byte(`{"Name":"demistopython33.9--x","ID":"c1","MemUsage":"200MiB / 1GiB","PIDs":"30"}`+"\n"), nil, nil),
			exec.EXPECT().Execute(gomock.Any(), "sudo docker inspect -f {{.Config.Image}} c1").
				Return([]byte("demisto/python3:3.9\n"), nil, nil),
			exec.EXPECT().Execute(gomock.Any(), "sudo docker exec c1 ps -fe").
				Return([]byte("UID PID\nroot 1\n"), []byte("Connection to 10.0.0.1 closed.\n"), nil),
			exec.EXPECT().Execute(gomock.Any(), "sudo docker kill demistopython33.9--x").
				Return(nil, nil, nil),
		)

		probe := NewProbe(exec, "10.0.0.1", log)
		msg := probe.CheckResourceUsage(ctx, ResourceCheck{
			Images:          images,
			MemoryThreshold: DefaultMemoryThresholdMiB,
			PIDThreshold:    DefaultPIDThreshold,
			Overrides: map[string]Threshold{
				"demisto/python3": {MemoryThreshold: 150, PIDThreshold: 25},
			},
		})
		assert.Contains(t, msg, "exceeded the memory threshold, configured: 150 MiB and actual memory usage is 200 MiB")
		assert.Contains(t, msg, "exceeded the pids threshold, configured: 25 and actual pid number is 30")
		assert.Contains(t, msg, "Additional pid information:\nUID PID")
	})

	t.Run("within budget", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		exec := mock_docker.NewMockExecutor(ctrl)

		exec.EXPECT().Execute(gomock.Any(), StatsCommand(images)).
			Return([]byte(`{"Name":"demistopython33.9--x","ID":"c1","MemUsage":"20MiB / 1GiB","PIDs":"2"}`), nil, nil)
		exec.EXPECT().Execute(gomock.Any(), "sudo docker inspect -f {{.Config.Image}} c1").
			Return([]byte("demisto/python3:3.9"), nil, nil)

		probe := NewProbe(exec, "10.0.0.1", log)
		assert.Empty(t, probe.CheckResourceUsage(ctx, ResourceCheck{Images: images, MemoryThreshold: 75, PIDThreshold: 3}))
	})

	t.Run("probe failure skips the check", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		exec := mock_docker.NewMockExecutor(ctrl)

		exec.EXPECT().Execute(gomock.Any(), StatsCommand(images)).
			Return(nil, []byte("ssh: connect to host 10.0.0.1 port 22: Connection refused"), errors.New("exit status 255"))

		probe := NewProbe(exec, "10.0.0.1", log)
		assert.Empty(t, probe.CheckResourceUsage(ctx, ResourceCheck{Images: images, MemoryThreshold: 1, PIDThreshold: 1}))
	})

	t.Run("no images", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		probe := NewProbe(mock_docker.NewMockExecutor(ctrl), "10.0.0.1", log)
		assert.Empty(t, probe.CheckResourceUsage(ctx, ResourceCheck{}))
	})
}

func TestProbe_UsesDocker(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	exec := mock_docker.NewMockExecutor(ctrl)
	probe := NewProbe(exec, "h", logging.Discard().Worker("test"))

	exec.EXPECT().Execute(gomock.Any(), "ls -l /home/ec2-user/rhel_ami").Return([]byte("-rw-r--r-- rhel_ami"), nil, nil)
	assert.False(t, probe.UsesDocker(context.Background()))

	exec.EXPECT().Execute(gomock.Any(), "ls -l /home/ec2-user/rhel_ami").Return(nil, []byte("No such file"), errors.New("exit status 2"))
	assert.True(t, probe.UsesDocker(context.Background()))
}
