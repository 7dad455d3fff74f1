package logging

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(buf *bytes.Buffer) []string {
	out := strings.TrimSpace(buf.String())
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

func TestLogger_BufferedUntilFlush(t *testing.T) {
	stdout, file := &bytes.Buffer{}, &bytes.Buffer{}
	m := NewManager(Options{Stdout: stdout, File: file})
	l := m.Worker("server-0")

	l.Infof("configuring %s", "instance")
	l.Debugf("debug detail")
	assert.Empty(t, stdout.String())
	assert.Empty(t, file.String())

	records := l.Flush()
	require.Len(t, records, 2)
	assert.Equal(t, "INFO", records[0].LevelName())
	assert.Equal(t, "DEBUG", records[1].LevelName())

	require.Len(t, lines(stdout), 1, "debug is not printed to stdout")
	assert.Contains(t, lines(stdout)[0], "- [server-0] - [INFO] - configuring instance")
	require.Len(t, lines(file), 2)
	assert.Contains(t, lines(file)[1], "[DEBUG] - debug detail")

	assert.Empty(t, l.Flush())
}

func TestLogger_RealTime(t *testing.T) {
	stdout := &bytes.Buffer{}
	m := NewManager(Options{Stdout: stdout})
	l := m.Worker("main")

	l.Infof("buffered")
	l.RealTime().Warningf("now")
	require.Len(t, lines(stdout), 1)
	assert.Contains(t, lines(stdout)[0], "[WARNING] - now")

	records := l.Flush()
	require.Len(t, records, 1, "real-time lines are not part of the worker transcript")
	assert.Equal(t, "buffered", records[0].Message)
}

func TestLogger_RealTimeOnly(t *testing.T) {
	stdout := &bytes.Buffer{}
	m := NewManager(Options{Stdout: stdout, RealTimeOnly: true})
	l := m.Worker("w")

	l.Successf("PASS: %s", "pb")
	require.Len(t, lines(stdout), 1)
	assert.Contains(t, lines(stdout)[0], "[SUCCESS] - PASS: pb")

	records := l.Flush()
	require.Len(t, records, 1)
	require.Len(t, lines(stdout), 1, "flush does not write the line twice")
}

func TestFormatter_ColorOnlyOnStdout(t *testing.T) {
	stdout, file := &bytes.Buffer{}, &bytes.Buffer{}
	m := NewManager(Options{Stdout: stdout, File: file, Color: true})
	l := m.Worker("w")

	l.Errorf("boom")
	l.Criticalf("down")
	l.Flush()

	assert.Contains(t, stdout.String(), "\x1b[")
	assert.NotContains(t, file.String(), "\x1b[")
	assert.Contains(t, file.String(), "[CRITICAL] - down")
}

func TestManager_FlushKeepsWorkerLinesContiguous(t *testing.T) {
	stdout := &bytes.Buffer{}
	m := NewManager(Options{Stdout: stdout})

	workers := []string{"a", "b", "c", "d"}
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			l := m.Worker(name)
			for i := 0; i < 3; i++ {
				for j := 0; j < 20; j++ {
					l.Infof("test %d line %d", i, j)
				}
				l.Flush()
			}
		}(w)
	}
	wg.Wait()

	out := lines(stdout)
	require.Len(t, out, len(workers)*60)
	for start := 0; start < len(out); start += 20 {
		block := out[start : start+20]
		worker := block[0][strings.Index(block[0], "] - [")+5:]
		worker = worker[:strings.Index(worker, "]")]
		for j, line := range block {
			assert.Contains(t, line, fmt.Sprintf("[%s]", worker))
			assert.True(t, strings.HasSuffix(line, fmt.Sprintf("line %d", j)), line)
		}
	}
}

func TestManager_FlushAll(t *testing.T) {
	stdout := &bytes.Buffer{}
	m := NewManager(Options{Stdout: stdout})
	m.Worker("b").Infof("second")
	m.Worker("a").Infof("first")

	m.FlushAll()
	out := lines(stdout)
	require.Len(t, out, 2)
	assert.Contains(t, out[0], "first")
	assert.Contains(t, out[1], "second")
}
