package logging

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Formatter renders "[time] - [worker] - [LEVEL] - message" lines.
type Formatter struct {
	Color bool
}

func (f *Formatter) Format(e *logrus.Entry) ([]byte, error) {
	worker, _ := e.Data[workerField].(string)
	success, _ := e.Data[successField].(bool)
	critical, _ := e.Data[criticalField].(bool)

	name := levelName(e.Level, success, critical)
	line := formatLine(e.Time, worker, name, e.Message)
	if f.Color {
		if c := levelColor(name); c != nil {
			c.EnableColor()
			line = c.Sprint(line)
		}
	}
	return []byte(line + "\n"), nil
}

func formatLine(t time.Time, worker, level, msg string) string {
	return fmt.Sprintf("[%s] - [%s] - [%s] - %s", t.Format(timestampFormat), worker, level, msg)
}

func levelName(level logrus.Level, success, critical bool) string {
	switch {
	case critical:
		return "CRITICAL"
	case success:
		return "SUCCESS"
	}
	switch level {
	case logrus.DebugLevel, logrus.TraceLevel:
		return "DEBUG"
	case logrus.InfoLevel:
		return "INFO"
	case logrus.WarnLevel:
		return "WARNING"
	default:
		return "ERROR"
	}
}

func levelColor(name string) *color.Color {
	switch name {
	case "DEBUG":
		return color.New(color.FgCyan)
	case "SUCCESS":
		return color.New(color.FgGreen)
	case "WARNING":
		return color.New(color.FgYellow)
	case "ERROR":
		return color.New(color.FgRed)
	case "CRITICAL":
		return color.New(color.FgRed, color.Bold)
	}
	return nil
}
