package report

import (
	"log"
	"time"
)

// LogBasedReporter dumps collected pairs to a standard logger.
type LogBasedReporter struct {
	*log.Logger
}

func (l *LogBasedReporter) ReportInt(key string, value int64) error {
	l.Printf("%s = %d", key, value)
	return nil
}

func (l *LogBasedReporter) ReportString(key string, value string) error {
	l.Printf("%s = %s", key, value)
	return nil
}

func (l *LogBasedReporter) ReportBool(key string, value bool) error {
	l.Printf("%s = %t", key, value)
	return nil
}

func (l *LogBasedReporter) ReportError(key string, value error) error {
	if value == nil {
		return nil
	}
	l.Printf("%s = %v", key, value)
	return nil
}

func (l *LogBasedReporter) ReportDuration(key string, value time.Duration) error {
	l.Printf("%s = %v", key, value)
	return nil
}

var _ Sink = (*LogBasedReporter)(nil)
