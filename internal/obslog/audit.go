package obslog

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// AuditLevel classifies how urgently an audited event needs a human.
type AuditLevel string

const (
	AuditInfo     AuditLevel = "info"
	AuditWarning  AuditLevel = "warning"
	AuditCritical AuditLevel = "critical"
)

// Alerter forwards audited events to an external notification channel.
// A device need not configure one; AuditLogger still logs every event.
type Alerter interface {
	Alert(level AuditLevel, message string, metadata map[string]any)
}

// MultiAlerter fans an audited event out to every configured Alerter,
// each in its own goroutine so a slow sink never blocks the caller.
type MultiAlerter struct {
	alerters []Alerter
}

func NewMultiAlerter(alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{alerters: alerters}
}

func (m *MultiAlerter) Alert(level AuditLevel, message string, metadata map[string]any) {
	for _, a := range m.alerters {
		go a.Alert(level, message, metadata)
	}
}

// ConsoleAlerter prints audited events to stdout; useful for local runs
// of the demo daemon without a real alerting backend configured.
type ConsoleAlerter struct{}

func NewConsoleAlerter() *ConsoleAlerter { return &ConsoleAlerter{} }

func (c *ConsoleAlerter) Alert(level AuditLevel, message string, metadata map[string]any) {
	fmt.Fprintf(os.Stdout, "ALERT [%s]: %s %v\n", level, message, metadata)
}

// AuditLogger pairs structured logging with an optional Alerter, so a
// fault condition is both recorded in the log stream and, at Warning and
// above, surfaced to whatever paging channel the caller wired up.
type AuditLogger struct {
	logger  zerolog.Logger
	alerter Alerter
}

func NewAuditLogger(logger zerolog.Logger, alerter Alerter) *AuditLogger {
	return &AuditLogger{logger: logger, alerter: alerter}
}

// Event logs message at a level derived from severity and, for Warning
// and Critical, forwards it to the configured Alerter if any.
func (a *AuditLogger) Event(level AuditLevel, message string, fields map[string]any) {
	var ev *zerolog.Event
	switch level {
	case AuditCritical:
		ev = a.logger.Error()
	case AuditWarning:
		ev = a.logger.Warn()
	default:
		ev = a.logger.Info()
	}
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(message)

	if a.alerter != nil && level != AuditInfo {
		a.alerter.Alert(level, message, fields)
	}
}
