package main

import (
	"github.com/adred-codev/chardev/internal/core"
	"github.com/adred-codev/chardev/internal/obslog"
	"github.com/adred-codev/chardev/internal/obsmetrics"
)

// auditingObserver wraps a metrics Collector so that the subset of
// core.Observer events which represent a client being removed or the
// device stalling also go through the audit trail, not just the
// Prometheus counters.
type auditingObserver struct {
	*obsmetrics.Collector
	audit *obslog.AuditLogger
}

func newAuditingObserver(collector *obsmetrics.Collector, audit *obslog.AuditLogger) core.Observer {
	return &auditingObserver{Collector: collector, audit: audit}
}

func (o *auditingObserver) Overflow(clientID string) {
	o.Collector.Overflow(clientID)
	o.audit.Event(obslog.AuditWarning, "client removed: send queue overflow or credit timeout", map[string]any{
		"client_id": clientID,
	})
}

func (o *auditingObserver) TokenViolation(clientID string) {
	o.Collector.TokenViolation(clientID)
	o.audit.Event(obslog.AuditWarning, "client removed: exceeded client-token credit", map[string]any{
		"client_id": clientID,
	})
}

func (o *auditingObserver) DeviceStalled() {
	o.Collector.DeviceStalled()
	o.audit.Event(obslog.AuditCritical, "device write stalled with data still pending", nil)
}
