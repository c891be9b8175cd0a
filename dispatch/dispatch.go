// Package dispatch is the single consumer behind all mailbox watchers. It
// merges the alarm streams of every site, deduplicates pager codes per
// incident across sites and process lifetime, and forwards the surviving
// codes to the alerting vendor at most once per (incident, code) pair.
package dispatch

import (
	"context"
	"log"

	"github.com/firedispatch/mailwatch/extract"
	"github.com/firedispatch/mailwatch/logger"
	"github.com/firedispatch/mailwatch/pkg/metrics"
)

// Alarm is one extracted record tagged with the site whose mailbox
// produced it.
type Alarm struct {
	Site string
	Data extract.AlarmData
}

// Submitter forwards one paging request to the alerting vendor.
type Submitter interface {
	Submit(ctx context.Context, site string, data extract.AlarmData) error
}

// seenKey identifies one dispatched pager code. Dedup is keyed on the
// incident identifier and the zero-padded code, never on the site: two
// sites reporting the same incident page each code only once.
type seenKey struct {
	incident string
	code     string
}

// Dispatcher consumes alarms from the shared channel. The seen set is
// owned exclusively by the Run goroutine, so no locking is needed; records
// racing for the same (incident, code) pair are resolved by channel
// arrival order.
type Dispatcher struct {
	in        <-chan Alarm
	submitter Submitter
	seen      map[seenKey]struct{}
}

// New creates a Dispatcher draining in. Call Run to start consuming.
func New(in <-chan Alarm, submitter Submitter) *Dispatcher {
	return &Dispatcher{
		in:        in,
		submitter: submitter,
		seen:      make(map[seenKey]struct{}),
	}
}

// Run consumes alarms until the context is cancelled or the channel is
// closed. It must be the only goroutine touching the seen set.
func (d *Dispatcher) Run(ctx context.Context) {
	log.Printf("[DISPATCH] stage started")
	for {
		select {
		case <-ctx.Done():
			log.Printf("[DISPATCH] stage stopped: %v", ctx.Err())
			return
		case alarm, ok := <-d.in:
			if !ok {
				log.Printf("[DISPATCH] stage stopped: alarm channel closed")
				return
			}
			d.handle(ctx, alarm)
		}
	}
}

// handle computes the residual pager set for one alarm and submits it if
// anything survived dedup.
func (d *Dispatcher) handle(ctx context.Context, alarm Alarm) {
	var residual []extract.PagerEntry
	for _, pager := range alarm.Data.Pagers {
		key := seenKey{incident: alarm.Data.IncidentNumber, code: pager.Code}
		if _, dup := d.seen[key]; dup {
			logger.Debug("pager code already dispatched",
				"site", alarm.Site, "incident", alarm.Data.IncidentNumber, "code", pager.Code)
			metrics.DispatchDuplicatesTotal.WithLabelValues(alarm.Site).Inc()
			continue
		}
		d.seen[key] = struct{}{}
		residual = append(residual, pager)
	}

	if len(residual) == 0 {
		logger.Warn("no undispatched pager codes in alarm, dropping",
			"site", alarm.Site, "incident", alarm.Data.IncidentNumber,
			"codes", len(alarm.Data.Pagers))
		return
	}

	data := alarm.Data
	data.Pagers = residual

	if err := d.submitter.Submit(ctx, alarm.Site, data); err != nil {
		// Deliberately no re-queue: the codes stay marked as dispatched
		// even though the vendor call failed.
		logger.Error("paging submission failed",
			"site", alarm.Site, "incident", data.IncidentNumber, "error", err)
		metrics.DispatchSubmissionsTotal.WithLabelValues(alarm.Site, "error").Inc()
		return
	}

	logger.Info("paging submitted",
		"site", alarm.Site, "incident", data.IncidentNumber, "codes", len(data.Pagers))
	metrics.DispatchSubmissionsTotal.WithLabelValues(alarm.Site, "ok").Inc()
}
