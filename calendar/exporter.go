package calendar

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/firedispatch/mailwatch/alerting"
	"github.com/firedispatch/mailwatch/config"
	"github.com/firedispatch/mailwatch/helpers"
	"github.com/firedispatch/mailwatch/logger"
	"github.com/firedispatch/mailwatch/pkg/metrics"
	"github.com/firedispatch/mailwatch/pkg/retry"
)

// vendorTimeLayout is the timestamp format the vendor API returns for
// appointment dates, interpreted in the vendor's local timezone.
const vendorTimeLayout = "1/2/2006 3:04:05 pm"

const vendorTimezone = "Europe/Berlin"

// API is the subset of the vendor client the exporter needs.
type API interface {
	Calendars(ctx context.Context) ([]alerting.Calendar, error)
	Appointments(ctx context.Context, calendarID int) ([]alerting.Appointment, error)
}

type feed struct {
	site        string
	name        string
	prefix      string
	file        string
	description string
}

// Exporter periodically mirrors vendor-side calendars into .ics files.
type Exporter struct {
	api       API
	interval  time.Duration
	outputDir string
	feeds     []feed
	loc       *time.Location
	backoff   retry.BackoffConfig
	stopCh    chan struct{}
}

// New creates a new Exporter from the calendar configuration. The aggregate
// calendar, when configured, is exported like any other feed.
func New(api API, cfg config.CalendarConfig) (*Exporter, error) {
	interval, err := cfg.GetInterval()
	if err != nil {
		return nil, fmt.Errorf("calendar.interval: %w", err)
	}

	loc, err := time.LoadLocation(vendorTimezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %s: %w", vendorTimezone, err)
	}

	feeds := make([]feed, 0, len(cfg.Feeds)+1)
	for _, f := range cfg.Feeds {
		feeds = append(feeds, feed{
			site:        f.Site,
			name:        f.Name,
			prefix:      f.Prefix,
			file:        f.File,
			description: f.Description,
		})
	}
	if cfg.AggregateName != "" {
		feeds = append(feeds, feed{
			site:        cfg.AggregateSite,
			name:        cfg.AggregateName,
			prefix:      cfg.AggregatePrefix,
			file:        cfg.GetAggregateFile(),
			description: cfg.AggregateName,
		})
	}

	return &Exporter{
		api:       api,
		interval:  interval,
		outputDir: cfg.OutputDir,
		feeds:     feeds,
		loc:       loc,
		backoff:   retry.DefaultBackoffConfig(),
		stopCh:    make(chan struct{}),
	}, nil
}

func (e *Exporter) Start(ctx context.Context) {
	log.Printf("[CALENDAR] worker starting with interval: %v, feeds: %d, output: %s",
		e.interval, len(e.feeds), e.outputDir)

	ticker := time.NewTicker(e.interval)
	go func() {
		defer ticker.Stop()

		// Export once at startup so the files exist before the first tick.
		if err := e.runOnce(ctx); err != nil {
			log.Printf("[CALENDAR] error: %v", err)
		}

		for {
			select {
			case <-ctx.Done():
				log.Println("[CALENDAR] worker stopped due to context cancellation")
				return
			case <-e.stopCh:
				log.Println("[CALENDAR] worker stopped due to stop signal")
				return
			case <-ticker.C:
				if err := e.runOnce(ctx); err != nil {
					log.Printf("[CALENDAR] error: %v", err)
				}
			}
		}
	}()
}

// Stop signals the export worker to stop.
func (e *Exporter) Stop() {
	close(e.stopCh)
}

// runOnce fetches the vendor calendar list and writes every configured
// feed. A failing feed does not prevent the remaining feeds from being
// written; the first error is returned.
func (e *Exporter) runOnce(ctx context.Context) error {
	var calendars []alerting.Calendar
	err := retry.WithRetry(ctx, func() error {
		var err error
		calendars, err = e.api.Calendars(ctx)
		if errors.Is(err, alerting.ErrUnauthorized) {
			// A bad API key does not fix itself.
			return retry.Stop(err)
		}
		return err
	}, e.backoff)
	if err != nil {
		metrics.CalendarExportsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to fetch calendar list: %w", err)
	}

	var firstErr error
	for _, f := range e.feeds {
		if err := e.exportFeed(ctx, f, calendars); err != nil {
			logger.Error("calendar feed export failed", "file", f.file, "error", err)
			metrics.CalendarExportsTotal.WithLabelValues("error").Inc()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.CalendarExportsTotal.WithLabelValues("ok").Inc()
	}
	return firstErr
}

func (e *Exporter) exportFeed(ctx context.Context, f feed, calendars []alerting.Calendar) error {
	var target *alerting.Calendar
	for i := range calendars {
		if calendars[i].Site == f.site && calendars[i].Name == f.name {
			target = &calendars[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("vendor has no calendar named '%s' for site '%s'", f.name, f.site)
	}

	var appointments []alerting.Appointment
	err := retry.WithRetry(ctx, func() error {
		var err error
		appointments, err = e.api.Appointments(ctx, target.ID)
		if errors.Is(err, alerting.ErrUnauthorized) {
			return retry.Stop(err)
		}
		return err
	}, e.backoff)
	if err != nil {
		return fmt.Errorf("failed to fetch appointments for calendar '%s': %w", f.name, err)
	}

	return e.writeFile(f.file, e.render(f, appointments))
}

// render builds the iCalendar document for one feed. Appointments with an
// unparseable start date are skipped with a warning; a missing or broken
// end date falls back to the start.
func (e *Exporter) render(f feed, appointments []alerting.Appointment) string {
	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetXWRCalName(f.name)
	if f.description != "" {
		cal.SetXWRCalDesc(f.description)
	}
	cal.SetXWRTimezone(vendorTimezone)

	for _, a := range appointments {
		start, err := time.ParseInLocation(vendorTimeLayout, a.StartDate, e.loc)
		if err != nil {
			logger.Warn("skipping appointment with unparseable start date",
				"calendar", f.name, "subject", a.Subject, "start", a.StartDate, "error", err)
			continue
		}
		end, err := time.ParseInLocation(vendorTimeLayout, a.EndDate, e.loc)
		if err != nil {
			end = start
		}

		uid := helpers.ContentHash([]byte(fmt.Sprintf("%d|%s|%s", a.CalendarID, a.Subject, a.StartDate)))[:32] + "@mailwatch"
		ev := cal.AddEvent(uid)
		// DTSTAMP is pinned to the event start so repeated exports of an
		// unchanged calendar produce byte-identical files.
		ev.SetDtStampTime(start)
		if a.AllDay {
			// DTEND is exclusive for all-day events.
			ev.SetAllDayStartAt(start)
			ev.SetAllDayEndAt(end.AddDate(0, 0, 1))
		} else {
			ev.SetStartAt(start)
			ev.SetEndAt(end)
		}
		ev.SetSummary(f.prefix + a.Subject)
		if a.Location != "" {
			ev.SetLocation(a.Location)
		}
		if a.Description != "" {
			ev.SetDescription(a.Description)
		}
	}

	return cal.Serialize()
}

// writeFile writes the document to a temp file and renames it into place,
// so a feed reader never sees a half-written calendar.
func (e *Exporter) writeFile(name, content string) error {
	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	dst := filepath.Join(e.outputDir, name)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write calendar file: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("failed to move calendar file into place: %w", err)
	}

	logger.Debug("calendar exported", "file", dst)
	return nil
}
