package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Watcher metrics
var (
	IMAPConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailwatch_imap_connections_total",
			Help: "Total number of IMAP connection attempts",
		},
		[]string{"site", "result"},
	)

	WatcherReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailwatch_watcher_reconnects_total",
			Help: "Total number of watcher reconnects by failing stage",
		},
		[]string{"site", "stage"},
	)

	MessagesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailwatch_messages_processed_total",
			Help: "Total number of unseen messages processed",
		},
		[]string{"site", "result"},
	)

	IdleCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailwatch_idle_cycles_total",
			Help: "Total number of completed IDLE waits",
		},
		[]string{"site", "reason"},
	)
)

// Extraction metrics
var (
	ExtractionEmptyFieldsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailwatch_extraction_empty_fields_total",
			Help: "Total number of extractions that left a field empty",
		},
		[]string{"field"},
	)

	PagerMatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailwatch_pager_matches_total",
			Help: "Total number of pager trigger phrases matched",
		},
		[]string{"site"},
	)
)

// Dispatch metrics
var (
	DispatchSubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailwatch_dispatch_submissions_total",
			Help: "Total number of paging submissions to the alerting vendor",
		},
		[]string{"site", "result"},
	)

	DispatchDuplicatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailwatch_dispatch_duplicates_total",
			Help: "Total number of pager codes suppressed as already paged",
		},
		[]string{"site"},
	)
)

// Calendar export metrics
var (
	CalendarExportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailwatch_calendar_exports_total",
			Help: "Total number of calendar export runs",
		},
		[]string{"result"},
	)
)
