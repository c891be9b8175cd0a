package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/firedispatch/mailwatch/alerting"
	"github.com/firedispatch/mailwatch/calendar"
	"github.com/firedispatch/mailwatch/config"
	"github.com/firedispatch/mailwatch/dispatch"
	"github.com/firedispatch/mailwatch/extract"
	"github.com/firedispatch/mailwatch/logger"
	"github.com/firedispatch/mailwatch/watch"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// alarmQueueSize bounds the watcher-to-dispatch queue. Alarm traffic is
// low; the buffer only has to absorb a burst while a paging call is in
// flight.
const alarmQueueSize = 1024

func main() {
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	fLogOutput := flag.String("logoutput", "", "Log output destination: 'stderr', 'stdout', 'syslog' or a file path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if *fLogOutput != "" {
		cfg.Logging.Output = *fLogOutput
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	// Log the effective configuration with every credential masked.
	var dump strings.Builder
	if err := toml.NewEncoder(&dump).Encode(cfg.Redacted()); err == nil {
		log.Printf("configuration loaded from %s:\n%s", *configPath, dump.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle SIGINT and SIGTERM for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		log.Printf("Received signal: %s, shutting down...", sig)
		cancel()
	}()

	rules := extract.CompileRules(cfg.Patterns)

	client, err := alerting.New(cfg.Alerting, cfg.Sites, cfg.Calendar.APIKey)
	if err != nil {
		log.Fatalf("failed to initialize alerting client: %v", err)
	}

	alarms := make(chan dispatch.Alarm, alarmQueueSize)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatch.New(alarms, client).Run(ctx)
	}()

	for _, site := range cfg.Sites {
		w, err := watch.New(site, rules, alarms)
		if err != nil {
			log.Fatalf("failed to initialize watcher: %v", err)
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			// A watcher only returns an error on rejected credentials.
			// The site stays dark until the operator fixes the config;
			// the other sites keep running.
			if err := w.Run(ctx); err != nil {
				logger.Error("watcher terminated", "site", name, "error", err)
			}
		}(site.Name)
	}

	if cfg.Calendar.Enabled {
		exporter, err := calendar.New(client, cfg.Calendar)
		if err != nil {
			log.Fatalf("failed to initialize calendar export: %v", err)
		}
		exporter.Start(ctx)
		defer exporter.Stop()
	}

	if cfg.Metrics.Enabled {
		startMetricsServer(ctx, cfg.Metrics.GetAddr())
	}

	log.Printf("mailwatch started with %d site(s)", len(cfg.Sites))
	<-ctx.Done()
	wg.Wait()
	log.Println("mailwatch shut down")
}

// startMetricsServer serves the Prometheus exposition endpoint and a
// liveness probe until the context is cancelled.
func startMetricsServer(ctx context.Context, addr string) {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	}).Methods("GET")

	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	go func() {
		log.Printf("[METRICS] listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
}
