// Command carsync runs the staging-to-warehouse synchronization: schema
// setup, the reference stage (closed-dimension seeding plus data-driven
// reference tables), then one fact sync per configured job.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"carsync/internal/config"
	"carsync/internal/mapping"
	"carsync/internal/metrics"
	"carsync/internal/metrics/datadog"
	"carsync/internal/storage"
	"carsync/internal/warehouse"

	// register all backends with the storage factory; the config selects one.
	_ "carsync/internal/storage/all"
)

func main() {
	// Local runs keep credentials in .env; a missing file is fine.
	_ = godotenv.Load()

	var (
		cfgPath       string
		referenceOnly bool
		validate      bool
	)
	flag.StringVar(&cfgPath, "config", "configs/carsync.json", "config JSON path")
	flag.BoolVar(&referenceOnly, "reference-only", false, "run only the reference stage and exit")
	flag.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	verbose := flag.Bool("v", false, "enable verbose logs")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatalf("%v", err)
	}

	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintln(os.Stderr, iss)
	}
	if config.HasErrors(issues) {
		fatalf("configuration is invalid: %s", cfgPath)
	}
	if validate {
		log.Printf("configuration is valid: %s", cfgPath)
		return
	}

	maps := mapping.Default()
	if cfg.MappingFile != "" {
		maps, err = mapping.LoadFile(cfg.MappingFile)
		if err != nil {
			fatalf("%v", err)
		}
	}

	shutdownMetrics := initMetrics(cfg.Metrics)
	defer shutdownMetrics()

	ctx := context.Background()
	start := time.Now()

	repo, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		fatalf("open warehouse: %v", err)
	}
	defer repo.Close()

	runner := warehouse.NewRunner(repo, maps, log.Default())

	if err := runner.EnsureSchema(ctx); err != nil {
		fatalf("%v", err)
	}
	if err := runner.SyncReference(ctx); err != nil {
		fatalf("reference stage: %v", err)
	}
	if referenceOnly {
		log.Printf("reference stage complete in %s", time.Since(start).Truncate(time.Millisecond))
		return
	}

	failedRows := 0
	for _, job := range cfg.Jobs {
		res, err := runner.RunSync(ctx, job.StagingTable, job.FactTable, job.SourceID, job.DeleteAfter)
		if err != nil {
			fatalf("sync %s: %v", job.StagingTable, err)
		}
		failedRows += res.Failed
	}

	if *verbose {
		log.Printf("completed in %s", time.Since(start).Truncate(time.Millisecond))
	}
	if failedRows > 0 {
		// Row failures are not fatal mid-run, but the exit code should tell
		// the scheduler that something needs attention.
		fatalf("completed with %d failed rows", failedRows)
	}
}

// initMetrics installs the configured metrics backend and returns the
// shutdown hook. The nop backend stays installed for "none".
func initMetrics(m config.Metrics) func() {
	switch m.Backend {
	case "datadog":
		job := m.Job
		if job == "" {
			job = "carsync"
		}
		flushEvery := time.Duration(m.FlushSeconds) * time.Second

		b, err := datadog.NewBackend(context.Background(), datadog.Options{
			JobName:    job,
			Tags:       datadog.ParseTagsCSV(m.Tags),
			FlushEvery: flushEvery,
		})
		if err != nil {
			log.Printf("metrics: datadog init failed: %v; using nop", err)
			return func() {}
		}
		metrics.SetBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				log.Printf("metrics: datadog close/flush error: %v", err)
			}
		}

	case "", "none":
		return func() {}

	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", m.Backend)
		return func() {}
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
