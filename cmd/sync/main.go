package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	_ "time/tzdata"

	"github.com/timmy/sqpsync/internal/app"
	"github.com/timmy/sqpsync/internal/config"
	"github.com/timmy/sqpsync/internal/domain"
	"github.com/timmy/sqpsync/internal/logger"
	"github.com/timmy/sqpsync/internal/repository"
	"github.com/timmy/sqpsync/internal/service"
)

func main() {
	// Initialize logger first (with defaults)
	appLogger := logger.NewDefault()
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Parse command line flags
	tenantKey := flag.Uint("tenant", 0, "Tenant key (0 is the root store)")
	mode := flag.String("mode", service.ModeImport, "Run mode: import, download, request or sync")
	sellers := flag.String("seller", "", "Comma separated seller IDs for request/sync (default: all active)")
	cronJobID := flag.Uint("cron-job", 0, "Restrict to one cron job")
	reportType := flag.String("report-type", "", "Restrict to WEEKLY, MONTHLY or QUARTERLY")
	reportID := flag.String("report-id", "", "Restrict to one report ID")
	limit := flag.Int("limit", 0, "Maximum documents per run (0 uses pipeline.batch_size)")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	period := domain.Period(strings.ToUpper(*reportType))
	if period != "" && !period.Valid() {
		appLogger.WithField("report_type", *reportType).Fatal("Unknown report type")
	}
	sellerIDs, err := parseIDs(*sellers)
	if err != nil {
		appLogger.WithError(err).Fatal("Invalid seller list")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pipeline, err := app.New(ctx, cfg)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize pipeline")
	}
	defer pipeline.Close()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, canceling...")
		cancel()
	}()

	appLogger.WithFields(logger.Fields{
		"mode":               *mode,
		logger.FieldTenantID: *tenantKey,
		"sellers":            sellerIDs,
		"limit":              *limit,
	}).Info("Starting sync")

	runner := pipeline.Runner
	key := uint(*tenantKey)
	var summary *service.RunSummary
	switch *mode {
	case service.ModeImport:
		summary, err = runner.RunOnce(ctx, key, repository.ProcessableFilter{
			CronJobID:  uint(*cronJobID),
			ReportType: period,
			ReportID:   *reportID,
			Limit:      *limit,
		})
	case service.ModeDownload:
		summary, err = runner.DownloadPending(ctx, key, uint(*cronJobID), *limit)
	case service.ModeRequest:
		summary, err = runner.RequestPending(ctx, key, sellerIDs)
	case service.ModeSync:
		summary, err = runner.Sync(ctx, key, sellerIDs)
	default:
		appLogger.WithField("mode", *mode).Fatal("Unknown run mode")
	}
	if err != nil {
		appLogger.WithError(err).Error("Sync failed")
		pipeline.Close()
		logger.Sync()
		os.Exit(1)
	}

	appLogger.WithFields(logger.Fields{
		"processed": summary.Processed,
		"succeeded": summary.Succeeded,
		"no_data":   summary.NoData,
		"errors":    summary.Errors,
		"requested": summary.Requested,
		"stored":    summary.Stored,
	}).Info("Sync completed")
}

func parseIDs(list string) ([]uint, error) {
	var ids []uint
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, uint(id))
	}
	return ids, nil
}
