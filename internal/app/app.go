// Package app wires the pipeline components shared by the sync and api commands.
package app

import (
	"context"
	"fmt"

	"github.com/timmy/sqpsync/internal/config"
	"github.com/timmy/sqpsync/internal/events"
	"github.com/timmy/sqpsync/internal/logger"
	"github.com/timmy/sqpsync/internal/reportapi"
	"github.com/timmy/sqpsync/internal/repository"
	"github.com/timmy/sqpsync/internal/service"
	"github.com/timmy/sqpsync/internal/storage"
	"github.com/timmy/sqpsync/internal/tenant"
	"gorm.io/gorm"
)

// App holds the long-lived pipeline dependencies.
type App struct {
	Config    *config.Config
	Root      *gorm.DB
	Router    *tenant.Router
	Objects   storage.ObjectStorage
	Publisher events.Publisher
	Runner    *service.Runner
}

// New connects the root store and builds the runner.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	root, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	router, err := tenant.NewRouter(root, repository.NewOpener(&cfg.Database), tenant.Options{
		RootName:        cfg.Database.Name,
		CacheSize:       cfg.Tenant.CacheSize,
		DefaultTimezone: cfg.Tenant.DefaultTimezone,
		AutoMigrate:     cfg.Database.AutoMigrate,
	})
	if err != nil {
		_ = repository.Close(root)
		return nil, fmt.Errorf("init tenant router: %w", err)
	}

	objects, err := storage.NewStorage(ctx, &cfg.Storage)
	if err != nil {
		router.Close()
		_ = repository.Close(root)
		return nil, fmt.Errorf("init storage: %w", err)
	}

	loader := storage.NewDocumentLoader(storage.LoaderOptions{
		LocalRoot: cfg.Storage.LocalDir,
		Objects:   objects,
		Bucket:    cfg.Storage.Bucket,
		MaxBytes:  cfg.Pipeline.MaxDocumentBytes,
		Timeout:   cfg.Pipeline.FetchTimeout,
	})

	api := reportapi.New(reportapi.Config{
		BaseURL:       cfg.ReportAPI.BaseURL,
		MarketplaceID: cfg.ReportAPI.MarketplaceID,
		ClientID:      cfg.ReportAPI.ClientID,
		ClientSecret:  cfg.ReportAPI.ClientSecret,
		RefreshToken:  cfg.ReportAPI.RefreshToken,
		TokenURL:      cfg.ReportAPI.TokenURL,
		Timeout:       cfg.ReportAPI.Timeout,
	})

	publisher := events.New(cfg.Events.Brokers, cfg.Events.Topic)

	runner := service.NewRunner(service.RunnerConfig{
		Router:    router,
		Toolkit:   service.NewToolkit(cfg.Resilience, cfg.Pipeline.RetryBudget),
		Fetcher:   loader,
		Objects:   objects,
		API:       api,
		Publisher: publisher,
		Pipeline:  cfg.Pipeline,
	})

	logger.With(logger.Fields{
		logger.FieldDatabase: cfg.Database.Name,
		"driver":             cfg.Database.Driver,
		"storage":            cfg.Storage.Type,
		"events":             len(cfg.Events.Brokers) > 0,
	}).Info(ctx, "Pipeline initialized")

	return &App{
		Config:    cfg,
		Root:      root,
		Router:    router,
		Objects:   objects,
		Publisher: publisher,
		Runner:    runner,
	}, nil
}

// Close releases tenant pools, the event writer and the root store.
func (a *App) Close() {
	a.Router.Close()
	if err := a.Publisher.Close(); err != nil {
		logger.Warn("Failed to close event publisher: %v", err)
	}
	if err := repository.Close(a.Root); err != nil {
		logger.Warn("Failed to close root database: %v", err)
	}
}
