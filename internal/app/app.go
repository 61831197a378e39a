// Package app wires configuration, storage, and services into one runnable
// core shared by cmd/docket-server and the test harness.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/casekit/docket/internal/clients/credstatic"
	"github.com/casekit/docket/internal/clients/graph"
	"github.com/casekit/docket/internal/common"
	"github.com/casekit/docket/internal/interfaces"
	"github.com/casekit/docket/internal/models"
	"github.com/casekit/docket/internal/services/archiver"
	"github.com/casekit/docket/internal/services/auth"
	"github.com/casekit/docket/internal/services/maintenance"
	"github.com/casekit/docket/internal/services/monitor"
	"github.com/casekit/docket/internal/services/pool"
	"github.com/casekit/docket/internal/services/queue"
	"github.com/casekit/docket/internal/services/workers"
	"github.com/casekit/docket/internal/storage"
)

// poolDrainTimeout bounds how long Close waits for in-flight jobs.
const poolDrainTimeout = 30 * time.Second

// App holds all initialized services and storage. It is the shared core used
// by cmd/docket-server and the end-to-end tests.
type App struct {
	Config      *common.Config
	Logger      *common.Logger
	Storage     interfaces.StorageManager
	Bus         *queue.Bus
	Hub         *queue.Hub
	Queue       interfaces.Queue
	Registry    *workers.Registry
	Archiver    interfaces.Archiver
	Mail        interfaces.MailClient
	Credentials interfaces.CredentialSource
	Pool        interfaces.Pool
	Maintenance interfaces.Maintenance
	Monitor     interfaces.Monitor
	Auth        interfaces.AuthService
	StartupTime time.Time

	running bool
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// NewApp initializes storage and services. configPath may be empty, in which
// case the default resolution logic is used: DOCKET_CONFIG, then docket.toml
// next to the binary, then config/docket.toml.
func NewApp(configPath string) (*App, error) {
	common.LoadVersionFromFile()

	binDir := getBinaryDir()

	if configPath == "" {
		configPath = os.Getenv("DOCKET_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(binDir, "docket.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/docket.toml" // fallback for development
		}
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Resolve relative storage paths to the binary directory
	for _, p := range []*string{
		&config.Storage.Job.Path,
		&config.Storage.Case.Path,
		&config.Storage.Blob.Path,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(binDir, *p)
		}
	}

	logger := common.NewLoggerFromConfig(config.Logging)

	if config.IsProduction() {
		if missing := config.ValidateRequired(); len(missing) > 0 {
			return nil, fmt.Errorf("production config incomplete, missing: %v", missing)
		}
	}

	return NewAppWithDeps(config, logger)
}

// NewAppWithDeps wires the app from an already-loaded config and logger.
// Tests use it to inject temp-dir storage paths and stub mail endpoints.
func NewAppWithDeps(config *common.Config, logger *common.Logger) (*App, error) {
	startupStart := time.Now()

	storageManager, err := storage.NewManager(logger, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	bus := queue.NewBus(logger)
	hub := queue.NewHub(bus, logger)
	queueService := queue.NewService(storageManager.JobStore(), bus, logger, config)

	creds := credstatic.NewSource(logger, config.Mail.Accounts)
	mailClient := graph.NewFromConfig(logger, config)
	archiverService := archiver.NewService(storageManager.BlobStore(), logger)

	registry := workers.NewRegistry()
	handlers := []interfaces.JobHandler{
		workers.NewArchivalHandler(creds, mailClient, archiverService, logger),
		workers.NewBulkAssignmentHandler(storageManager.CaseStore(), queueService, logger),
		workers.NewCleanupHandler(archiverService, config, logger),
		workers.NewExportHandler(archiverService, storageManager.ExportStore(), storageManager.BlobStore(), config, logger),
		workers.NewPassthroughHandler(models.JobTypeContentAnalysis, logger),
		workers.NewPassthroughHandler(models.JobTypeMaintenance, logger),
	}
	for _, h := range handlers {
		if err := registry.Register(h); err != nil {
			storageManager.Close()
			return nil, fmt.Errorf("failed to register handler: %w", err)
		}
	}

	workerPool := pool.NewPool(storageManager.JobStore(), registry, bus, logger, config)
	maintenanceService := maintenance.NewService(
		storageManager.JobStore(), storageManager.ExportStore(), storageManager.BlobStore(), logger, config)
	monitorService := monitor.NewService(
		storageManager.JobStore(), queueService, workerPool, bus, logger, config)
	authService := auth.NewService(config, logger)

	a := &App{
		Config:      config,
		Logger:      logger,
		Storage:     storageManager,
		Bus:         bus,
		Hub:         hub,
		Queue:       queueService,
		Registry:    registry,
		Archiver:    archiverService,
		Mail:        mailClient,
		Credentials: creds,
		Pool:        workerPool,
		Maintenance: maintenanceService,
		Monitor:     monitorService,
		Auth:        authService,
		StartupTime: startupStart,
	}

	logger.Info().Dur("startup", time.Since(startupStart)).Msg("App initialized")
	return a, nil
}

// Start launches the background loops: the event hub, the worker pool, the
// maintenance sweeps, and the monitor.
func (a *App) Start(ctx context.Context) error {
	if a.running {
		return nil
	}

	go a.Hub.Run()

	if err := a.Pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	if err := a.Maintenance.Start(ctx); err != nil {
		a.Pool.Stop(ctx)
		return fmt.Errorf("failed to start maintenance: %w", err)
	}
	if err := a.Monitor.Start(ctx); err != nil {
		a.Maintenance.Stop()
		a.Pool.Stop(ctx)
		return fmt.Errorf("failed to start monitor: %w", err)
	}

	a.running = true
	a.Logger.Info().Msg("Background services started")
	return nil
}

// Close drains and releases everything. Shutdown order: monitor, maintenance,
// pool (bounded drain), hub, bus, storage.
func (a *App) Close() {
	if a.Monitor != nil {
		a.Monitor.Stop()
	}
	if a.Maintenance != nil {
		a.Maintenance.Stop()
	}
	if a.Pool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), poolDrainTimeout)
		if err := a.Pool.Stop(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Worker pool did not drain cleanly")
		}
		cancel()
	}
	if a.Hub != nil {
		a.Hub.Stop()
	}
	if a.Bus != nil {
		a.Bus.Close()
	}
	if a.Storage != nil {
		a.Storage.Close()
		a.Storage = nil
	}
	a.running = false
}
