// comicvault - comic download daemon
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/comicvault/comicvault/internal/config"
	"github.com/comicvault/comicvault/internal/download"
	"github.com/comicvault/comicvault/internal/extract"
	"github.com/comicvault/comicvault/internal/fetch"
	"github.com/comicvault/comicvault/internal/library"
	"github.com/comicvault/comicvault/internal/logger"
	"github.com/comicvault/comicvault/internal/server"
	"github.com/comicvault/comicvault/internal/shutdown"
	"github.com/comicvault/comicvault/internal/source"
	"github.com/comicvault/comicvault/internal/storage"
	"github.com/comicvault/comicvault/internal/version"
)

const configPollInterval = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	noResume := flag.Bool("no-resume", false, "do not resume persisted tasks at startup")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		os.Exit(0)
	}

	configMgr := config.NewManager()
	if *configPath != "" {
		configMgr = config.NewManagerWithPath(*configPath)
	}

	cfg, err := configMgr.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config, using defaults: %v\n", err)
		cfg = config.DefaultConfig()
	}

	if err := logger.InitLogger(&cfg.Log, version.Name); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logger: %v\n", err)
	}

	logger.Infof("Starting %s", version.Get())
	logger.Infof("Config file: %s", configMgr.GetConfigPath())

	if err := run(cfg, configMgr, !*noResume && cfg.Download.AutoResume); err != nil {
		logger.Fatalf("%v", err)
	}
}

func run(cfg *config.Config, configMgr *config.Manager, autoResume bool) error {
	storageMgr, err := storage.NewManager(&cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	lib, err := library.New(storageMgr.GetStore(), library.Options{
		Root:           cfg.Download.Directory,
		MinFreeSpaceMB: cfg.Download.MinFreeSpaceMB,
	})
	if err != nil {
		storageMgr.Close()
		return err
	}

	sourceClient, err := source.NewClient(source.Config{
		Key:       cfg.Source.Key,
		Endpoint:  cfg.Source.Endpoint,
		Timeout:   time.Duration(cfg.Source.Timeout) * time.Second,
		UserAgent: cfg.Source.UserAgent,
	})
	if err != nil {
		storageMgr.Close()
		return err
	}

	fetchCfg := fetch.DefaultConfig()
	fetchCfg.UserAgent = cfg.Source.UserAgent

	downloads := download.NewManager(download.Deps{
		Fetch:           fetch.NewClient(fetchCfg),
		Archives:        fetch.NewArchiveDownloader(fetchCfg),
		Extractor:       extract.NewZip(extract.DefaultCopyWorkers),
		Catalog:         lib,
		MaxConcurrent:   configMgr.MaxConcurrentTasks,
		RetryDelay:      time.Duration(cfg.Download.RetryDelayMs) * time.Millisecond,
		CacheDir:        cfg.Download.CacheDirectory,
		ScratchPrefixes: cfg.Download.ScratchExtractPrefixes,
	})
	downloads.RegisterSource(sourceClient.Key(), sourceClient)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	restored, err := downloads.Restore(ctx)
	if err != nil {
		logger.WithError(err).Warn("Failed to restore download tasks")
	}
	if autoResume && restored > 0 {
		downloads.ResumeAll()
	}

	go configMgr.WatchConfig(ctx, configPollInterval, func(c *config.Config, err error) {
		if err != nil {
			logger.WithError(err).Warn("Config reload failed")
			return
		}
		logger.Infof("Config reloaded, max concurrent tasks: %d", c.Download.MaxConcurrentTasks)
	})

	srv := server.NewServer(&server.Config{
		Host:          cfg.Server.Host,
		Port:          cfg.Server.Port,
		ReadTimeout:   time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:  time.Duration(cfg.Server.WriteTimeout) * time.Second,
		DefaultSource: sourceClient.Key(),
	}, downloads, lib)

	shutdownMgr := shutdown.NewManager(30 * time.Second)

	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	}, shutdown.PriorityCritical)

	shutdownMgr.Register("downloads", func(ctx context.Context) error {
		cancel()
		return downloads.Close()
	}, shutdown.PriorityHigh)

	shutdownMgr.Register("storage", func(ctx context.Context) error {
		return storageMgr.Close()
	}, shutdown.PriorityNormal)

	shutdownMgr.Register("logger", func(ctx context.Context) error {
		logger.Info("Logger closed")
		return logger.GetLogger().Close()
	}, shutdown.PriorityLow)

	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	shutdownMgr.Start()

	fmt.Printf("%s listening on http://%s:%d\n", version.Name, cfg.Server.Host, cfg.Server.Port)
	fmt.Println("Press Ctrl+C to stop")

	shutdownMgr.Wait()
	return nil
}
