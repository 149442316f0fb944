package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/pksingh99/jirban-jira/api"
	"github.com/pksingh99/jirban-jira/config"
	"github.com/pksingh99/jirban-jira/projector"
	"github.com/pksingh99/jirban-jira/source"
	"github.com/pksingh99/jirban-jira/source/jira"
	"github.com/pksingh99/jirban-jira/storage"
)

type boardLister interface {
	ListBoards(ctx context.Context) ([]string, error)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		configs source.ConfigStore
		lister  boardLister
		queue   projector.RefreshQueue
	)
	if cfg.StorageConnectionString != "" {
		store, err := storage.New(cfg.StorageConnectionString, cfg.BoardsTable, cfg.RefreshQueue)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		configs, lister, queue = store, store, store
	} else {
		log.WithField("dir", cfg.ConfigDir).Info("no storage account configured, reading board definitions from disk")
		fs := storage.NewFileStore(cfg.ConfigDir)
		configs, lister = fs, fs
	}

	broker := api.NewBroker()
	opts := projector.Options{
		PageSize:         cfg.SearchPageSize,
		MaxPages:         cfg.SearchMaxPages,
		FetchConcurrency: cfg.FetchConcurrency,
		BuildParallelism: cfg.BuildParallelism,
		RefreshTimeout:   cfg.RefreshTimeout,
	}

	if cfg.RedisConnectionString != "" {
		redisOpts, err := config.RedisOptions(cfg.RedisConnectionString)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		rc := redis.NewClient(redisOpts)
		defer rc.Close()
		configs = storage.NewConfigCache(configs, rc, cfg.ConfigCacheTTL)
		opts.Snapshots = storage.NewSnapshotCache(rc, cfg.SnapshotCacheTTL)
		opts.Sinks = []projector.DeltaSink{storage.NewPublisher(rc, cfg.BoardUpdatesChannel)}
		go storage.Subscribe(ctx, rc, cfg.BoardUpdatesChannel, time.Second, broker.Deliver)
	} else {
		opts.Sinks = []projector.DeltaSink{broker}
	}

	client := jira.NewClient(jira.Options{
		BaseURL:     cfg.JiraURL,
		User:        cfg.JiraUser,
		Token:       cfg.JiraToken,
		Concurrency: cfg.FetchConcurrency,
	}, &http.Client{Timeout: 30 * time.Second})
	opts.Searcher = client
	opts.Directory = client
	opts.Configs = configs
	if cfg.FetchLinks {
		opts.Links = client
	}
	manager := projector.NewManager(opts)

	boards := cfg.Boards
	if len(boards) == 0 {
		boards, err = lister.ListBoards(ctx)
		if err != nil {
			log.Fatalf("list boards: %v", err)
		}
	}
	log.WithField("boards", boards).Info("polling boards")
	poller := &projector.Poller{
		Refresher:    manager,
		Boards:       boards,
		Interval:     cfg.RefreshInterval,
		RetryInitial: cfg.RetryInitial,
		RetryMax:     cfg.RetryMax,
	}
	go poller.Run(ctx)
	if queue != nil {
		go projector.ConsumeRefreshes(ctx, queue, manager, time.Second)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(api.CORS())
	e.Use(api.GzipRequestMiddleware())
	logger := log.New()
	logger.SetLevel(log.GetLevel())
	api.Register(e, manager, broker, logger, api.Options{Heartbeat: 30 * time.Second})

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http server shutdown")
	}
}
