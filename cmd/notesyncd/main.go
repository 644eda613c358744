package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"notesync/internal/config"
	"notesync/internal/identity"
	"notesync/internal/util"
	"notesync/pkg/ai"
	"notesync/pkg/bridge"
	"notesync/pkg/pending"
	"notesync/pkg/queue"
	"notesync/pkg/remote"
	"notesync/pkg/store"
	"notesync/pkg/syncer"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	localStore, err := store.NewGormStore(cfg.DatabasePath)
	if err != nil {
		util.Fatal("failed to open local store", "err", err)
	}

	sessionToken := func() string { return os.Getenv("NOTESYNC_SESSION_TOKEN") }
	var verifier *identity.Verifier
	if cfg.SessionSecret != "" {
		verifier, err = identity.NewVerifier(identity.Config{Secret: cfg.SessionSecret})
		if err != nil {
			util.Fatal("failed to init session verifier", "err", err)
		}
	}
	userID := func() string {
		if verifier == nil {
			return "local"
		}
		subject, err := verifier.VerifySubject(sessionToken())
		if err != nil {
			return "local"
		}
		return subject
	}

	tracker := pending.NewTracker(localStore)
	remoteClient := remote.NewClient(cfg.RemoteBaseURL, sessionToken)
	streamer := ai.NewHTTPStreamer(cfg.ChatStreamURL, sessionToken)

	coordinator := syncer.New(syncer.Config{
		Store:      localStore,
		Tracker:    tracker,
		Remote:     remoteClient,
		DeviceID:   cfg.DeviceID,
		MaxRetries: cfg.MaxRetries,
		Logger:     logger,
	})

	b := bridge.New(bridge.Config{
		Store:         localStore,
		Tracker:       tracker,
		Streamer:      streamer,
		UserID:        userID,
		HistoryLimit:  cfg.HistoryLimit,
		StreamTimeout: cfg.StreamTimeout,
		Logger:        logger,
	})

	ctx := context.Background()
	startSyncLoop(ctx, cfg, coordinator, logger)

	httpServer := bridge.NewServer(bridge.ServerConfig{
		Bridge:   b,
		Verifier: verifier,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 15 * time.Second,
		// No write timeout: the event websocket stays open indefinitely.
		IdleTimeout: 60 * time.Second,
	}

	slog.Info("notesync daemon listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}

// startSyncLoop wires the redis job queue when configured, with a plain
// ticker fallback so sync still runs without redis.
func startSyncLoop(ctx context.Context, cfg config.FileConfig, coordinator *syncer.Coordinator, logger *slog.Logger) {
	interval := cfg.SyncInterval
	if interval <= 0 {
		interval = time.Minute
	}

	runJob := func(ctx context.Context, job queue.SyncJob) error {
		switch job.Kind {
		case queue.KindPush:
			_, err := coordinator.PushPending(ctx)
			return err
		case queue.KindPull:
			return coordinator.Pull(ctx)
		case queue.KindMessages:
			_, err := coordinator.PushLocalMessages(ctx)
			return err
		default:
			if _, err := coordinator.PushPending(ctx); err != nil {
				return err
			}
			if _, err := coordinator.PushLocalMessages(ctx); err != nil {
				return err
			}
			return coordinator.Pull(ctx)
		}
	}

	if cfg.RedisAddr != "" {
		jobs, err := queue.NewSyncQueue(queue.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Consumer: cfg.DeviceID,
		})
		if err != nil {
			util.Fatal("failed to init sync queue", "err", err)
		}
		jobs.Start(ctx, 1, runJob)
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := jobs.Enqueue(ctx, queue.KindFull, "interval"); err != nil {
						logger.Warn("enqueue sync job", "err", err)
					}
				}
			}
		}()
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := runJob(ctx, queue.SyncJob{Kind: queue.KindFull}); err != nil {
					logger.Warn("sync cycle", "err", err)
				}
			}
		}
	}()
}
