package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"courier/internal/attachment"
	"courier/internal/auth"
	"courier/internal/db"
	"courier/internal/delivery"
	"courier/internal/dispatch"
	httpx "courier/internal/http"
	"courier/internal/jobs"
	"courier/internal/schedule"
	"courier/internal/wakeup"
	"courier/internal/webhook"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API, the dispatch workers and the due-message scanner",
	RunE:  serve,
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	if err := cfg.RequireJWT(); err != nil {
		return err
	}

	gdb, err := db.Connect(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if err := db.AutoMigrateAndIndexes(gdb); err != nil {
		return err
	}

	fs := afero.NewOsFs()
	if err := fs.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		return fmt.Errorf("storage dir: %w", err)
	}

	wake, err := wakeup.Open(wakeup.Config{
		Driver:      cfg.WakeupDriver,
		DatabaseURL: cfg.DatabaseURL,
		Valkey: wakeup.ValkeyConfig{
			Address:   cfg.ValkeyAddress,
			Password:  cfg.ValkeyPassword,
			DB:        cfg.ValkeyDB,
			KeyPrefix: cfg.ValkeyKeyPrefix,
		},
	}, gdb)
	if err != nil {
		return err
	}
	defer wake.Close()

	jobsRepo := &jobs.Repo{DB: gdb, StaleAfter: cfg.StaleAfter, MaxAttempts: cfg.JobMaxAttempts}
	messages := &schedule.Repo{DB: gdb}
	hooks := &webhook.Repo{DB: gdb}
	store := &attachment.Store{DB: gdb, FS: fs, Root: cfg.StorageDir, MaxSize: cfg.MaxAttachmentSize}
	svc := &schedule.Service{
		Repo:        messages,
		Webhooks:    hooks,
		Attachments: store,
		Jobs:        jobsRepo,
		Signal:      wake,
	}
	dispatcher := &dispatch.Dispatcher{
		Messages:    messages,
		Webhooks:    hooks,
		Attachments: store,
		Client: delivery.NewClient(fs, delivery.Options{
			Timeout: cfg.DeliveryTimeout,
			Rate:    cfg.DeliveryRate,
			Burst:   cfg.DeliveryBurst,
		}),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// workers
	ready := make(chan struct{}, 1)
	host, _ := os.Hostname()
	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerCount; i++ {
		w := &jobs.Worker{
			ID:      fmt.Sprintf("%s-%d-%d", host, os.Getpid(), i+1),
			Repo:    jobsRepo,
			Handler: dispatcher,
			Poll:    cfg.WorkerPollInterval,
			Timeout: cfg.JobTimeout,
			Wake:    ready,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	// scanner, woken early by the wakeup signal
	trigger := make(chan struct{}, 1)
	scanner := &jobs.Scanner{
		Source:     messages,
		Repo:       jobsRepo,
		Schedule:   cfg.ScanSchedule,
		Batch:      cfg.ScanBatch,
		StaleAfter: cfg.StaleAfter,
		Ready:      ready,
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := scanner.Run(ctx, trigger); err != nil {
			logrus.WithError(err).Error("[SCANNER] Stopped with error")
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		err := wake.Listen(ctx, func() {
			select {
			case trigger <- struct{}{}:
			default:
			}
		})
		if err != nil {
			logrus.WithError(err).Error("[WAKEUP] Listener stopped, relying on the scan schedule")
		}
	}()

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpx.NewRouter(cfg, httpx.Deps{
			DB:          gdb,
			JWT:         auth.NewJWT(cfg.JWTSecret),
			Messages:    svc,
			Webhooks:    hooks,
			Attachments: store,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", cfg.HTTPAddr).Info("[HTTP] Listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logrus.WithError(err).Warn("sd_notify ready failed")
	} else if ok {
		logrus.Debug("sd_notify READY sent")
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	// graceful shutdown
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	wg.Wait()
	logrus.Info("courier stopped")
	return runErr
}
