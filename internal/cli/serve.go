package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arclight-ai/llmmeter/internal/scheduler"
	"github.com/arclight-ai/llmmeter/internal/server"
	"github.com/arclight-ai/llmmeter/pkg/retention"
	"github.com/arclight-ai/llmmeter/pkg/series"
	"github.com/arclight-ai/llmmeter/pkg/stats"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin API server and the maintenance scheduler",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("listen", "l", "", "Listen address (default from config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}

	logger := newLogger(cfg)

	recorder, store, err := initRecorder(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	aggregator := series.NewAggregator(store, logger)
	cleaner := retention.NewCleaner(store, logger)
	apiServer := server.NewServer(store, stats.NewEngine(store), aggregator, cleaner, recorder, logger)

	readTimeout, _ := time.ParseDuration(cfg.Server.ReadTimeout)
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}
	writeTimeout, _ := time.ParseDuration(cfg.Server.WriteTimeout)
	if writeTimeout == 0 {
		writeTimeout = 60 * time.Second
	}

	srv := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      apiServer.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	schedCtx, cancelSched := context.WithCancel(cmd.Context())
	defer cancelSched()
	sched := scheduler.New(store, aggregator, cleaner, logger)
	go func() {
		if err := sched.Run(schedCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler exited", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("llmmeter started", "listen", cfg.Server.Listen)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
		cancelSched()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}
