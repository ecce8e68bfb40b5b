package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BioHazard786/warpcall/internal/config"
	"github.com/BioHazard786/warpcall/internal/logging"
	"github.com/BioHazard786/warpcall/internal/server"
)

var (
	flagServeConfig   string
	flagServeAddr     string
	flagServeLogLevel string
	flagServeAccess   string
	flagServePongWait time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling server",
	Long: `Run the signaling server that pairs the two participants of each lesson room.

Examples:
  warpcall serve
  warpcall serve --config server.yaml
  warpcall serve --addr :9000 --access token`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadServer(flagServeConfig, config.ServerOptions{
			Addr:       flagServeAddr,
			LogLevel:   flagServeLogLevel,
			AccessMode: flagServeAccess,
			PongWait:   flagServePongWait,
		})
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func serve(cfg *config.ServerConfig) error {
	log, err := logging.New(logging.ParseLevel(cfg.LogLevel, zapcore.InfoLevel), true)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Sync()

	access, err := server.NewAccessValidator(cfg.Access)
	if err != nil {
		return err
	}

	var gatherer prometheus.Gatherer
	var metrics *server.Metrics
	if cfg.Metrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = server.NewMetrics(reg)
		gatherer = reg
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := server.NewHub(access, metrics, log)
	go hub.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.NewRouter(ctx, hub, server.OptionsFromConfig(cfg), gatherer),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("signaling server listening",
			zap.String("addr", cfg.Addr),
			zap.String("access", cfg.Access.Mode),
			zap.Bool("metrics", cfg.Metrics))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	<-hub.Done()
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&flagServeConfig, "config", "c", "", "YAML configuration file")
	serveCmd.Flags().StringVarP(&flagServeAddr, "addr", "a", "", "Listen address (default :8080)")
	serveCmd.Flags().StringVar(&flagServeLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	serveCmd.Flags().StringVar(&flagServeAccess, "access", "", "Access mode: open, static or token")
	serveCmd.Flags().DurationVar(&flagServePongWait, "pong-wait", 0, "Drop peers silent for this long (default 30s)")
}
