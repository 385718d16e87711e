package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/metraction/vidi/internal/builder"
	"github.com/metraction/vidi/internal/controllers"
	"github.com/metraction/vidi/internal/hub"
	"github.com/metraction/vidi/internal/logging"
	"github.com/metraction/vidi/internal/metriccollectors"
	"github.com/metraction/vidi/internal/routing"
	"github.com/metraction/vidi/internal/store"
	"github.com/metraction/vidi/internal/utils"
	"github.com/metraction/vidi/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

var serveArgs = struct {
	Host string
	Port int
}{}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the dashboard server",
	Long: `Starts the HTTP server with the REST api, the live update websocket, the portal pages
and the background expiry sweep.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		currentConfig := cmd.Context().Value("config").(*model.Config)
		if cmd.Flags().Changed("host") {
			currentConfig.Server.Host = serveArgs.Host
		}
		if cmd.Flags().Changed("port") {
			currentConfig.Server.Port = serveArgs.Port
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, currentConfig)
	},
}

func serve(ctx context.Context, config *model.Config) error {
	logger := logging.NewLogger(config.Log.Level, "component", "serve")

	dashboardStore, err := store.New(&config.Database, logging.NewLogger(config.Log.Level, "component", "DatabaseContext"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer dashboardStore.Close()

	liveHub := hub.NewHub(config.Hub.ChannelCapacity, logging.NewLogger(config.Log.Level, "component", "Hub"))

	// builds outlive the request that started them but not the server
	buildCtx, cancelBuilds := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBuilds()
	pipeline := builder.NewPipeline(buildCtx, &config.Build, dashboardStore, builder.ExecRunner{}, logging.NewLogger(config.Log.Level, "component", "Pipeline"))
	if config.Build.Enabled {
		if _, err := pipeline.VerifyToolchain(ctx); err != nil {
			logger.Warn().Err(err).Msg("Toolchain incomplete, builds will fail until it is installed")
		}
	} else {
		logger.Warn().Msg("Builds are disabled, new dashboards stay pending")
	}

	sweeper := routing.NewSweeper(dashboardStore, logging.NewLogger(config.Log.Level, "component", "Sweeper"))
	router := controllers.NewRouter(controllers.Services{
		Config:   config,
		Store:    dashboardStore,
		Hub:      liveHub,
		Pipeline: pipeline,
		Collectors: []prometheus.Collector{
			metriccollectors.NewHubCollector(liveHub),
			metriccollectors.NewPipelineCollector(pipeline),
			sweeper.Deleted,
		},
	})

	server := &http.Server{
		Addr:              net.JoinHostPort(config.Server.Host, strconv.Itoa(config.Server.Port)),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		interval := utils.DurationOr(config.Lifecycle.CleanupInterval, routing.DefaultCleanupInterval)
		logger.Info().Str("interval", interval.String()).Msg("Starting expiry sweep")
		routing.RunSweeperFlow(groupCtx, interval, liveHub, sweeper)
		return nil
	})
	group.Go(func() error {
		logger.Info().
			Str("address", server.Addr).
			Bool("tls", config.Server.TLSEnabled()).
			Str("database", string(config.Database.Driver)).
			Msg("Starting HTTP server")
		var err error
		if config.Server.TLSEnabled() {
			err = server.ListenAndServeTLS(config.Server.TLSCert, config.Server.TLSKey)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info().Msg("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	cancelBuilds()
	pipeline.Wait()
	if err != nil {
		logger.Error().Err(err).Msg("Server stopped")
		return err
	}
	logger.Info().Msg("Server stopped")
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveArgs.Host, "host", "0.0.0.0", "Address to listen on, overrides server.host")
	serveCmd.Flags().IntVarP(&serveArgs.Port, "port", "p", 8080, "Port for the HTTP server, overrides server.port")
}
