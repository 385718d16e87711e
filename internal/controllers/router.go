package controllers

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/klauspost/compress/gzhttp"
	"github.com/metraction/vidi/internal/hub"
	"github.com/metraction/vidi/internal/logging"
	"github.com/metraction/vidi/internal/store"
	"github.com/metraction/vidi/internal/version"
	"github.com/metraction/vidi/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const ApiPrefix = "/api/v1"

// Services are the long lived parts the http surface is built on.
type Services struct {
	Config     *model.Config
	Store      store.DashboardStore
	Hub        *hub.Hub
	Pipeline   Builds
	Collectors []prometheus.Collector
	// Registry defaults to the prometheus default registry
	Registry *prometheus.Registry
}

// NewRouter wires api, websocket, portal and file serving into one handler.
func NewRouter(services Services) *chi.Mux {
	config := services.Config
	logger := logging.NewLogger(config.Log.Level, "component", "Router")
	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if services.Registry != nil {
		registerer, gatherer = services.Registry, services.Registry
	}

	baseRouter := chi.NewRouter()
	baseRouter.Use(middleware.Recoverer)
	baseRouter.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))
	baseRouter.Use(RequestLogger(logger))

	// websocket upgrades need the raw connection, so no compression here
	NewStreamController(config, services.Store, services.Hub).AddRoutes(baseRouter)

	baseRouter.Group(func(router chi.Router) {
		router.Use(func(next http.Handler) http.Handler { return gzhttp.GzipHandler(next) })

		v1ApiRouter := chi.NewMux()
		v1ApiConfig := huma.DefaultConfig("Vidi API", version.Version)
		v1ApiConfig.Servers = []*huma.Server{
			{URL: ApiPrefix, Description: "Vidi API server"},
		}
		v1ApiConfig.OpenAPIPath = "/openapi"
		v1Api := humachi.New(v1ApiRouter, v1ApiConfig)

		metricsController := NewMetricsControllerWithRegistry(&v1Api, config, services.Store, registerer, gatherer, services.Collectors...)
		v1Api.UseMiddleware(metricsController.MetricsMiddleware())
		metricsController.AddRoutes()
		NewDashboardController(&v1Api, config, services.Store, services.Hub, services.Pipeline).AddRoutes()
		router.Mount(ApiPrefix, v1ApiRouter)

		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
		if config.Server.StaticDir != "" {
			router.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(config.Server.StaticDir))))
		}
		if config.Build.ArtifactDir != "" {
			router.Handle("/wasm/*", http.StripPrefix("/wasm/", http.FileServer(http.Dir(config.Build.ArtifactDir))))
		}
		NewPortalController(config, services.Store, services.Hub, services.Pipeline).AddRoutes(router)
	})
	return baseRouter
}
