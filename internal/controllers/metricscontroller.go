package controllers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/metraction/vidi/internal/logging"
	"github.com/metraction/vidi/internal/store"
	"github.com/metraction/vidi/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type ProbeResult struct {
	Body string `json:"body"`
}

type MetricsController struct {
	Path         string
	Api          *huma.API
	Config       *model.Config
	Logger       *zerolog.Logger
	Store        store.DashboardStore
	Registerer   prometheus.Registerer
	Gatherer     prometheus.Gatherer
	HttpRequests *prometheus.CounterVec // Metric to track HTTP requests
}

// NewMetricsControllerWithRegistry registers the request counter and the given
// collectors with registerer and serves gatherer.
func NewMetricsControllerWithRegistry(api *huma.API, config *model.Config, store store.DashboardStore, registerer prometheus.Registerer, gatherer prometheus.Gatherer, collectors ...prometheus.Collector) *MetricsController {
	logger := logging.NewLogger(config.Log.Level, "component", "MetricsController")
	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vidi_http_request_count",
		Help: "Counter for HTTP requests to the Vidi API",
	}, []string{"path", "operation_id", "method", "status_code"})
	mc := &MetricsController{
		Path:         "/probes",
		Api:          api,
		Config:       config,
		Logger:       logger,
		Store:        store,
		Registerer:   registerer,
		Gatherer:     gatherer,
		HttpRequests: httpRequests,
	}
	mc.HttpRequests = mc.register(httpRequests).(*prometheus.CounterVec)
	for _, collector := range collectors {
		mc.register(collector)
	}
	return mc
}

// register keeps an already registered collector, so controllers can be built twice.
func (mc *MetricsController) register(collector prometheus.Collector) prometheus.Collector {
	err := mc.Registerer.Register(collector)
	var already prometheus.AlreadyRegisteredError
	switch {
	case err == nil:
		return collector
	case errors.As(err, &already):
		mc.Logger.Warn().Msg("Metric already registered, duplicate registration?")
		return already.ExistingCollector
	default:
		mc.Logger.Warn().Err(err).Msg("Failed to register metric")
		return collector
	}
}

func (mc *MetricsController) AddRoutes() {
	{
		op, handler := mc.GetMetrics()
		huma.Register(*mc.Api, op, handler)
	}
	{
		op, handler := mc.GetLiveness()
		huma.Register(*mc.Api, op, handler)
	}
	{
		op, handler := mc.GetReadiness()
		huma.Register(*mc.Api, op, handler)
	}
}

// GetMetrics serves the prometheus exposition through the api so it shows up in the openapi document.
// Needs MetricsMiddleware for the writer and request.
func (mc *MetricsController) GetMetrics() (huma.Operation, func(ctx context.Context, input *struct{}) (*struct{ Body string }, error)) {
	return huma.Operation{
			OperationID: "GetMetrics",
			Method:      http.MethodGet,
			Path:        "/metrics",
			Summary:     "Gets metrics",
			Description: "Prometheus metrics of hub, builds, sweeper and http requests",
			Tags:        []string{"V1/Metrics"},
			Responses: map[string]*huma.Response{
				"200": {
					Content: map[string]*huma.MediaType{
						"text/plain": {},
					},
					Description: "Metrics",
				},
				"500": {
					Description: "Internal server error",
				},
			},
		}, func(ctx context.Context, input *struct{}) (*struct{ Body string }, error) {
			writer, ok := ctx.Value("writer").(http.ResponseWriter)
			if !ok {
				return nil, huma.Error500InternalServerError("response writer not found in request context")
			}
			request := ctx.Value("request").(*http.Request)
			promhttp.HandlerFor(mc.Gatherer, promhttp.HandlerOpts{}).ServeHTTP(writer, request)
			return nil, nil
		}
}

func (mc *MetricsController) GetLiveness() (huma.Operation, func(ctx context.Context, input *struct{}) (*ProbeResult, error)) {
	return huma.Operation{
			OperationID: "LivenessProbe",
			Method:      http.MethodGet,
			Path:        mc.Path + "/liveness",
			Summary:     "Liveness probe",
			Description: "Used for liveness probe",
			Tags:        []string{"V1/Probes"},
			Responses: map[string]*huma.Response{
				"200": {Description: "Check if the service is alive"},
			},
		}, func(ctx context.Context, input *struct{}) (*ProbeResult, error) {
			return &ProbeResult{Body: "OK"}, nil
		}
}

func (mc *MetricsController) GetReadiness() (huma.Operation, func(ctx context.Context, input *struct{}) (*ProbeResult, error)) {
	return huma.Operation{
			OperationID: "ReadinessProbe",
			Method:      http.MethodGet,
			Path:        mc.Path + "/readiness",
			Summary:     "Readiness probe",
			Description: "Returns error if the store cannot be queried, otherwise returns OK",
			Tags:        []string{"V1/Probes"},
			Responses: map[string]*huma.Response{
				"200": {Description: "Ready to serve requests"},
				"503": {Description: "Store not available"},
			},
		}, func(ctx context.Context, input *struct{}) (*ProbeResult, error) {
			check := func() error {
				_, err := mc.Store.List(ctx, model.ListQuery{Limit: 1})
				return err
			}
			if pinger, ok := mc.Store.(interface{ Ping() error }); ok {
				check = pinger.Ping
			}
			if err := check(); err != nil {
				mc.Logger.Warn().Err(err).Msg("ReadinessProbe failed")
				return nil, huma.Error503ServiceUnavailable("store not available: " + err.Error())
			}
			return &ProbeResult{Body: "Ready to serve requests"}, nil
		}
}

// MetricsMiddleware injects request and writer into the context for GetMetrics
// and counts requests per operation.
func (mc *MetricsController) MetricsMiddleware() func(ctx huma.Context, next func(huma.Context)) {
	hostname := os.Getenv("HOSTNAME")
	return func(ctx huma.Context, next func(huma.Context)) {
		r, w := humachi.Unwrap(ctx)
		ctx = huma.WithValue(ctx, "request", r)
		ctx = huma.WithValue(ctx, "writer", w)
		if hostname != "" {
			ctx.AppendHeader("Vidi-Pod-Name", hostname)
		}
		next(ctx)
		mc.HttpRequests.WithLabelValues(
			ctx.Operation().Path,
			ctx.Operation().OperationID,
			ctx.Method(),
			fmt.Sprintf("%d", ctx.Status()),
		).Inc()
	}
}
