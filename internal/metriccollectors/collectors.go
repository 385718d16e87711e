package metriccollectors

import (
	"github.com/metraction/vidi/internal/builder"
	"github.com/metraction/vidi/internal/hub"
	"github.com/metraction/vidi/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var (
	_ prometheus.Collector = (*HubCollector)(nil)
	_ prometheus.Collector = (*PipelineCollector)(nil)
)

// HubStats is what the hub collector reads on every scrape.
type HubStats interface {
	Stats() []hub.ChannelStats
	Dropped() uint64
}

// HubCollector exports live viewer counts per dashboard.
type HubCollector struct {
	Logger      *zerolog.Logger
	Hub         HubStats
	Connections *prometheus.Desc
	Sequence    *prometheus.Desc
	Dropped     *prometheus.Desc
}

func NewHubCollector(hub HubStats) *HubCollector {
	return &HubCollector{
		Logger: logging.NewLogger("info", "component", "HubCollector"),
		Hub:    hub,
		Connections: prometheus.NewDesc(
			"vidi_hub_connections",
			"Live viewers per dashboard",
			[]string{"dashboard_id"}, nil,
		),
		Sequence: prometheus.NewDesc(
			"vidi_hub_sequence",
			"Last sequence number broadcast per dashboard",
			[]string{"dashboard_id"}, nil,
		),
		Dropped: prometheus.NewDesc(
			"vidi_hub_dropped_messages_total",
			"Messages dropped because a viewer did not keep up",
			nil, nil,
		),
	}
}

// Describe implements the prometheus.Collector interface.
func (hc *HubCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- hc.Connections
	ch <- hc.Sequence
	ch <- hc.Dropped
}

// Collect implements the prometheus.Collector interface.
func (hc *HubCollector) Collect(ch chan<- prometheus.Metric) {
	stats := hc.Hub.Stats()
	hc.Logger.Debug().Int("channels", len(stats)).Msg("Collect called")
	for _, stat := range stats {
		id := stat.DashboardID.String()
		ch <- prometheus.MustNewConstMetric(hc.Connections, prometheus.GaugeValue, float64(stat.Subscribers), id)
		ch <- prometheus.MustNewConstMetric(hc.Sequence, prometheus.GaugeValue, float64(stat.Sequence), id)
	}
	ch <- prometheus.MustNewConstMetric(hc.Dropped, prometheus.CounterValue, float64(hc.Hub.Dropped()))
}

type PipelineStats interface {
	Stats() builder.BuildStats
}

// PipelineCollector exports build counters of the pipeline.
type PipelineCollector struct {
	Pipeline PipelineStats
	InFlight *prometheus.Desc
	Builds   *prometheus.Desc
	Duration *prometheus.Desc
}

func NewPipelineCollector(pipeline PipelineStats) *PipelineCollector {
	return &PipelineCollector{
		Pipeline: pipeline,
		InFlight: prometheus.NewDesc(
			"vidi_builds_in_flight",
			"Builds claimed and not yet finished",
			nil, nil,
		),
		Builds: prometheus.NewDesc(
			"vidi_builds_total",
			"Finished builds by result",
			[]string{"result"}, nil,
		),
		Duration: prometheus.NewDesc(
			"vidi_build_duration_seconds",
			"Time spent in builds",
			nil, nil,
		),
	}
}

func (pc *PipelineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pc.InFlight
	ch <- pc.Builds
	ch <- pc.Duration
}

func (pc *PipelineCollector) Collect(ch chan<- prometheus.Metric) {
	stats := pc.Pipeline.Stats()
	ch <- prometheus.MustNewConstMetric(pc.InFlight, prometheus.GaugeValue, float64(stats.InFlight))
	ch <- prometheus.MustNewConstMetric(pc.Builds, prometheus.CounterValue, float64(stats.Ready), "ready")
	ch <- prometheus.MustNewConstMetric(pc.Builds, prometheus.CounterValue, float64(stats.Failed), "failed")
	ch <- prometheus.MustNewConstSummary(pc.Duration, stats.Ready+stats.Failed, stats.DurationSeconds, nil)
}
