package routing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/metraction/vidi/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/reugn/go-streams"
	"github.com/reugn/go-streams/flow"
	"github.com/rs/zerolog"
)

const DefaultCleanupInterval = 300 * time.Second

// ActiveDashboards reports dashboards that currently have live viewers.
type ActiveDashboards interface {
	ActiveDashboardIDs() []uuid.UUID
}

// ExpiredCleaner deletes expired dashboards except the given ones.
type ExpiredCleaner interface {
	CleanupExpired(ctx context.Context, excluded []uuid.UUID) (int64, error)
}

// SweepPass is one tick of the sweeper with the viewers seen at that time.
type SweepPass struct {
	At     time.Time
	Active []uuid.UUID
}

type SweepResult struct {
	At      time.Time
	Active  int
	Deleted int64
	Elapsed time.Duration
	Err     error
}

// SweepSource emits a SweepPass per interval until its context ends.
type SweepSource struct {
	Interval time.Duration
	Logger   *zerolog.Logger
	active   ActiveDashboards
	out      chan any
}

var _ streams.Source = (*SweepSource)(nil)

func NewSweepSource(ctx context.Context, interval time.Duration, active ActiveDashboards, logger *zerolog.Logger) *SweepSource {
	ss := &SweepSource{
		Interval: interval,
		Logger:   logger,
		active:   active,
		out:      make(chan any),
	}
	go ss.run(ctx)
	return ss
}

func (ss *SweepSource) run(ctx context.Context) {
	ticker := time.NewTicker(ss.Interval)
	defer ticker.Stop()
	defer close(ss.out)
	for {
		select {
		case <-ticker.C:
			// the snapshot is taken before the store is asked for expired rows
			pass := SweepPass{At: time.Now().UTC(), Active: ss.active.ActiveDashboardIDs()}
			select {
			case ss.out <- pass:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Out returns the output channel of the source.
func (ss *SweepSource) Out() <-chan any {
	return ss.out
}

// Via asynchronously streams data to the given Flow and returns it.
func (ss *SweepSource) Via(operator streams.Flow) streams.Flow {
	flow.DoStream(ss, operator)
	return operator
}

// Sweeper deletes expired dashboards that nobody is watching.
type Sweeper struct {
	Deleted prometheus.Counter
	Logger  *zerolog.Logger
	cleaner ExpiredCleaner
}

func NewSweeper(cleaner ExpiredCleaner, logger *zerolog.Logger) *Sweeper {
	return &Sweeper{
		Logger: logger,
		Deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vidi_sweeper_deleted_total",
			Help: "Expired dashboards deleted by the lifecycle sweeper",
		}),
		cleaner: cleaner,
	}
}

// Sweep returns the map function of the flow. Store errors end up in the
// result and the next pass runs as usual.
func (sw *Sweeper) Sweep(ctx context.Context) func(SweepPass) SweepResult {
	return func(pass SweepPass) SweepResult {
		elapsed := utils.ElapsedFunc()
		deleted, err := sw.cleaner.CleanupExpired(ctx, pass.Active)
		if err == nil {
			sw.Deleted.Add(float64(deleted))
		}
		return SweepResult{At: pass.At, Active: len(pass.Active), Deleted: deleted, Elapsed: elapsed(), Err: err}
	}
}

// SweepLogSink logs every sweep result.
type SweepLogSink struct {
	Logger *zerolog.Logger
	in     chan any
	done   chan struct{}
}

var _ streams.Sink = (*SweepLogSink)(nil)

func NewSweepLogSink(logger *zerolog.Logger) *SweepLogSink {
	sink := &SweepLogSink{
		Logger: logger,
		in:     make(chan any),
		done:   make(chan struct{}),
	}
	go sink.process()
	return sink
}

func (sink *SweepLogSink) process() {
	defer close(sink.done)
	for elem := range sink.in {
		result, ok := elem.(SweepResult)
		if !ok {
			sink.Logger.Error().Msg("Received non-SweepResult item")
			continue
		}
		switch {
		case result.Err != nil:
			sink.Logger.Error().Err(result.Err).Int("active", result.Active).Msg("cleanup expired dashboards")
		case result.Deleted > 0:
			sink.Logger.Info().
				Int64("deleted", result.Deleted).
				Int("active", result.Active).
				Any("elapsed", utils.HumanDeltaMilisec(result.Elapsed)).
				Msg("cleanup expired dashboards")
		default:
			sink.Logger.Debug().Int("active", result.Active).Msg("cleanup expired dashboards, nothing to do")
		}
	}
}

// In returns the input channel of the sink.
func (sink *SweepLogSink) In() chan<- any {
	return sink.in
}

// AwaitCompletion blocks until the sink has processed all received data.
func (sink *SweepLogSink) AwaitCompletion() {
	<-sink.done
}

// NewSweeperFlow emits one SweepResult per interval. The flow closes when ctx is done.
// TODO: return the deleted ids from CleanupExpired so their artifacts and hub channels can be removed too.
func NewSweeperFlow(ctx context.Context, interval time.Duration, active ActiveDashboards, sweeper *Sweeper) streams.Flow {
	return NewSweepSource(ctx, interval, active, sweeper.Logger).
		Via(flow.NewMap(sweeper.Sweep(ctx), 1))
}

// RunSweeperFlow sweeps every interval and blocks until ctx is done.
func RunSweeperFlow(ctx context.Context, interval time.Duration, active ActiveDashboards, sweeper *Sweeper) {
	sink := NewSweepLogSink(sweeper.Logger)
	NewSweeperFlow(ctx, interval, active, sweeper).To(sink)
	sink.AwaitCompletion()
}
