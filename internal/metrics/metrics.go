// Package metrics exposes the scheduler's decisions as prometheus
// metrics. An Instrumentation registers every collector on its own
// registry so runs never leak series into each other; the registry can
// be served over HTTP for the duration of a run or dumped to a file in
// text exposition format at the end.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"
)

const namespace = "powersched"

// Instrumentation implements sched.Recorder on top of a private
// prometheus registry.
type Instrumentation struct {
	registry *prometheus.Registry
	log      *zap.Logger

	placements        *prometheus.CounterVec
	placementFailures prometheus.Counter
	migrations        *prometheus.CounterVec
	promotions        prometheus.Counter
	demotions         prometheus.Counter
	tierSizes         *prometheus.GaugeVec

	server *http.Server
}

// New builds an Instrumentation with all collectors registered.
func New(log *zap.Logger) *Instrumentation {
	reg := prometheus.NewRegistry()
	i := &Instrumentation{
		registry: reg,
		log:      log.With(zap.String("component", "metrics")),
		placements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "placements_total",
			Help:      "Task placements by placement pass.",
		}, []string{"pass"}),
		placementFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "placement_failures_total",
			Help:      "Tasks that no pass could place.",
		}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_total",
			Help:      "VM migrations by phase.",
		}, []string{"phase"}),
		promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "host_promotions_total",
			Help:      "Hosts promoted out of standby.",
		}),
		demotions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "host_demotions_total",
			Help:      "Idle hosts demoted to off.",
		}),
		tierSizes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tier_size",
			Help:      "Hosts per power tier.",
		}, []string{"tier"}),
	}
	reg.MustRegister(
		i.placements,
		i.placementFailures,
		i.migrations,
		i.promotions,
		i.demotions,
		i.tierSizes,
	)
	return i
}

// Placement counts a successful placement under its pass label.
func (i *Instrumentation) Placement(pass string) {
	i.placements.WithLabelValues(pass).Inc()
}

// PlacementFailure counts a task no pass could place.
func (i *Instrumentation) PlacementFailure() {
	i.placementFailures.Inc()
}

// MigrationStarted counts a migration request.
func (i *Instrumentation) MigrationStarted() {
	i.migrations.WithLabelValues("started").Inc()
}

// MigrationFinished counts a migration completion.
func (i *Instrumentation) MigrationFinished() {
	i.migrations.WithLabelValues("completed").Inc()
}

// Promotion counts a standby host brought to running.
func (i *Instrumentation) Promotion() {
	i.promotions.Inc()
}

// Demotion counts a running host sent to off.
func (i *Instrumentation) Demotion() {
	i.demotions.Inc()
}

// TierSizes updates the per-tier host gauges.
func (i *Instrumentation) TierSizes(running, standby, off int) {
	i.tierSizes.WithLabelValues("running").Set(float64(running))
	i.tierSizes.WithLabelValues("standby").Set(float64(standby))
	i.tierSizes.WithLabelValues("off").Set(float64(off))
}

// Serve exposes /metrics on addr in a background goroutine until Close.
func (i *Instrumentation) Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(i.registry, promhttp.HandlerOpts{}))
	i.server = &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := i.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			i.log.Error("metrics listener failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	i.log.Info("serving metrics", zap.String("addr", addr))
}

// Close shuts the metrics listener down if one is running.
func (i *Instrumentation) Close() error {
	if i.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return i.server.Shutdown(ctx)
}

// WriteTextFile dumps the current metric values to path in text
// exposition format.
func (i *Instrumentation) WriteTextFile(path string) error {
	families, err := i.registry.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating metrics file: %w", err)
	}
	defer f.Close()
	enc := expfmt.NewEncoder(f, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, fam := range families {
		if err := enc.Encode(fam); err != nil {
			return fmt.Errorf("encoding metric family %s: %w", fam.GetName(), err)
		}
	}
	return nil
}
