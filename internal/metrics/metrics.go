// Package metrics exposes the bot's operational counters over a /metrics
// endpoint.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "focusbot/pkg/logx"
)

var (
	EngineTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "focusbot_engine_ticks_total",
		Help: "Engine tick executions.",
	}, []string{"engine"})

	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "focusbot_deliveries_total",
		Help: "Outbound messages by engine, kind and status.",
	}, []string{"engine", "kind", "status"})

	DMRefusals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "focusbot_dm_refusals_total",
		Help: "Direct messages refused by the platform.",
	})

	RoleOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "focusbot_role_ops_total",
		Help: "Role grants and revokes by status.",
	}, []string{"op", "status"})

	SnapshotFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "focusbot_snapshot_flushes_total",
		Help: "State snapshot flushes by status.",
	}, []string{"status"})

	PhaseTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "focusbot_pomodoro_transitions_total",
		Help: "Pomodoro phase transitions by target phase.",
	}, []string{"phase"})

	TickDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "focusbot_engine_tick_seconds",
		Help:    "Engine tick duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"engine"})
)

// MustRegister registers all bot collectors on the registerer.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		EngineTicks,
		DeliveriesTotal,
		DMRefusals,
		RoleOps,
		SnapshotFlushes,
		PhaseTransitions,
		TickDuration,
	)
}

// ObserveTick records one engine tick execution.
func ObserveTick(engine string, start time.Time) {
	EngineTicks.WithLabelValues(engine).Inc()
	TickDuration.WithLabelValues(engine).Observe(time.Since(start).Seconds())
}

// IncDelivery records an outbound message attempt.
func IncDelivery(engine, kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	DeliveriesTotal.WithLabelValues(engine, kind, status).Inc()
}

// IncRoleOp records a role grant or revoke.
func IncRoleOp(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	RoleOps.WithLabelValues(op, status).Inc()
}

// StartServer serves /metrics on addr until ctx is cancelled.
func StartServer(ctx context.Context, log logx.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics shutdown failed", logx.Err(err))
		}
	}()

	go func() {
		log.Info("metrics server started", logx.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", logx.Err(err))
		}
	}()
}
