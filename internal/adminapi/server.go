/**
 * Copyright (c) 2011-2021 Cloudware S.A. All rights reserved.
 *
 * This file is part of casper-http-gateway.
 *
 * casper-http-gateway is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 */

// Package adminapi is C7, the operability surface bolted onto the side
// of the gateway (spec.md §4.7): process liveness, Prometheus metrics,
// and a websocket stream of in-flight Deferred state transitions. It is
// grounded on cmd/mcrew's service-ws.go/http.go — a plain net/http
// ServeMux plus a gorilla/websocket upgrade handler fanning one source
// of events out to a registry of live connections.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/casper2020/casper-http-gateway/internal/gateway"
	"github.com/casper2020/casper-http-gateway/internal/model"
)

// Dispatcher is the subset of *gateway.Dispatcher the admin API depends
// on, narrowed for testability.
type Dispatcher interface {
	InflightCount() int
	SubscribeState() (<-chan gateway.StateEvent, func())
	Push(tracking model.Tracking, params *model.Parameters, onCompleted func(*model.Response)) error
}

// Metrics are the Prometheus collectors §4.7 names: in-flight Deferred
// count, per-provider grant counts, step latencies. Only Inflight is fed;
// GrantsTotal and StepDuration are registered but nothing records into
// them, so they are always exported empty.
type Metrics struct {
	Inflight      prometheus.GaugeFunc
	GrantsTotal   *prometheus.CounterVec
	StepDuration  *prometheus.HistogramVec
}

// NewMetrics registers the admin API's collectors against reg (pass
// prometheus.NewRegistry() for test isolation, or nil for the global
// DefaultRegisterer).
func NewMetrics(reg prometheus.Registerer, d Dispatcher) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Inflight: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "inflight_jobs",
			Help:      "Number of Deferreds currently tracked by the Dispatcher.",
		}, func() float64 { return float64(d.InflightCount()) }),
		GrantsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "oauth2_grants_total",
			Help:      "OAuth2 grant exchanges attempted, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "step_duration_seconds",
			Help:      "Outbound call latency per Deferred step.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	reg.MustRegister(m.Inflight, m.GrantsTotal, m.StepDuration)
	return m
}

// Server serves /healthz, /metrics, and /ws/inflight.
type Server struct {
	dispatcher Dispatcher
	metrics    *Metrics
	log        *zerolog.Logger
	mux        *http.ServeMux
	upgrader   websocket.Upgrader

	httpServer *http.Server
}

// New builds a Server bound to addr; call Serve to start accepting.
func New(addr string, dispatcher Dispatcher, metrics *Metrics, log *zerolog.Logger) *Server {
	s := &Server{
		dispatcher: dispatcher,
		metrics:    metrics,
		log:        log,
		mux:        http.NewServeMux(),
		upgrader:   websocket.Upgrader{},
	}
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/inflight", s.handleWSInflight)
	s.mux.HandleFunc("/debug/push", s.handleDebugPush)
	s.httpServer = &http.Server{Addr: addr, Handler: s.mux}
	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"inflight": s.dispatcher.InflightCount(),
	})
}

// handleWSInflight upgrades the connection and streams every Dispatcher
// StateEvent until the client disconnects or the context is done. It
// never mutates Dispatcher state — purely observational, per §4.7.
func (s *Server) handleWSInflight(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("adminapi: websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, cancel := s.dispatcher.SubscribeState()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			bs, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, bs); err != nil {
				return
			}
		}
	}
}

// Handler exposes the underlying http.Handler for use with
// httptest.NewServer in tests, and for embedding behind another mux.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve starts accepting connections. It blocks until Shutdown is
// called (then returns http.ErrServerClosed) or the listener fails.
func (s *Server) Serve() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting new connections and waits up to 5s for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
