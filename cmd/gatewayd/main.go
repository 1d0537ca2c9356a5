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

// Command gatewayd is the worker process: it loads the provider config,
// wires a Dispatcher, subscribes a jobqueue.Worker to every configured
// tube, and serves the admin/introspection API until told to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/casper2020/casper-http-gateway/internal/adminapi"
	"github.com/casper2020/casper-http-gateway/internal/config"
	"github.com/casper2020/casper-http-gateway/internal/gateway"
	"github.com/casper2020/casper-http-gateway/internal/jobqueue"
	"github.com/casper2020/casper-http-gateway/internal/shaping"
)

func main() {
	var (
		configPath    = flag.String("c", "gateway.yaml", "path to the provider/job-queue/admin config document")
		externalLib   = flag.String("s", "", "optional directory of external evaluator scripts")
		jobLoopDepth  = flag.Int("qj", 0, "job-loop executor queue depth (0 for default)")
		mainIODepth   = flag.Int("qm", 0, "main-io executor queue depth (0 for default)")
		looperDepth   = flag.Int("ql", 0, "looper executor queue depth (0 for default)")
	)
	flag.Parse()

	log := newLogger()

	doc, providers, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("gatewayd: loading config")
	}
	if doc.Log.JSON {
		log = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	if doc.Log.Level != "" {
		level, err := zerolog.ParseLevel(doc.Log.Level)
		if err != nil {
			log.Fatal().Err(err).Str("level", doc.Log.Level).Msg("gatewayd: invalid log.level")
		}
		zerolog.SetGlobalLevel(level)
	}

	dispatcher := gateway.NewDispatcher(&log, gateway.QueueDepths{
		JobLoop: *jobLoopDepth,
		MainIO:  *mainIODepth,
		Looper:  *looperDepth,
	})
	if err := dispatcher.Setup(providers, *externalLib); err != nil {
		log.Fatal().Err(err).Msg("gatewayd: registering providers")
	}
	log.Info().Int("providers", len(providers)).Msg("gatewayd: providers registered")

	var cacheStore *shaping.BoltCacheStore
	cacheGCStop := make(chan struct{})
	if doc.Cache.BoltPath != "" {
		cacheStore, err = shaping.NewBoltCacheStore(doc.Cache.BoltPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", doc.Cache.BoltPath).Msg("gatewayd: opening response cache")
		}
		dispatcher.SetCacheStore(cacheStore)
		gcSchedule := doc.Cache.GCSchedule
		if gcSchedule == "" {
			gcSchedule = "0 * * * *"
		}
		if err := cacheStore.StartGC(gcSchedule, &log, cacheGCStop); err != nil {
			log.Fatal().Err(err).Str("schedule", gcSchedule).Msg("gatewayd: starting response cache gc")
		}
		log.Info().Str("path", doc.Cache.BoltPath).Str("schedule", gcSchedule).Msg("gatewayd: response cache enabled")
	}

	mqttClient, err := jobqueue.NewMQTTClient(doc.JobQueue, &log)
	if err != nil {
		log.Fatal().Err(err).Str("broker", doc.JobQueue.BrokerURL).Msg("gatewayd: connecting to job queue broker")
	}

	worker := jobqueue.NewWorker(mqttClient, dispatcher, &log, defaultReplyTopic)
	tubes := doc.JobQueue.Tubes
	if len(tubes) == 0 {
		for _, p := range providers {
			tubes = append(tubes, p.ID)
		}
	}
	if err := worker.Subscribe(tubes); err != nil {
		log.Fatal().Err(err).Strs("tubes", tubes).Msg("gatewayd: subscribing to tubes")
	}
	log.Info().Strs("tubes", tubes).Msg("gatewayd: subscribed")

	metrics := adminapi.NewMetrics(nil, dispatcher)
	admin := adminapi.New(doc.Admin.ListenAddr, dispatcher, metrics, &log)
	go func() {
		if err := admin.Serve(); err != nil {
			log.Error().Err(err).Msg("gatewayd: admin API stopped")
		}
	}()
	log.Info().Str("addr", doc.Admin.ListenAddr).Msg("gatewayd: admin API listening")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("gatewayd: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("gatewayd: admin API shutdown")
	}
	dispatcher.Shutdown()
	if err := mqttClient.Close(); err != nil {
		log.Error().Err(err).Msg("gatewayd: closing job queue client")
	}
	close(cacheGCStop)
	if cacheStore != nil {
		if err := cacheStore.Close(); err != nil {
			log.Error().Err(err).Msg("gatewayd: closing response cache")
		}
	}
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

// defaultReplyTopic mirrors the tube's own namespace, suffixed with the
// job id, so a reply can be routed back without a broker-side lookup.
func defaultReplyTopic(tube string, id int64) string {
	return fmt.Sprintf("%s/reply/%s", tube, strconv.FormatInt(id, 10))
}
