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

package gateway

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/casper2020/casper-http-gateway/internal/evaluator"
	"github.com/casper2020/casper-http-gateway/internal/executor"
	"github.com/casper2020/casper-http-gateway/internal/gwerrors"
	"github.com/casper2020/casper-http-gateway/internal/httpclient"
	"github.com/casper2020/casper-http-gateway/internal/model"
	"github.com/casper2020/casper-http-gateway/internal/oauth2client"
	"github.com/casper2020/casper-http-gateway/internal/shaping"
	"github.com/casper2020/casper-http-gateway/internal/tokencrypt"
)

// Dispatcher is C5: it owns the provider registry, one Evaluator per
// provider, the three executors every Deferred it creates shares, and
// the set of in-flight Deferreds keyed by rcid. Grounded on crew.Crew's
// id-keyed registry and single-threaded-from-the-caller's-perspective
// contract.
type Dispatcher struct {
	jobLoop *executor.Executor
	mainIO  *executor.Executor
	looper  *executor.Executor

	log *zerolog.Logger

	providers  map[string]*model.ProviderConfig
	evaluators map[string]*evaluator.Evaluator
	boxes      map[string]*tokencrypt.Box
	cache      shaping.CacheStore

	mu           sync.Mutex
	inflight     map[string]*Deferred
	shuttingDown bool

	stateMu    sync.Mutex
	stateSubs  map[int]chan StateEvent
	nextSubID  int
}

// StateEvent is one Deferred's step transition, pushed to every
// admin/introspection API subscriber (§4.7's /ws/inflight).
type StateEvent struct {
	RCID  string `json:"rcid"`
	State string `json:"state"`
}

// SubscribeState registers a listener for every Deferred's step
// transitions. The returned channel is buffered and non-blocking on the
// sender's side — a slow consumer drops events rather than stalling
// Deferreds. Callers must invoke the returned cancel func to unregister.
func (d *Dispatcher) SubscribeState() (<-chan StateEvent, func()) {
	d.stateMu.Lock()
	id := d.nextSubID
	d.nextSubID++
	ch := make(chan StateEvent, 32)
	d.stateSubs[id] = ch
	d.stateMu.Unlock()

	cancel := func() {
		d.stateMu.Lock()
		if c, ok := d.stateSubs[id]; ok {
			delete(d.stateSubs, id)
			close(c)
		}
		d.stateMu.Unlock()
	}
	return ch, cancel
}

func (d *Dispatcher) broadcastState(rcid string, op model.Operation) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	for _, ch := range d.stateSubs {
		select {
		case ch <- StateEvent{RCID: rcid, State: op.String()}:
		default:
		}
	}
}

// QueueDepths lets callers size the three executors' channel buffers;
// the defaults match invariant 2's |q| <= 3 bound plus headroom for
// in-flight dispatch.
type QueueDepths struct {
	JobLoop int
	MainIO  int
	Looper  int
}

func (q QueueDepths) orDefaults() QueueDepths {
	if q.JobLoop <= 0 {
		q.JobLoop = 64
	}
	if q.MainIO <= 0 {
		q.MainIO = 64
	}
	if q.Looper <= 0 {
		q.Looper = 64
	}
	return q
}

// NewDispatcher constructs the three executors and an empty registry.
func NewDispatcher(log *zerolog.Logger, depths QueueDepths) *Dispatcher {
	depths = depths.orDefaults()
	return &Dispatcher{
		jobLoop:    executor.New(executor.JobLoop, depths.JobLoop),
		mainIO:     executor.New(executor.MainIO, depths.MainIO),
		looper:     executor.New(executor.Looper, depths.Looper),
		log:        log,
		providers:  map[string]*model.ProviderConfig{},
		evaluators: map[string]*evaluator.Evaluator{},
		boxes:      map[string]*tokencrypt.Box{},
		inflight:   map[string]*Deferred{},
		stateSubs:  map[int]chan StateEvent{},
	}
}

// SetCacheStore installs the response cache §4.5's PerformRequest step
// consults and populates. It is optional; a nil cache disables caching
// entirely regardless of what individual HTTPResponse.URI values ask for.
func (d *Dispatcher) SetCacheStore(cache shaping.CacheStore) {
	d.mu.Lock()
	d.cache = cache
	d.mu.Unlock()
}

// Setup is idempotent: it (re)builds the provider map and, for each
// provider, a fresh per-provider Evaluator (and, for Storage providers
// with an encryption key, a tokencrypt.Box). Malformed entries fail with
// ConfigError without partially registering any provider.
func (d *Dispatcher) Setup(providers []*model.ProviderConfig, externalScriptsDir string) error {
	newProviders := make(map[string]*model.ProviderConfig, len(providers))
	newEvaluators := make(map[string]*evaluator.Evaluator, len(providers))
	newBoxes := make(map[string]*tokencrypt.Box, len(providers))

	for _, p := range providers {
		if p.ID == "" {
			return &gwerrors.ConfigError{Reason: "provider entry missing id"}
		}
		if p.Type == model.Storage {
			if p.Storage == nil || p.Storage.EndpointTokens == "" {
				return &gwerrors.ConfigError{ProviderID: p.ID, Reason: "storage provider missing storage.endpoint_tokens"}
			}
			if p.Storage.EncryptionKeyHex != "" {
				key, err := hex.DecodeString(p.Storage.EncryptionKeyHex)
				if err != nil {
					return &gwerrors.ConfigError{ProviderID: p.ID, Reason: "malformed encryption_key_hex: " + err.Error()}
				}
				box, err := tokencrypt.NewBox(key)
				if err != nil {
					return &gwerrors.ConfigError{ProviderID: p.ID, Reason: err.Error()}
				}
				newBoxes[p.ID] = box
			}
		}
		if p.Type == model.Storageless && p.Storageless == nil {
			return &gwerrors.ConfigError{ProviderID: p.ID, Reason: "storageless provider missing storageless config"}
		}

		eval := evaluator.New(d.log, evaluator.Base64RFC4648)
		if err := eval.Load(externalScriptsDir, nil); err != nil {
			return &gwerrors.ConfigError{ProviderID: p.ID, Reason: err.Error()}
		}

		newProviders[p.ID] = p
		newEvaluators[p.ID] = eval
	}

	d.mu.Lock()
	d.providers, d.evaluators, d.boxes = newProviders, newEvaluators, newBoxes
	d.mu.Unlock()
	return nil
}

// Push constructs a Deferred for tracking/params, registers it under
// tracking.rcid, and runs it. Callers must invoke Push from the job-loop
// goroutine (invariant 1).
func (d *Dispatcher) Push(tracking model.Tracking, params *model.Parameters, onCompleted func(*model.Response)) error {
	d.mu.Lock()
	if d.shuttingDown {
		d.mu.Unlock()
		return gwerrors.ErrShuttingDown
	}
	if _, exists := d.inflight[tracking.RCID]; exists {
		d.mu.Unlock()
		return &gwerrors.DuplicateRequest{RCID: tracking.RCID}
	}

	provider, ok := d.providers[params.ProviderID]
	if !ok {
		d.mu.Unlock()
		return &gwerrors.ConfigError{ProviderID: params.ProviderID, Reason: "unknown provider"}
	}
	eval := d.evaluators[params.ProviderID]
	box := d.boxes[params.ProviderID]

	if provider.Type == model.Storage && params.Storage == nil {
		params.Storage = &model.StorageRequest{
			URL:      provider.Storage.EndpointTokens,
			Headers:  provider.Storage.Headers,
			Timeouts: provider.Storage.Timeouts,
		}
	}

	// tmp_config supplies provider-wide defaults for a job's response
	// caching policy: a validity fallback, and a base URL the cached
	// object's served reference is built from when the job names only a
	// storage URI.
	if params.HTTP != nil && params.HTTP.Response != nil {
		rp := params.HTTP.Response
		if rp.Validity == 0 {
			rp.Validity = provider.TmpConfig.Validity
		}
		if rp.URL == "" && rp.URI != "" && provider.TmpConfig.BaseURL != "" {
			key := rp.URI
			if i := strings.Index(key, "://"); i >= 0 {
				key = key[i+3:]
			}
			rp.URL = strings.TrimRight(provider.TmpConfig.BaseURL, "/") + "/" + strings.TrimLeft(key, "/")
		}
	}

	httpOpts := httpclient.Options{}
	if params.HTTP != nil {
		httpOpts.SkipVerify = params.HTTP.SSLDoNotVerifyPeer
		httpOpts.CACertPEM = params.HTTP.CACert
		httpOpts.ProxyURL = params.HTTP.Proxy
		httpOpts.FollowLocation = params.HTTP.FollowLocation
	}
	plainClient, err := httpclient.New(httpOpts)
	if err != nil {
		d.mu.Unlock()
		return &gwerrors.ConfigError{ProviderID: params.ProviderID, Reason: err.Error()}
	}
	oauthHTTPClient, err := httpclient.New(httpOpts)
	if err != nil {
		d.mu.Unlock()
		return &gwerrors.ConfigError{ProviderID: params.ProviderID, Reason: err.Error()}
	}

	cache := d.cache
	deferred := newDeferred(tracking, params, provider, box, plainClient, oauth2client.New(oauthHTTPClient, &provider.HTTP, nil), eval, cache, d.jobLoop, d.mainIO, d.looper, d.log, func(resp *model.Response) {
		d.complete(tracking.RCID, resp, onCompleted)
	}, func(op model.Operation) {
		d.broadcastState(tracking.RCID, op)
	})

	d.inflight[tracking.RCID] = deferred
	d.mu.Unlock()

	d.jobLoop.Go(func(ctx context.Context) {
		deferred.Run(ctx)
	})
	return nil
}

// complete runs on the looper executor (called from Deferred.finalize's
// looper.Go hop): it removes the entry from the registry and invokes the
// upstream publish callback, matching §4.1's "on completion" contract.
func (d *Dispatcher) complete(rcid string, resp *model.Response, onCompleted func(*model.Response)) {
	d.mu.Lock()
	delete(d.inflight, rcid)
	d.mu.Unlock()
	if onCompleted != nil {
		onCompleted(resp)
	}
}

// InflightCount reports the number of currently-tracked Deferreds; used
// by the admin/introspection API's health surface.
func (d *Dispatcher) InflightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Shutdown rejects further Push calls, waits until every in-flight
// Deferred has completed (or hit its per-step timeout), and then stops
// the three executors once their queued work drains.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	d.shuttingDown = true
	d.mu.Unlock()
	for d.InflightCount() > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	d.jobLoop.Stop()
	d.mainIO.Stop()
	d.looper.Stop()
}
