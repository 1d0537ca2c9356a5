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

// Package gateway implements C4 (Deferred) and C5 (Dispatcher) of
// spec.md §4.1-4.2, the per-job state machine and the registry that owns
// the set of in-flight instances. It is grounded on crew/crew.go and
// crew/machine.go: a Dispatcher is the teacher's Crew (a shared registry
// keyed by an id, demultiplexing completion), and a Deferred is the
// teacher's Machine (one per-job Walk through a chain of steps), adapted
// from pattern-matching a Spec to chaining fixed HTTP/OAuth2 operations.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"

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

// stepResult is the uniform outcome of one outbound call, whichever of
// httpclient's three callback shapes produced it.
type stepResult struct {
	value     *httpclient.Value
	transport *httpclient.Error
	exception *httpclient.Exception
}

// Deferred is one in-flight job's state machine (§4.2). It is created and
// Run on the job-loop executor, and thereafter driven entirely through
// OnHTTPRequestCompleted on the main-IO executor.
type Deferred struct {
	tracking model.Tracking
	params   *model.Parameters
	provider *model.ProviderConfig
	box      *tokencrypt.Box // nil for Storageless providers

	httpClient  *httpclient.Client
	oauthClient *oauth2client.Client
	eval        *evaluator.Evaluator
	cache       shaping.CacheStore

	jobLoop *executor.Executor
	mainIO  *executor.Executor
	looper  *executor.Executor

	current            model.Operation
	pending            []model.Operation
	responses          map[model.Operation]*model.Response
	allowOAuth2Restart bool
	opts               model.HTTPOptions
	tokens             *model.Tokens

	log *zerolog.Logger

	onCompleted func(*model.Response)
	onState     func(model.Operation)
}

func newDeferred(tracking model.Tracking, params *model.Parameters, provider *model.ProviderConfig, box *tokencrypt.Box, httpClient *httpclient.Client, oauthClient *oauth2client.Client, eval *evaluator.Evaluator, cache shaping.CacheStore, jobLoop, mainIO, looper *executor.Executor, log *zerolog.Logger, onCompleted func(*model.Response), onState func(model.Operation)) *Deferred {
	return &Deferred{
		tracking:    tracking,
		params:      params,
		provider:    provider,
		box:         box,
		httpClient:  httpClient,
		oauthClient: oauthClient,
		eval:        eval,
		cache:       cache,
		jobLoop:     jobLoop,
		mainIO:      mainIO,
		looper:      looper,
		responses:   make(map[model.Operation]*model.Response, 4),
		log:         log,
		onCompleted: onCompleted,
		onState:     onState,
	}
}

// setCurrent records the step about to run and, if the Dispatcher
// registered a listener, reports it for the admin/introspection API's
// /ws/inflight stream (§4.7). Called only from the job-loop executor.
func (d *Deferred) setCurrent(op model.Operation) {
	d.current = op
	if d.onState != nil {
		d.onState(op)
	}
}

// Run is the entry logic of §4.2. It must be called on the job-loop
// executor, before any I/O — the one exception invariant 2 carves out
// for queue/current mutation off the main-IO thread.
func (d *Deferred) Run(ctx context.Context) {
	executor.AssertOn(ctx, executor.JobLoop)

	switch {
	case d.params.IsOAuth2Grant():
		d.scheduleRestartOAuth2(ctx)

	case d.provider.Type == model.Storage:
		d.allowOAuth2Restart = false
		d.tokens = &model.Tokens{}
		d.tokens.OnChange = d.onOAuth2TokensChanged
		d.pending = []model.Operation{model.PerformRequest}
		d.scheduleLoadTokens(ctx)

	default: // Storageless
		d.allowOAuth2Restart = d.provider.AllowOAuth2RestartOnEmptyTokens()
		var local model.Tokens
		d.provider.LockedTokens(func(t *model.Tokens) { local = *t })
		local.OnChange = d.onOAuth2TokensChanged
		d.tokens = &local
		if !d.tokens.HasAccess() {
			d.pending = []model.Operation{model.PerformRequest}
			d.scheduleRestartOAuth2(ctx)
		} else {
			d.schedulePerformRequest(ctx)
		}
	}
}

func (d *Deferred) scheduleLoadTokens(ctx context.Context) {
	executor.AssertOn(ctx, executor.JobLoop)
	d.setCurrent(model.LoadTokens)
	sr := d.params.Storage
	d.mainIO.Go(func(ioCtx context.Context) {
		d.httpClient.GET(ioCtx, sr.URL, sr.Headers, sr.Timeouts, httpclient.Callbacks{
			OnSuccess: func(v *httpclient.Value) { d.onHTTPRequestCompleted(ioCtx, model.LoadTokens, stepResult{value: v}) },
			OnError:   func(e *httpclient.Error) { d.onHTTPRequestCompleted(ioCtx, model.LoadTokens, stepResult{transport: e}) },
			OnFailure: func(e *httpclient.Exception) { d.onHTTPRequestCompleted(ioCtx, model.LoadTokens, stepResult{exception: e}) },
		}, nil)
	})
}

func (d *Deferred) scheduleSaveTokens(ctx context.Context) {
	executor.AssertOn(ctx, executor.JobLoop)
	d.setCurrent(model.SaveTokens)
	sr := d.params.Storage

	body, err := d.buildSaveTokensBody()
	if err != nil {
		d.mainIO.Go(func(ioCtx context.Context) {
			d.onHTTPRequestCompleted(ioCtx, model.SaveTokens, stepResult{exception: &httpclient.Exception{Message: err.Error()}})
		})
		return
	}

	d.mainIO.Go(func(ioCtx context.Context) {
		headers := withJSONContentType(sr.Headers)
		d.httpClient.POST(ioCtx, sr.URL, headers, body, sr.Timeouts, httpclient.Callbacks{
			OnSuccess: func(v *httpclient.Value) { d.onHTTPRequestCompleted(ioCtx, model.SaveTokens, stepResult{value: v}) },
			OnError:   func(e *httpclient.Error) { d.onHTTPRequestCompleted(ioCtx, model.SaveTokens, stepResult{transport: e}) },
			OnFailure: func(e *httpclient.Exception) { d.onHTTPRequestCompleted(ioCtx, model.SaveTokens, stepResult{exception: e}) },
		}, nil)
	})
}

func (d *Deferred) buildSaveTokensBody() (string, error) {
	access, refresh := d.tokens.Access, d.tokens.Refresh
	if d.box != nil {
		var err error
		if access, err = d.box.Seal(access); err != nil {
			return "", fmt.Errorf("gateway: sealing access_token: %w", err)
		}
		if refresh, err = d.box.Seal(refresh); err != nil {
			return "", fmt.Errorf("gateway: sealing refresh_token: %w", err)
		}
	}
	payload := map[string]interface{}{
		"pe":            true,
		"access_token":  access,
		"refresh_token": refresh,
		"expires_in":    d.tokens.ExpiresIn,
		"scope":         d.tokens.Scope,
		"tracking_id":   tokencrypt.TrackingID(d.tracking.UA, d.tracking.RJID, d.tokens.Access, d.tokens.Refresh, d.tokens.Scope),
	}
	bs, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(bs), nil
}

func (d *Deferred) scheduleRestartOAuth2(ctx context.Context) {
	executor.AssertOn(ctx, executor.JobLoop)
	d.setCurrent(model.RestartOAuth2)

	d.mainIO.Go(func(ioCtx context.Context) {
		timeouts := model.Timeouts{}
		switch {
		case d.params.GrantAuthCode != nil:
			timeouts = d.params.GrantAuthCode.Timeouts
		case d.params.HTTP != nil:
			timeouts = d.params.HTTP.Timeouts
		}
		cb := oauth2client.GrantCallbacks{
			OnSuccess: func(_ *model.Tokens, v *httpclient.Value) {
				// parseTokenFields (invoked from classify, since
				// RestartOAuth2 is token-bearing) re-parses v.Body and
				// applies it via applyNewTokens; no separate apply here
				// avoids firing the token-change hook twice.
				d.onHTTPRequestCompleted(ioCtx, model.RestartOAuth2, stepResult{value: v})
			},
			OnError:   func(e *httpclient.Error) { d.onHTTPRequestCompleted(ioCtx, model.RestartOAuth2, stepResult{transport: e}) },
			OnFailure: func(e *httpclient.Exception) { d.onHTTPRequestCompleted(ioCtx, model.RestartOAuth2, stepResult{exception: e}) },
		}

		switch {
		case d.params.IsOAuth2Grant() && d.params.GrantAuthCode != nil && d.params.GrantAuthCode.Value != "":
			d.oauthClient.AuthorizationCodeGrantWithState(ioCtx, d.params.GrantAuthCode.Value, d.params.GrantAuthCode.Scope, d.params.GrantAuthCode.State, d.provider.Grant.RFC6749Strict, timeouts, cb)

		case d.tokens != nil && d.tokens.Refresh != "":
			// A refresh token is available: recovering a 401 or an
			// empty-store load is a refresh_token grant, not a full
			// restart of the original grant kind.
			d.oauthClient.RefreshTokenGrant(ioCtx, d.tokens.Refresh, timeouts, cb)

		case d.provider.Grant.Kind == model.GrantClientCredentials:
			d.oauthClient.ClientCredentialsGrant(ioCtx, d.provider.Grant.FormPost, d.provider.Grant.RFC6749Strict, timeouts, cb)

		case d.provider.Grant.Kind == model.GrantAuthorizationCodeAuto:
			d.oauthClient.AuthorizationCodeGrantAuto(ioCtx, d.provider.Grant.RFC6749Strict, timeouts, cb)

		default:
			cb.OnFailure(&httpclient.Exception{Message: (&gwerrors.UnsupportedGrant{ProviderID: d.provider.ID, Kind: "authorization_code"}).Error()})
		}
	})
}

func (d *Deferred) schedulePerformRequest(ctx context.Context) {
	executor.AssertOn(ctx, executor.JobLoop)
	d.setCurrent(model.PerformRequest)
	req := d.params.HTTP

	body, err := d.templatedBody(req)
	if err != nil {
		// Evaluator exceptions abort immediately with no outbound I/O,
		// per §4.2's failure semantics — schedule straight to the
		// completion handler without touching mainIO's HTTP client.
		d.mainIO.Go(func(ioCtx context.Context) {
			d.onHTTPRequestCompleted(ioCtx, model.PerformRequest, stepResult{exception: &httpclient.Exception{Message: err.Error()}})
		})
		return
	}

	d.mainIO.Go(func(ioCtx context.Context) {
		if v, hit := d.cacheLookup(req); hit {
			d.onHTTPRequestCompleted(ioCtx, model.PerformRequest, stepResult{value: v})
			return
		}

		cb := oauth2client.RequestCallbacks{
			OnSuccess: func(v *httpclient.Value) { d.onHTTPRequestCompleted(ioCtx, model.PerformRequest, stepResult{value: v}) },
			OnError:   func(e *httpclient.Error) { d.onHTTPRequestCompleted(ioCtx, model.PerformRequest, stepResult{transport: e}) },
			OnFailure: func(e *httpclient.Exception) { d.onHTTPRequestCompleted(ioCtx, model.PerformRequest, stepResult{exception: e}) },
		}
		// qualifyingRefreshCode 0 never matches a real status code:
		// the Deferred's own post-step policy (rule 2) owns 401
		// recovery via a full RestartOAuth2 step, not oauth2client's
		// built-in single-refresh shortcut.
		d.oauthClient.Do(ioCtx, req.Method, req.URL, req.Headers, body, req.Timeouts, d.tokens, 0, cb)
	})
}

// cacheLookup serves §4.5's cached-response shortcut: when req.Response
// names a cache URI and the store holds a fresh entry for it, the
// PerformRequest step is satisfied without any outbound call. A deflated
// entry is inflated transparently; a stale or missing entry is a miss.
func (d *Deferred) cacheLookup(req *model.HTTPRequest) (*httpclient.Value, bool) {
	if d.cache == nil || req.Response == nil || req.Response.URI == "" {
		return nil, false
	}
	data, fresh, err := d.cache.Get(req.Response.URI)
	if err != nil || !fresh {
		return nil, false
	}
	if req.Response.Deflated {
		inflated, err := shaping.Inflate(data)
		if err != nil {
			return nil, false
		}
		data = inflated
	}
	return &httpclient.Value{
		Code:    200,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    string(data),
	}, true
}

// templatedBody evaluates req.Template, if set, and returns the resulting
// JSON-marshaled body; otherwise it returns req.Body unchanged.
func (d *Deferred) templatedBody(req *model.HTTPRequest) (string, error) {
	if req.Template == nil || req.Template.Expr == "" {
		return req.Body, nil
	}
	if d.eval == nil {
		return "", fmt.Errorf("gateway: provider %q has no evaluator configured for request templating", d.provider.ID)
	}
	dollar := map[string]interface{}{
		"payload": req.Template.Data,
		"pem":     d.provider.Signing,
	}
	result, err := d.eval.Evaluate(dollar, req.Template.Expr)
	if err != nil {
		return "", err
	}
	bs, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("gateway: request template result not serializable: %w", err)
	}
	return string(bs), nil
}

func withJSONContentType(base map[string]string) map[string]string {
	out := make(map[string]string, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out["Content-Type"] = "application/json"
	return out
}
