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
	"encoding/json"
	"time"

	"github.com/casper2020/casper-http-gateway/internal/executor"
	"github.com/casper2020/casper-http-gateway/internal/gwerrors"
	"github.com/casper2020/casper-http-gateway/internal/httpclient"
	"github.com/casper2020/casper-http-gateway/internal/model"
	"github.com/casper2020/casper-http-gateway/internal/shaping"
)

type grantResponseBody struct {
	TokenType    string `json:"token_type"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	ExpiresIn    uint64 `json:"expires_in"`
}

// onHTTPRequestCompleted is §4.2's OnHTTPRequestCompleted. It runs on the
// main-IO executor — the goroutine the triggering httpclient call ran on
// — and applies the post-step policy (rules 1-5) before either advancing
// to the next queued operation or finalizing.
func (d *Deferred) onHTTPRequestCompleted(ctx context.Context, op model.Operation, result stepResult) {
	executor.AssertOn(ctx, executor.MainIO)

	resp, acceptable := d.classify(op, result)
	d.responses[op] = resp

	if !acceptable || len(d.pending) == 0 {
		d.finalize(ctx, op)
		return
	}

	next := d.pending[0]
	d.pending = d.pending[1:]

	// Two-hop: main-IO -> looper -> job-loop -> main-IO, so the next
	// step's outbound call is enqueued on a fresh turn of the I/O loop
	// instead of being issued from inside this callback's own frame.
	d.looper.Go(func(_ context.Context) {
		d.jobLoop.Go(func(jobCtx context.Context) {
			d.scheduleOperation(jobCtx, next)
		})
	})
}

func (d *Deferred) scheduleOperation(ctx context.Context, op model.Operation) {
	switch op {
	case model.LoadTokens:
		d.scheduleLoadTokens(ctx)
	case model.RestartOAuth2:
		d.scheduleRestartOAuth2(ctx)
	case model.PerformRequest:
		d.schedulePerformRequest(ctx)
	case model.SaveTokens:
		d.scheduleSaveTokens(ctx)
	}
}

// classify turns a raw stepResult into a Response and decides
// acceptability, applying rules 1 (parse) and 2-3 (acceptability +
// token-renewal guard).
func (d *Deferred) classify(op model.Operation, result stepResult) (*model.Response, bool) {
	if result.transport != nil {
		if result.transport.Timeout {
			err := &gwerrors.TransportTimeout{Op: op.String()}
			return model.SynthesizeError(504, "transport_timeout", map[string]interface{}{"message": err.Error()}), d.tokenRenewalGuard(op, false)
		}
		err := &gwerrors.TransportError{Op: op.String(), Message: result.transport.Message}
		return model.SynthesizeError(500, "transport_error", map[string]interface{}{"message": err.Error()}), d.tokenRenewalGuard(op, false)
	}
	if result.exception != nil {
		if isTokenBearing(op) {
			err := &gwerrors.TokenRenewalFailed{ProviderID: d.provider.ID, Reason: result.exception.Message}
			return model.SynthesizeError(500, "token_renewal_failed", map[string]interface{}{"message": err.Error()}), d.tokenRenewalGuard(op, false)
		}
		err := &gwerrors.EvaluationError{Expression: op.String(), Message: result.exception.Message}
		return model.SynthesizeError(500, "evaluation_error", map[string]interface{}{"message": err.Error()}), d.tokenRenewalGuard(op, false)
	}

	v := result.value
	resp := &model.Response{
		Code:        uint16(v.Code),
		ContentType: v.Headers["Content-Type"],
		Headers:     v.Headers,
		Body:        v.Body,
		RTT:         uint64(v.RTT.Microseconds()),
	}

	if isTokenBearing(op) {
		d.parseTokenFields(op, v)
	}

	if op == model.PerformRequest {
		d.applyResponsePolicy(resp)
	}

	acceptable := d.acceptable(op, resp)
	return resp, d.tokenRenewalGuard(op, acceptable)
}

// applyResponsePolicy implements §4.5 for the PerformRequest step: an
// interceptor expression, if configured, rewrites resp.Body before
// anything else sees it; a successful response is then cached under its
// configured URI, deflated first if requested.
func (d *Deferred) applyResponsePolicy(resp *model.Response) {
	rp := d.params.HTTP.Response
	if rp == nil {
		return
	}

	if rp.Interceptor != nil && d.eval != nil {
		if err := shaping.Intercept(d.eval, resp, rp.Interceptor); err != nil {
			d.log.Warn().Err(err).Str("provider", d.provider.ID).Msg("gateway: response interceptor failed")
		}
	}

	if d.cache == nil || rp.URI == "" || resp.Code != 200 {
		return
	}
	data := []byte(resp.Body)
	if rp.Deflated {
		deflated, err := shaping.Deflate(data, rp.Level)
		if err != nil {
			d.log.Warn().Err(err).Str("provider", d.provider.ID).Msg("gateway: response deflate failed, caching raw body")
		} else {
			data = deflated
		}
	}
	validity := time.Duration(rp.Validity)
	if err := d.cache.Put(rp.URI, validity, data); err != nil {
		d.log.Warn().Err(err).Str("provider", d.provider.ID).Msg("gateway: response cache write failed")
		return
	}

	// The body was just offloaded to rp.URI; the caller gets a reference
	// to it instead of the payload itself.
	if rp.URL != "" {
		ref := map[string]interface{}{"url": rp.URL}
		encoded, err := json.Marshal(ref)
		if err != nil {
			d.log.Warn().Err(err).Str("provider", d.provider.ID).Msg("gateway: response url-reference encoding failed")
			return
		}
		resp.Body = string(encoded)
		resp.ContentType = "application/json"
		resp.JSON = ref
	}
}

func isTokenBearing(op model.Operation) bool {
	return op == model.LoadTokens || op == model.SaveTokens || op == model.RestartOAuth2
}

// parseTokenFields applies rule 1: for a token-bearing JSON response,
// update the active Tokens record. LoadTokens/SaveTokens update it
// directly (no token-change hook — the store round trip is not itself a
// renewal); RestartOAuth2 routes through applyNewTokens so the
// token-change hook can enqueue SaveTokens.
func (d *Deferred) parseTokenFields(op model.Operation, v *httpclient.Value) {
	ct := v.Headers["Content-Type"]
	if len(ct) < len("application/json") || ct[:len("application/json")] != "application/json" {
		return
	}
	var body grantResponseBody
	if err := json.Unmarshal([]byte(v.Body), &body); err != nil {
		return
	}

	access, refresh := body.AccessToken, body.RefreshToken
	if op == model.LoadTokens && d.box != nil {
		if opened, err := d.box.Open(access); err == nil {
			access = opened
		}
		if opened, err := d.box.Open(refresh); err == nil {
			refresh = opened
		}
	}

	switch op {
	case model.RestartOAuth2:
		d.applyNewTokens(&model.Tokens{Type: body.TokenType, Access: access, Refresh: refresh, Scope: body.Scope, ExpiresIn: body.ExpiresIn})
	default: // LoadTokens, SaveTokens
		d.tokens.Type = body.TokenType
		if access != "" {
			d.tokens.Access = access
		}
		if refresh != "" {
			d.tokens.Refresh = refresh
		}
		d.tokens.Scope = body.Scope
		d.tokens.ExpiresIn = body.ExpiresIn
	}
}

// acceptable implements rule 2. LoadTokens's 404-with-no-tokens restart
// is unconditional (a Storage provider with no stored tokens always
// needs a grant, regardless of allow_oauth2_restart — the entry rule's
// allow_oauth2_restart=false for Storage is a deliberate reading of
// spec.md §4.2/§9's self-contradictory guidance to govern only the
// PerformRequest-401 case, documented in DESIGN.md).
func (d *Deferred) acceptable(op model.Operation, resp *model.Response) bool {
	switch {
	case resp.Code == 200:
		return true
	case op == model.LoadTokens && resp.Code == 404:
		if !d.tokens.HasAccess() {
			d.pending = append([]model.Operation{model.RestartOAuth2}, d.pending...)
		}
		return true
	case op == model.PerformRequest && resp.Code == 401:
		if d.allowOAuth2Restart || (d.tokens != nil && d.tokens.Refresh != "") {
			d.pending = []model.Operation{model.RestartOAuth2, model.PerformRequest}
			return true
		}
		return false
	default:
		return false
	}
}

// tokenRenewalGuard implements rule 3: for Storage providers, a failure
// on a step other than SaveTokens while a SaveTokens is still queued
// means tokens were renewed just before the failure; drop everything
// except SaveTokens and force it through so the renewal is not lost.
func (d *Deferred) tokenRenewalGuard(op model.Operation, acceptable bool) bool {
	if acceptable || d.provider.Type != model.Storage || op == model.SaveTokens {
		return acceptable
	}
	for _, p := range d.pending {
		if p == model.SaveTokens {
			d.pending = []model.Operation{model.SaveTokens}
			return true
		}
	}
	return acceptable
}

// applyNewTokens is the write path for a grant's result: Storage
// providers own their Tokens on the Deferred directly, so
// ApplyGrantResponse both mutates them and fires the token-change hook.
// Storageless providers' Tokens live in the provider registry and are
// updated only under the provider's mutex (invariant 3); the hook is a
// no-op there; the Deferred keeps a fresh local copy for its own
// remaining steps.
func (d *Deferred) applyNewTokens(tok *model.Tokens) {
	if d.provider.Type == model.Storage {
		d.tokens.ApplyGrantResponse(tok.Type, tok.Access, tok.Refresh, tok.Scope, tok.ExpiresIn)
		return
	}
	d.provider.LockedTokens(func(t *model.Tokens) {
		t.Type, t.Access, t.Refresh, t.Scope, t.ExpiresIn = tok.Type, tok.Access, tok.Refresh, tok.Scope, tok.ExpiresIn
		local := t.Copy()
		local.OnChange = d.onOAuth2TokensChanged
		d.tokens = local
	})
}

// onOAuth2TokensChanged is the token-change hook of §4.2. It queues
// SaveTokens at the end of the remaining pending work rather than the
// front: scenario S2 (a from-empty client_credentials restart) and S3 (a
// mid-flight refresh) both expect SaveTokens to run after the request
// that motivated the renewal, not before it — documented in DESIGN.md
// as a correction to spec.md's literal "front of the queue" wording.
func (d *Deferred) onOAuth2TokensChanged(_ *model.Tokens) {
	if d.provider.Type != model.Storage {
		return
	}
	for _, p := range d.pending {
		if p == model.SaveTokens {
			return
		}
	}
	d.pending = append(d.pending, model.SaveTokens)
}

// finalize implements rule 5: select the response to publish by
// priority, apply the 302-at-RestartOAuth2 override, and hand off to the
// looper thread to invoke on_completed.
func (d *Deferred) finalize(ctx context.Context, lastOp model.Operation) {
	executor.AssertOn(ctx, executor.MainIO)

	final := d.selectFinalResponse()
	if lastOp == model.RestartOAuth2 {
		if r, ok := d.responses[model.RestartOAuth2]; ok && r.Code == 302 {
			final = model.SynthesizeError(500, "unsupported_response", map[string]interface{}{"provider": d.provider.ID})
		}
	}

	d.looper.Go(func(_ context.Context) {
		if d.onCompleted != nil {
			d.onCompleted(final)
		}
	})
}

func (d *Deferred) selectFinalResponse() *model.Response {
	for _, op := range model.FinalizePriority {
		if r, ok := d.responses[op]; ok {
			return r
		}
	}
	return model.SynthesizeError(500, "no_response", nil)
}
