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

// Package oauth2client implements C2, the OAuth2-aware HTTP client of
// spec.md §4.3. It wraps httpclient.Client with bearer-token injection,
// grant exchanges, and the single refresh-then-retry policy, grounded
// the same way the other_examples OAuth2 client-credentials/refresh
// patterns (ICGGroup, ccontavalli-enkit, dpup-prefab) shape a
// TokenSource around a plain HTTP client.
package oauth2client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/casper2020/casper-http-gateway/internal/httpclient"
	"github.com/casper2020/casper-http-gateway/internal/model"
)

// GrantCallbacks are the outcome callbacks for a grant exchange.
// OnSuccess receives newly parsed Tokens for a 2xx response, or nil
// Tokens with the raw Value for any other status; storing them is the
// caller's job.
type GrantCallbacks struct {
	OnSuccess func(*model.Tokens, *httpclient.Value)
	OnError   func(*httpclient.Error)
	OnFailure func(*httpclient.Exception)
}

// RequestCallbacks are the outcome callbacks for an authenticated
// HEAD..PATCH call.
type RequestCallbacks struct {
	OnSuccess func(*httpclient.Value)
	OnError   func(*httpclient.Error)
	OnFailure func(*httpclient.Exception)
	// OnTokensRefreshed fires once, before OnSuccess/OnError for the
	// retried call, if a refresh was attempted and succeeded.
	OnTokensRefreshed func(*model.Tokens)
}

// Client wraps an httpclient.Client with OAuth2 semantics for one
// Deferred's lifetime. It is never shared across Deferreds.
type Client struct {
	http   *httpclient.Client
	cfg    *model.OAuth2HTTPConfig
	trace  *httpclient.TraceHooks
}

// New builds a Client for the given provider endpoint configuration.
func New(http *httpclient.Client, cfg *model.OAuth2HTTPConfig, trace *httpclient.TraceHooks) *Client {
	return &Client{http: http, cfg: cfg, trace: trace}
}

type grantTokenResponse struct {
	TokenType    string `json:"token_type"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	ExpiresIn    uint64 `json:"expires_in"`
}

// ClientCredentialsGrant posts to the token endpoint with the provider's
// client id/secret. rfc6749Strict=false tolerates vendor extensions in
// the response shape (extra fields are ignored either way by
// encoding/json; the flag only affects which fields are required —
// strict mode requires token_type to be present; expires_in is optional
// in both modes).
func (c *Client) ClientCredentialsGrant(ctx context.Context, formPost, rfc6749Strict bool, timeouts model.Timeouts, cb GrantCallbacks) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	if c.cfg.Scope != "" {
		form.Set("scope", c.cfg.Scope)
	}
	c.postGrant(ctx, form, rfc6749Strict, timeouts, cb)
}

// AuthorizationCodeGrant exchanges an explicit authorization code.
func (c *Client) AuthorizationCodeGrant(ctx context.Context, code string, rfc6749Strict bool, timeouts model.Timeouts, cb GrantCallbacks) {
	c.authorizationCodeGrant(ctx, code, "", "", rfc6749Strict, timeouts, cb)
}

// AuthorizationCodeGrantWithState exchanges a code and echoes scope/state.
func (c *Client) AuthorizationCodeGrantWithState(ctx context.Context, code, scope, state string, rfc6749Strict bool, timeouts model.Timeouts, cb GrantCallbacks) {
	c.authorizationCodeGrant(ctx, code, scope, state, rfc6749Strict, timeouts, cb)
}

func (c *Client) authorizationCodeGrant(ctx context.Context, code, scope, state string, rfc6749Strict bool, timeouts model.Timeouts, cb GrantCallbacks) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	if c.cfg.RedirectURL != "" {
		form.Set("redirect_uri", c.cfg.RedirectURL)
	}
	if scope != "" {
		form.Set("scope", scope)
	}
	if state != "" {
		form.Set("state", state)
	}
	c.postGrant(ctx, form, rfc6749Strict, timeouts, cb)
}

// AuthorizationCodeGrantAuto is the auth-code grant without an explicit
// code from the caller. It makes no outbound call: it reports OnFailure
// immediately because no code is available to it. It does not follow
// the auth-code redirect chain.
func (c *Client) AuthorizationCodeGrantAuto(ctx context.Context, rfc6749Strict bool, timeouts model.Timeouts, cb GrantCallbacks) {
	cb.OnFailure(&httpclient.Exception{Message: "oauth2client: auto authorization_code grant requires a pre-fetched code; none supplied"})
}

func (c *Client) postGrant(ctx context.Context, form url.Values, rfc6749Strict bool, timeouts model.Timeouts, cb GrantCallbacks) {
	headers := map[string]string{"Content-Type": "application/x-www-form-urlencoded", "Accept": "application/json"}
	c.http.POST(ctx, c.cfg.TokenURL, headers, form.Encode(), timeouts, httpclient.Callbacks{
		OnSuccess: func(v *httpclient.Value) {
			// A non-2xx grant response (a 302 from a misconfigured or
			// SSO-fronted token endpoint is the common case) carries no
			// token JSON to parse; surface the raw Value so the caller's
			// status code reaches classify/finalize intact instead of
			// being swallowed into a parse-failure Exception.
			if v.Code < 200 || v.Code >= 300 {
				cb.OnSuccess(nil, v)
				return
			}
			tok, err := parseGrantResponse(v.Body, rfc6749Strict)
			if err != nil {
				cb.OnFailure(&httpclient.Exception{Message: err.Error()})
				return
			}
			cb.OnSuccess(tok, v)
		},
		OnError:   cb.OnError,
		OnFailure: cb.OnFailure,
	}, c.trace)
}

func parseGrantResponse(body string, rfc6749Strict bool) (*model.Tokens, error) {
	var gr grantTokenResponse
	if err := json.Unmarshal([]byte(body), &gr); err != nil {
		return nil, fmt.Errorf("oauth2client: malformed token response: %w", err)
	}
	if rfc6749Strict && gr.TokenType == "" {
		return nil, fmt.Errorf("oauth2client: missing token_type in strict mode")
	}
	tokenType := gr.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &model.Tokens{
		Type:      tokenType,
		Access:    gr.AccessToken,
		Refresh:   gr.RefreshToken,
		Scope:     gr.Scope,
		ExpiresIn: gr.ExpiresIn,
	}, nil
}

// authorizedHeaders overlays an Authorization header built from tokens
// onto headers, returning a new map (never mutates the caller's map).
func authorizedHeaders(headers map[string]string, tokens *model.Tokens) map[string]string {
	out := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	tokenType := tokens.Type
	if tokenType == "" {
		tokenType = "Bearer"
	}
	out["Authorization"] = strings.TrimSpace(tokenType + " " + tokens.Access)
	return out
}

// Do issues one authenticated request, attaching Authorization from
// tokens. qualifyingRefreshCode names the response code that should
// trigger a single refresh-token exchange before surfacing failure to
// the caller (typically 401).
func (c *Client) Do(ctx context.Context, method, u string, headers map[string]string, body string, timeouts model.Timeouts, tokens *model.Tokens, qualifyingRefreshCode int, cb RequestCallbacks) {
	authed := authorizedHeaders(headers, tokens)
	httpCb := httpclient.Callbacks{
		OnSuccess: func(v *httpclient.Value) {
			if v.Code == qualifyingRefreshCode && tokens.Refresh != "" {
				c.refreshThenRetry(ctx, method, u, headers, body, timeouts, tokens, cb)
				return
			}
			cb.OnSuccess(v)
		},
		OnError:   cb.OnError,
		OnFailure: cb.OnFailure,
	}
	c.httpDo(ctx, method, u, authed, body, timeouts, httpCb)
}

// RefreshTokenGrant exchanges a refresh token for a new access token,
// standalone (no follow-up request retry). Used directly by callers that
// own their own retry policy instead of oauth2client.Do's qualifying-code
// shortcut.
func (c *Client) RefreshTokenGrant(ctx context.Context, refreshToken string, timeouts model.Timeouts, cb GrantCallbacks) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	c.postGrant(ctx, form, false, timeouts, cb)
}

func (c *Client) refreshThenRetry(ctx context.Context, method, u string, headers map[string]string, body string, timeouts model.Timeouts, tokens *model.Tokens, cb RequestCallbacks) {
	c.RefreshTokenGrant(ctx, tokens.Refresh, timeouts, GrantCallbacks{
		OnSuccess: func(newTokens *model.Tokens, v *httpclient.Value) {
			if newTokens == nil {
				cb.OnFailure(&httpclient.Exception{Message: fmt.Sprintf("oauth2client: refresh grant returned non-2xx status %d", v.Code)})
				return
			}
			tokens.ApplyGrantResponse(newTokens.Type, newTokens.Access, newTokens.Refresh, newTokens.Scope, newTokens.ExpiresIn)
			if cb.OnTokensRefreshed != nil {
				cb.OnTokensRefreshed(tokens)
			}
			authed := authorizedHeaders(headers, tokens)
			c.httpDo(ctx, method, u, authed, body, timeouts, httpclient.Callbacks{
				OnSuccess: cb.OnSuccess,
				OnError:   cb.OnError,
				OnFailure: cb.OnFailure,
			})
		},
		OnError:   cb.OnError,
		OnFailure: cb.OnFailure,
	})
}

func (c *Client) httpDo(ctx context.Context, method, u string, headers map[string]string, body string, timeouts model.Timeouts, cb httpclient.Callbacks) {
	switch strings.ToUpper(method) {
	case "HEAD":
		c.http.HEAD(ctx, u, headers, timeouts, cb, c.trace)
	case "GET":
		c.http.GET(ctx, u, headers, timeouts, cb, c.trace)
	case "DELETE":
		c.http.DELETE(ctx, u, headers, timeouts, cb, c.trace)
	case "POST":
		c.http.POST(ctx, u, headers, body, timeouts, cb, c.trace)
	case "PUT":
		c.http.PUT(ctx, u, headers, body, timeouts, cb, c.trace)
	case "PATCH":
		c.http.PATCH(ctx, u, headers, body, timeouts, cb, c.trace)
	default:
		cb.OnFailure(&httpclient.Exception{Message: "oauth2client: unsupported method " + method})
	}
}
