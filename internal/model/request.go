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

package model

import "time"

// Timeouts bundles per-request deadlines. The HTTP client applies
// Request as the whole-call deadline; Connect is carried but not applied.
type Timeouts struct {
	Connect time.Duration
	Request time.Duration
}

// StorageRequest is how a Deferred talks to the token store for a
// Storage provider (LoadTokens / SaveTokens steps).
type StorageRequest struct {
	Method    string
	URL       string
	Body      string
	Headers   map[string]string
	Timeouts  Timeouts
}

// HTTPRequest is the user's outbound request — the PerformRequest step.
type HTTPRequest struct {
	Method              string
	URL                 string
	Body                string
	Headers             map[string]string
	Timeouts            Timeouts
	Tokens              *Tokens
	FollowLocation      bool
	SSLDoNotVerifyPeer  bool
	Proxy               string
	CACert              string
	Template            *Template

	// Response optionally configures §4.5's shaping/caching/interceptor
	// policy for this one request's result. Nil means no caching, no
	// interceptor, and no deflate.
	Response *HTTPResponse
}

// Interceptor optionally pipes a response body through the Evaluator
// before it is shaped, per §4.5.
type Interceptor struct {
	V8Expr string
	V8Data interface{}
}

// Template optionally computes an outbound request field (currently the
// body) through the Evaluator before the request is sent, per §4.4's
// request-field templating contract. $ is {payload: Data, pem:
// provider.Signing, …}; the evaluator's return value is JSON-marshaled
// into HTTPRequest.Body.
type Template struct {
	Expr string
	Data interface{}
}

// HTTPResponse carries optional response-caching and transformation
// policy for the PerformRequest step's result.
type HTTPResponse struct {
	URI         string
	URL         string
	Deflated    bool
	Level       int
	Validity    int64
	Interceptor *Interceptor
}

// GrantAuthCodeRequest configures an authorization_code grant exchange.
type GrantAuthCodeRequest struct {
	Value    string
	Scope    string
	State    string
	Timeouts Timeouts
	Tokens   *Tokens
	Expose   bool
}

// RequestType discriminates which of HTTPRequest / GrantAuthCodeRequest a
// Parameters value carries. Exactly one is populated.
type RequestType int

const (
	RequestTypeHTTP RequestType = iota
	RequestTypeOAuth2Grant
)
