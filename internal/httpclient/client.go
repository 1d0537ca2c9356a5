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

// Package httpclient implements C1, the single-outbound-request HTTP
// client of spec.md §4.3. It is the low-level, synchronous-call-wrapped-
// in-a-callback primitive every other client in the gateway is built on,
// grounded on cmd/mcrew/http.go's HTTPRequest.Do.
package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/casper2020/casper-http-gateway/internal/model"
)

// Value is a successful response.
type Value struct {
	Code    int
	Headers map[string]string
	Body    string
	RTT     time.Duration
}

// Error is a transport-level failure; Timeout distinguishes a deadline
// exceeded from any other dial/read/write error.
type Error struct {
	Timeout bool
	Message string
}

func (e *Error) Error() string { return e.Message }

// Exception is an internal failure that happened before any bytes went
// over the wire (e.g. a malformed URL).
type Exception struct {
	Message string
}

func (e *Exception) Error() string { return e.Message }

// Callbacks are invoked from the goroutine that issued the request; the
// gateway package is responsible for hopping back onto the right
// executor from inside these.
type Callbacks struct {
	OnSuccess func(*Value)
	OnError   func(*Error)
	OnFailure func(*Exception)
}

// TraceHooks are optional per-request logging callbacks. Redact, when
// true, must be honored by the hooks' caller by scrubbing Authorization
// and any RedactHeaders before the hook sees them.
type TraceHooks struct {
	LogRequest  func(method, url string, headers map[string]string, body string)
	LogResponse func(v *Value)
	Redact      bool
	RedactHeaders []string
}

// Client executes one outbound HTTP request per call. It owns an
// *http.Client configured from Options; it is never shared across
// Deferreds (invariant 4, §3).
type Client struct {
	http *http.Client
}

// Options configures the underlying transport. CACertPEM/ SkipVerify/
// ProxyURL/FollowLocation are applied per Deferred, never process-global,
// matching the per-request ssl_do_not_verify_peer/proxy/ca_cert/
// follow_location fields of HTTPRequest.
type Options struct {
	SkipVerify     bool
	CACertPEM      string
	ProxyURL       string
	FollowLocation bool
}

// New builds a Client. Each Deferred constructs its own, with its own
// cookie jar — cookies set on a redirect hop are never shared across
// Deferreds (invariant 4, §3), grounded on cmd/mcrew/http.go's per-request
// Jar built from the same publicsuffix list.
func New(opts Options) (*Client, error) {
	transport := &http.Transport{}

	tlsConfig := &tls.Config{InsecureSkipVerify: opts.SkipVerify}
	if opts.CACertPEM != "" {
		pool, err := newCertPool(opts.CACertPEM)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}
	transport.TLSClientConfig = tlsConfig

	if opts.ProxyURL != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Transport: transport, Jar: jar}
	if !opts.FollowLocation {
		httpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	return &Client{http: httpClient}, nil
}

func (c *Client) HEAD(ctx context.Context, u string, headers map[string]string, timeouts model.Timeouts, cb Callbacks, trace *TraceHooks) {
	c.do(ctx, http.MethodHead, u, headers, "", timeouts, cb, trace)
}

func (c *Client) GET(ctx context.Context, u string, headers map[string]string, timeouts model.Timeouts, cb Callbacks, trace *TraceHooks) {
	c.do(ctx, http.MethodGet, u, headers, "", timeouts, cb, trace)
}

func (c *Client) DELETE(ctx context.Context, u string, headers map[string]string, timeouts model.Timeouts, cb Callbacks, trace *TraceHooks) {
	c.do(ctx, http.MethodDelete, u, headers, "", timeouts, cb, trace)
}

func (c *Client) POST(ctx context.Context, u string, headers map[string]string, body string, timeouts model.Timeouts, cb Callbacks, trace *TraceHooks) {
	c.do(ctx, http.MethodPost, u, headers, body, timeouts, cb, trace)
}

func (c *Client) PUT(ctx context.Context, u string, headers map[string]string, body string, timeouts model.Timeouts, cb Callbacks, trace *TraceHooks) {
	c.do(ctx, http.MethodPut, u, headers, body, timeouts, cb, trace)
}

func (c *Client) PATCH(ctx context.Context, u string, headers map[string]string, body string, timeouts model.Timeouts, cb Callbacks, trace *TraceHooks) {
	c.do(ctx, http.MethodPatch, u, headers, body, timeouts, cb, trace)
}

func (c *Client) do(ctx context.Context, method, rawURL string, headers map[string]string, body string, timeouts model.Timeouts, cb Callbacks, trace *TraceHooks) {
	if trace != nil && trace.LogRequest != nil {
		trace.LogRequest(method, rawURL, redactedHeaders(headers, trace), body)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		fail(cb, &Exception{Message: "httpclient: " + err.Error()})
		return
	}

	if timeouts.Request > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeouts.Request)
		defer cancel()
	}

	var reader io.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	}

	req, err := http.NewRequestWithContext(ctx, method, parsed.String(), reader)
	if err != nil {
		fail(cb, &Exception{Message: "httpclient: " + err.Error()})
		return
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	rtt := time.Since(start)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			errback(cb, &Error{Timeout: true, Message: err.Error()})
			return
		}
		errback(cb, &Error{Message: err.Error()})
		return
	}
	defer resp.Body.Close()

	bs, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		errback(cb, &Error{Message: err.Error()})
		return
	}

	v := &Value{
		Code:    resp.StatusCode,
		Headers: flattenHeaders(resp.Header),
		Body:    string(bs),
		RTT:     rtt,
	}

	if trace != nil && trace.LogResponse != nil {
		trace.LogResponse(v)
	}

	if cb.OnSuccess != nil {
		cb.OnSuccess(v)
	}
}

func fail(cb Callbacks, e *Exception) {
	if cb.OnFailure != nil {
		cb.OnFailure(e)
	}
}

func errback(cb Callbacks, e *Error) {
	if cb.OnError != nil {
		cb.OnError(e)
	}
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func redactedHeaders(headers map[string]string, trace *TraceHooks) map[string]string {
	if trace == nil || !trace.Redact {
		return headers
	}
	redactSet := map[string]bool{"authorization": true}
	for _, h := range trace.RedactHeaders {
		redactSet[strings.ToLower(h)] = true
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if redactSet[strings.ToLower(k)] {
			out[k] = "***"
			continue
		}
		out[k] = v
	}
	return out
}

func newCertPool(pemData string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(pemData)) {
		return nil, fmt.Errorf("httpclient: failed to parse ca_cert PEM")
	}
	return pool, nil
}
