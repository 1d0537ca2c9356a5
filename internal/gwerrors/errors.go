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

// Package gwerrors defines the error taxonomy used across the gateway core.
//
// Every error here wraps enough context to become a job-level response
// without the caller needing to inspect error strings.
package gwerrors

import (
	"errors"
	"fmt"
)

// DuplicateRequest is returned by Dispatcher.Push when an entry with the
// same rcid is already tracked.
type DuplicateRequest struct {
	RCID string
}

func (e *DuplicateRequest) Error() string {
	return fmt.Sprintf("duplicate request for rcid %q", e.RCID)
}

// ConfigError wraps a provider-registry initialization failure.
type ConfigError struct {
	ProviderID string
	Reason     string
}

func (e *ConfigError) Error() string {
	if e.ProviderID == "" {
		return fmt.Sprintf("config error: %s", e.Reason)
	}
	return fmt.Sprintf("config error for provider %q: %s", e.ProviderID, e.Reason)
}

// BadRequest is a job-payload validation failure; it maps to a job-level
// 400 response and never reaches the Dispatcher.
type BadRequest struct {
	Reason string
}

func (e *BadRequest) Error() string {
	return "bad request: " + e.Reason
}

// TransportTimeout marks a step whose outbound HTTP call exceeded its
// deadline; Deferred synthesizes a 504 response from it.
type TransportTimeout struct {
	Op string
}

func (e *TransportTimeout) Error() string {
	return fmt.Sprintf("transport timeout during %s", e.Op)
}

// TransportError marks a non-timeout client-side transport failure;
// Deferred synthesizes a 500 response carrying Message.
type TransportError struct {
	Op      string
	Message string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %s", e.Op, e.Message)
}

// EvaluationError wraps a sandbox exception raised while templating a
// request or intercepting a response. No retry is attempted.
type EvaluationError struct {
	Expression string
	Message    string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation error in %q: %s", e.Expression, e.Message)
}

// UnsupportedGrant marks a provider whose grant configuration cannot be
// carried out (e.g. an authorization_code provider asked for a
// client_credentials exchange).
type UnsupportedGrant struct {
	ProviderID string
	Kind       string
}

func (e *UnsupportedGrant) Error() string {
	return fmt.Sprintf("unsupported grant %q for provider %q", e.Kind, e.ProviderID)
}

// TokenRenewalFailed marks a failed SaveTokens or RestartOAuth2 step. The
// priority-based response-selection rule in Deferred still delivers the
// PerformRequest response, if any, to the caller.
type TokenRenewalFailed struct {
	ProviderID string
	Reason     string
}

func (e *TokenRenewalFailed) Error() string {
	return fmt.Sprintf("token renewal failed for provider %q: %s", e.ProviderID, e.Reason)
}

// ErrShuttingDown is returned by Dispatcher.Push once Shutdown has been
// called; no further jobs are accepted.
var ErrShuttingDown = errors.New("dispatcher is shutting down")
