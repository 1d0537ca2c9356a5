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

package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/casper2020/casper-http-gateway/internal/model"
)

// debugPushRequest is the payload cmd/gatewayctl's probe subcommand
// sends: a standalone job, skipping the job-queue transport entirely so
// an operator can exercise a provider without a broker in the loop.
type debugPushRequest struct {
	ProviderID string            `json:"provider_id"`
	ID         string            `json:"id"`
	HTTP       struct {
		Method  string            `json:"method"`
		URL     string            `json:"url"`
		Body    string            `json:"body"`
		Headers map[string]string `json:"headers"`
		Response *struct {
			URI      string `json:"uri"`
			URL      string `json:"url"`
			Deflated bool   `json:"deflated"`
			Level    int    `json:"level"`
			Validity int64  `json:"validity"`
		} `json:"response"`
	} `json:"http"`
	TimeoutSeconds int `json:"timeout_seconds"`
}

// handleDebugPush pushes a synthetic job straight at the Dispatcher and
// waits (bounded by TimeoutSeconds, default 30s) for its Response,
// returning it as the HTTP body. It never touches the job queue —
// that's the point, for smoke-testing a provider in isolation.
func (s *Server) handleDebugPush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req debugPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decoding request: %s", err), http.StatusBadRequest)
		return
	}
	if req.ProviderID == "" || req.HTTP.URL == "" {
		http.Error(w, "provider_id and http.url are required", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = "debug-push"
	}

	timeout := 30 * time.Second
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	var response *model.HTTPResponse
	if req.HTTP.Response != nil {
		response = &model.HTTPResponse{
			URI:      req.HTTP.Response.URI,
			URL:      req.HTTP.Response.URL,
			Deflated: req.HTTP.Response.Deflated,
			Level:    req.HTTP.Response.Level,
			Validity: req.HTTP.Response.Validity,
		}
	}

	tracking := model.Tracking{RCID: fmt.Sprintf("debug:%s", req.ID), RJID: req.ID}
	params := &model.Parameters{
		ID:         req.ID,
		ProviderID: req.ProviderID,
		Type:       model.RequestTypeHTTP,
		HTTP: &model.HTTPRequest{
			Method:   req.HTTP.Method,
			URL:      req.HTTP.URL,
			Body:     req.HTTP.Body,
			Headers:  req.HTTP.Headers,
			Response: response,
		},
	}

	result := make(chan *model.Response, 1)
	if err := s.dispatcher.Push(tracking, params, func(resp *model.Response) {
		result <- resp
	}); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	select {
	case resp := <-result:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	case <-ctx.Done():
		http.Error(w, "timed out waiting for response", http.StatusGatewayTimeout)
	}
}
