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

package adminapi_test

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/casper2020/casper-http-gateway/internal/adminapi"
	"github.com/casper2020/casper-http-gateway/internal/gateway"
	"github.com/casper2020/casper-http-gateway/internal/model"
)

type fakeDispatcher struct {
	inflight int
	events   chan gateway.StateEvent
	pushed   *model.Response
	pushErr  error
}

func (f *fakeDispatcher) InflightCount() int { return f.inflight }

func (f *fakeDispatcher) SubscribeState() (<-chan gateway.StateEvent, func()) {
	return f.events, func() {}
}

func (f *fakeDispatcher) Push(_ model.Tracking, _ *model.Parameters, onCompleted func(*model.Response)) error {
	if f.pushErr != nil {
		return f.pushErr
	}
	onCompleted(f.pushed)
	return nil
}

func discardLogger() *zerolog.Logger {
	l := zerolog.New(ioutil.Discard)
	return &l
}

func TestHealthzReportsInflightCount(t *testing.T) {
	disp := &fakeDispatcher{inflight: 3, events: make(chan gateway.StateEvent)}
	s := adminapi.New("127.0.0.1:0", disp, adminapi.NewMetrics(prometheus.NewRegistry(), disp), discardLogger())

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
	require.EqualValues(t, 3, body["inflight"])
}

func TestWSInflightStreamsStateEvents(t *testing.T) {
	disp := &fakeDispatcher{events: make(chan gateway.StateEvent, 4)}
	s := adminapi.New("127.0.0.1:0", disp, adminapi.NewMetrics(prometheus.NewRegistry(), disp), discardLogger())

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/inflight"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	disp.events <- gateway.StateEvent{RCID: "r1", State: "PerformRequest"}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev gateway.StateEvent
	require.NoError(t, json.Unmarshal(msg, &ev))
	require.Equal(t, "r1", ev.RCID)
	require.Equal(t, "PerformRequest", ev.State)
}

func TestDebugPushReturnsDispatcherResponse(t *testing.T) {
	disp := &fakeDispatcher{pushed: &model.Response{Code: 200, Body: `{"ok":true}`}}
	s := adminapi.New("127.0.0.1:0", disp, adminapi.NewMetrics(prometheus.NewRegistry(), disp), discardLogger())

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	payload := `{"provider_id":"acme","http":{"method":"GET","url":"https://example.invalid/x"}}`
	resp, err := http.Post(ts.URL+"/debug/push", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body model.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.EqualValues(t, 200, body.Code)
}

func TestDebugPushRejectsMissingURL(t *testing.T) {
	disp := &fakeDispatcher{}
	s := adminapi.New("127.0.0.1:0", disp, adminapi.NewMetrics(prometheus.NewRegistry(), disp), discardLogger())

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/debug/push", "application/json", strings.NewReader(`{"provider_id":"acme"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
