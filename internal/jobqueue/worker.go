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

package jobqueue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/casper2020/casper-http-gateway/internal/gateway"
	"github.com/casper2020/casper-http-gateway/internal/gwerrors"
	"github.com/casper2020/casper-http-gateway/internal/model"
	"github.com/casper2020/casper-http-gateway/internal/shaping"
)

// inboundJob is the wire shape of spec.md §6's job payload.
type inboundJob struct {
	ID       int64  `json:"id"`
	Tube     string `json:"tube"`
	TTR      int    `json:"ttr"`
	Validity int    `json:"validity"`
	HTTP     *struct {
		Method   string             `json:"method"`
		URL      string             `json:"url"`
		Headers  map[string]string  `json:"headers"`
		Body     json.RawMessage    `json:"body"`
		Response *responseWireSpec  `json:"response"`
	} `json:"http"`
	Primitive bool `json:"primitive"`
}

// responseWireSpec is the wire shape of spec.md §3's HTTPResponse: optional
// response-caching and transformation policy for the PerformRequest step.
type responseWireSpec struct {
	URI      string `json:"uri"`
	URL      string `json:"url"`
	Deflated bool   `json:"deflated"`
	Level    int    `json:"level"`
	Validity int64  `json:"validity"`
}

func (r *responseWireSpec) toModel() *model.HTTPResponse {
	if r == nil {
		return nil
	}
	return &model.HTTPResponse{
		URI:      r.URI,
		URL:      r.URL,
		Deflated: r.Deflated,
		Level:    r.Level,
		Validity: r.Validity,
	}
}

// progressEnvelope is the {__id__, step, status} shape §6 requires
// before the final response.
type progressEnvelope struct {
	ID     int64  `json:"__id__"`
	Step   string `json:"step"`
	Status string `json:"status"`
}


// Worker owns the job-loop thread: for every inbound Job it decodes and
// validates the payload, calls Dispatcher.Push, publishes the
// in-progress envelope immediately after a successful Push, and
// publishes the completion envelope from Dispatcher's on_completed
// callback (already marshalled onto the looper thread by Deferred).
type Worker struct {
	client     Client
	dispatcher *gateway.Dispatcher
	log        *zerolog.Logger
	replyTopic func(tube string, id int64) string
}

// NewWorker builds a Worker. replyTopic computes the reply topic for a
// job from its tube and id; if nil, "<tube>/reply/<id>" is used.
func NewWorker(client Client, dispatcher *gateway.Dispatcher, log *zerolog.Logger, replyTopic func(string, int64) string) *Worker {
	if replyTopic == nil {
		replyTopic = func(tube string, id int64) string { return fmt.Sprintf("%s/reply/%d", tube, id) }
	}
	return &Worker{client: client, dispatcher: dispatcher, log: log, replyTopic: replyTopic}
}

// Subscribe registers the Worker's handler against every tube.
func (w *Worker) Subscribe(tubes []string) error {
	for _, tube := range tubes {
		tube := tube
		if err := w.client.Subscribe(tube, w.handle); err != nil {
			return fmt.Errorf("jobqueue: subscribing to %q: %w", tube, err)
		}
	}
	return nil
}

func (w *Worker) handle(job Job) {
	var in inboundJob
	if err := json.Unmarshal(job.Payload, &in); err != nil {
		w.log.Error().Err(err).Str("tube", job.Tube).Msg("jobqueue: malformed payload")
		return
	}
	if in.Tube == "" {
		in.Tube = job.Tube
	}

	if in.HTTP == nil || in.HTTP.URL == "" {
		w.publishBadRequest(in, &gwerrors.BadRequest{Reason: "missing http or http.url"})
		return
	}

	body := ""
	if len(in.HTTP.Body) > 0 {
		var s string
		if err := json.Unmarshal(in.HTTP.Body, &s); err == nil {
			body = s
		} else {
			body = string(in.HTTP.Body)
		}
	}

	tracking := model.Tracking{RCID: fmt.Sprintf("%s:%d", in.Tube, in.ID), RJID: fmt.Sprintf("%d", in.ID)}
	params := &model.Parameters{
		ID:         fmt.Sprintf("%d", in.ID),
		ProviderID: in.Tube,
		Type:       model.RequestTypeHTTP,
		Primitive:  in.Primitive,
		HTTP: &model.HTTPRequest{
			Method:  in.HTTP.Method,
			URL:     in.HTTP.URL,
			Body:    body,
			Headers: in.HTTP.Headers,
			Timeouts: model.Timeouts{
				Request: time.Duration(in.TTR) * time.Second,
			},
			Response: in.HTTP.Response.toModel(),
		},
	}

	progressSent := make(chan struct{})
	if err := w.dispatcher.Push(tracking, params, func(resp *model.Response) {
		<-progressSent
		w.publishDone(in, resp)
	}); err != nil {
		w.publishBadRequest(in, err)
		return
	}

	w.publish(in, progressEnvelope{ID: in.ID, Step: "DoingIt", Status: "InProgress"})
	close(progressSent)
}

func (w *Worker) publishBadRequest(in inboundJob, err error) {
	w.log.Error().Err(err).Str("tube", in.Tube).Int64("id", in.ID).Msg("jobqueue: rejecting job")
	resp := model.SynthesizeError(400, "bad_request", map[string]interface{}{"message": err.Error()})
	w.publishDone(in, resp)
}

// publishDone builds §6's completion envelope: {__id__, step, status,
// code, rtt, ...shaped-response}, where the shaped response's keys come
// from shaping.Shape — content-type/headers/body for a Structured
// provider, or a single framed data field for a Primitive one.
func (w *Worker) publishDone(in inboundJob, resp *model.Response) {
	status := "Completed"
	if resp.Code >= 400 {
		status = "Failed"
	}

	shaped, err := shaping.Shape(resp, in.Primitive)
	if err != nil {
		w.log.Error().Err(err).Str("tube", in.Tube).Int64("id", in.ID).Msg("jobqueue: shaping response")
		shaped = map[string]interface{}{}
	}

	envelope := make(map[string]interface{}, len(shaped)+5)
	for k, v := range shaped {
		envelope[k] = v
	}
	envelope["__id__"] = in.ID
	envelope["step"] = "Done"
	envelope["status"] = status
	envelope["code"] = resp.Code
	envelope["rtt"] = resp.RTT

	w.publish(in, envelope)
}

func (w *Worker) publish(in inboundJob, v interface{}) {
	bs, err := json.Marshal(v)
	if err != nil {
		w.log.Error().Err(err).Msg("jobqueue: marshaling envelope")
		return
	}
	if err := w.client.Publish(w.replyTopic(in.Tube, in.ID), bs); err != nil {
		w.log.Error().Err(err).Str("tube", in.Tube).Int64("id", in.ID).Msg("jobqueue: publish failed")
	}
}
