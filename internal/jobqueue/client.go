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

// Package jobqueue bridges the external job-queue transport (out of
// scope per spec.md §1) to Dispatcher.Push. Client is the transport
// seam; MQTTClient is the reference implementation over
// eclipse/paho.mqtt.golang, grounded on sio/siomq and sio/mqclient.
// Worker owns the job-loop thread: it decodes inbound payloads,
// validates them, and drives the Dispatcher.
package jobqueue

// Job carries one inbound message: the raw payload bytes and the tube
// (topic) it arrived on.
type Job struct {
	Tube    string
	Payload []byte
}

// Client is the transport seam a Worker runs against.
type Client interface {
	// Subscribe registers handler to be invoked for every message
	// arriving on tube. Subscribe may be called multiple times, once
	// per configured tube.
	Subscribe(tube string, handler func(Job)) error
	// Publish sends payload to replyTopic.
	Publish(replyTopic string, payload []byte) error
	// Close releases the underlying transport connection.
	Close() error
}
