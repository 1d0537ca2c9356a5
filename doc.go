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

// Package casperhttpgateway documents the module as a whole: a worker
// that takes per-job HTTP requests off a job queue, drives them through
// a per-provider OAuth2 lifecycle (token load, grant/refresh, signed
// request, token persistence), and publishes the shaped response back.
//
// The runtime lives under internal/: gateway holds the dispatcher and
// per-job state machine, config decodes the on-disk provider document,
// jobqueue adapts an MQTT broker to the dispatcher, and adminapi exposes
// health/metrics/introspection. cmd/gatewayd is the worker binary;
// cmd/gatewayctl is the operator CLI.
package casperhttpgateway
