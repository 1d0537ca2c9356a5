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

// Package executor realizes the three-thread model of §5: a job-loop
// executor, a main I/O executor, and a looper executor used to hand work
// between the other two. Each is one goroutine draining a channel of
// closures, the same single-consumer-channel pattern sio.Crew uses for
// its in/out message loop.
package executor

import (
	"context"
	"fmt"
)

// Role names one of the three logical threads.
type Role int

const (
	JobLoop Role = iota
	MainIO
	Looper
)

func (r Role) String() string {
	switch r {
	case JobLoop:
		return "job-loop"
	case MainIO:
		return "main-io"
	case Looper:
		return "looper"
	default:
		return "role(?)"
	}
}

type roleKey struct{}

// WithRole tags ctx as running on the given role, for AssertOn.
func WithRole(ctx context.Context, r Role) context.Context {
	return context.WithValue(ctx, roleKey{}, r)
}

// AssertOn panics if the build tag "gatewaydebug" is set and ctx is not
// tagged with want. In release builds it is a no-op: correctness then
// relies on the structural guarantee that each Executor has exactly one
// consumer goroutine draining its channel.
func AssertOn(ctx context.Context, want Role) {
	assertOn(ctx, want)
}

func currentRole(ctx context.Context) (Role, bool) {
	r, ok := ctx.Value(roleKey{}).(Role)
	return r, ok
}

// Executor is a single serialized goroutine that runs closures sent to
// it, one at a time, in send order. Scheduling a closure is legal from
// any goroutine; the closure itself runs with ctx tagged for Role.
type Executor struct {
	role Role
	work chan func(context.Context)
	done chan struct{}
}

// New starts an Executor for the given role with the given queue depth.
func New(role Role, queueDepth int) *Executor {
	e := &Executor{
		role: role,
		work: make(chan func(context.Context), queueDepth),
		done: make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Executor) run() {
	ctx := WithRole(context.Background(), e.role)
	for {
		select {
		case fn, ok := <-e.work:
			if !ok {
				close(e.done)
				return
			}
			fn(ctx)
		}
	}
}

// Go schedules fn to run on this Executor's goroutine. It never blocks
// the caller beyond the channel send.
func (e *Executor) Go(fn func(context.Context)) {
	e.work <- fn
}

// Role reports which logical thread this Executor represents.
func (e *Executor) Role() Role { return e.role }

// Stop closes the work queue and waits for the goroutine to drain and
// exit. Closures already queued still run.
func (e *Executor) Stop() {
	close(e.work)
	<-e.done
}

// ErrWrongRole is the value AssertOn panics with, in gatewaydebug
// builds, when called from the wrong executor; it is never expected to
// be hit outside a bug.
type ErrWrongRole struct {
	Want, Got Role
}

func (e *ErrWrongRole) Error() string {
	return fmt.Sprintf("executor: expected role %s, got %s", e.Want, e.Got)
}
