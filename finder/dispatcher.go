// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package finder implements passive discovery of Pro DJ Link devices: a UDP
// listener that maintains an expiring directory of currently-announced
// devices and notifies subscribers when devices appear or disappear.
package finder

import (
	"github.com/jessesrsmith/beat-link/pkg/logger"
)

const dispatcherQueueSize = 64

// SerialDispatcher is the default in-process implementation of
// interfaces.EventDispatcher: a single background goroutine drains a task
// queue in submission order, so listener callbacks never run on the receiver
// goroutine and never run concurrently with each other.
type SerialDispatcher struct {
	tasks chan func()
	done  chan struct{}
}

// NewSerialDispatcher starts a dispatcher and its worker goroutine.
func NewSerialDispatcher() *SerialDispatcher {
	d := &SerialDispatcher{
		tasks: make(chan func(), dispatcherQueueSize),
		done:  make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *SerialDispatcher) run() {
	for {
		select {
		case fn := <-d.tasks:
			d.invoke(fn)
		case <-d.done:
			return
		}
	}
}

func (d *SerialDispatcher) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("recovered from panic in dispatched listener callback")
		}
	}()
	fn()
}

// Submit enqueues fn for execution on the worker goroutine. It does not
// block on fn's execution; if the dispatcher has been closed, fn is dropped.
func (d *SerialDispatcher) Submit(fn func()) {
	select {
	case d.tasks <- fn:
	case <-d.done:
	}
}

// Close stops the worker goroutine. Submit calls after Close are no-ops.
func (d *SerialDispatcher) Close() {
	select {
	case <-d.done:
	default:
		close(d.done)
	}
}
