// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reload debounces workspace reloads.
//
// A burst of project-file changes (a branch switch, a restore) results in a
// single reload of the latest workspace target once the burst goes quiet.
package reload

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/langproxy/pkg/logging"
)

// DefaultDelay is the quiet period used by callers that have no preference.
const DefaultDelay = time.Second

var (
	reloadFiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "langproxy_reload_fires_total",
		Help: "Debounced reload timers that elapsed, by outcome",
	}, []string{"outcome"})

	reloadSchedulesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "langproxy_reload_schedules_total",
		Help: "Calls to Schedule that armed or re-armed the timer",
	})
)

// State is the scheduler state.
type State int

const (
	// StateIdle has no timer armed.
	StateIdle State = iota

	// StatePending has a timer armed.
	StatePending

	// StateDisposed accepts no further schedules.
	StateDisposed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Timer is the part of *time.Timer the scheduler uses.
type Timer interface {
	Stop() bool
}

// AfterFunc arms a timer that calls f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type options struct {
	afterFunc AfterFunc
	logger    *logging.Logger
}

// Option configures a Scheduler.
type Option func(*options)

// WithAfterFunc replaces the clock, for deterministic tests.
func WithAfterFunc(fn AfterFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.afterFunc = fn
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Scheduler runs an action on the latest target once Schedule calls stop
// arriving for the configured delay.
//
// # Description
//
// Each Schedule restarts the delay. When it elapses the target and
// eligibility accessors are consulted; with no target or when ineligible the
// firing is skipped and not retried. A generation counter discards a timer
// that fires after it was superseded, so one quiet burst yields at most one
// action.
//
// # Thread Safety
//
// Safe for concurrent use. The action runs on the timer goroutine.
type Scheduler[T any] struct {
	delay    time.Duration
	target   func() (T, bool)
	eligible func() bool
	action   func(T)
	opts     options

	mu         sync.Mutex
	timer      Timer
	generation uint64
	disposed   bool
}

// New creates an idle scheduler.
//
// # Inputs
//
//   - delay: Quiet period before the action runs.
//   - target: Returns the current target, false when there is none.
//   - eligible: Reports whether the action may run now. nil means always.
//   - action: Called with the target read at fire time.
func New[T any](delay time.Duration, target func() (T, bool), eligible func() bool, action func(T), opts ...Option) *Scheduler[T] {
	o := options{afterFunc: realAfterFunc, logger: logging.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Scheduler[T]{
		delay:    delay,
		target:   target,
		eligible: eligible,
		action:   action,
		opts:     o,
	}
}

// Schedule arms the timer, restarting the delay if it is already armed.
// It returns false once the scheduler is disposed.
func (s *Scheduler[T]) Schedule() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return false
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.generation++
	gen := s.generation
	s.timer = s.opts.afterFunc(s.delay, func() { s.fire(gen) })
	reloadSchedulesTotal.Inc()
	return true
}

func (s *Scheduler[T]) fire(gen uint64) {
	s.mu.Lock()
	if s.disposed || gen != s.generation {
		s.mu.Unlock()
		reloadFiresTotal.WithLabelValues("superseded").Inc()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	target, ok := s.target()
	if !ok {
		s.opts.logger.Debug("reload skipped, no target")
		reloadFiresTotal.WithLabelValues("no_target").Inc()
		return
	}
	if s.eligible != nil && !s.eligible() {
		s.opts.logger.Debug("reload skipped, not eligible")
		reloadFiresTotal.WithLabelValues("ineligible").Inc()
		return
	}

	reloadFiresTotal.WithLabelValues("run").Inc()
	s.run(target)
}

func (s *Scheduler[T]) run(target T) {
	defer func() {
		if r := recover(); r != nil {
			s.opts.logger.Error("reload action panicked", "panic", r)
		}
	}()
	s.action(target)
}

// Dispose cancels a pending timer and refuses later schedules. An action
// that is already running is not interrupted.
func (s *Scheduler[T]) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disposed = true
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// State returns the current state.
func (s *Scheduler[T]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.disposed:
		return StateDisposed
	case s.timer != nil:
		return StatePending
	default:
		return StateIdle
	}
}
