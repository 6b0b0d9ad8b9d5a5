// Cloudillo
// Copyright (C) 2025 The Cloudillo Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package utils

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Jitter applies random jitter to a duration. Implementations must be
// safe for concurrent use.
type Jitter func(time.Duration) time.Duration

// NewHalfJitter returns a jitter on the range [n/2,n). Suitable for
// backoff delays where breaking cycles quickly matters.
func NewHalfJitter() Jitter {
	return func(d time.Duration) time.Duration {
		if d < 1 {
			return 0
		}
		return d/2 + time.Duration(rand.Int64N(int64(d)))/2
	}
}

// NewSeventhJitter returns a jitter on the range [6n/7,n). Prefer it
// for periodic operations, where a large jitter would raise load.
func NewSeventhJitter() Jitter {
	return func(d time.Duration) time.Duration {
		if d < 1 {
			return 0
		}
		return 6*d/7 + time.Duration(rand.Int64N(int64(d)))/7
	}
}

// LinearConfig configures a retry whose delay grows by arithmetic
// progression.
type LinearConfig struct {
	// First is the delay before the first retry, may be 0.
	First time.Duration
	// Step is added to the delay on every attempt, can't be 0.
	Step time.Duration
	// Max caps the delay, can't be 0.
	Max time.Duration
	// Jitter is optionally applied to every returned delay.
	Jitter Jitter
	// Clock overrides the wall clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *LinearConfig) CheckAndSetDefaults() error {
	if c.Step == 0 {
		return trace.BadParameter("missing parameter Step")
	}
	if c.Max == 0 {
		return trace.BadParameter("missing parameter Max")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewLinear returns a new linear retry.
func NewLinear(cfg LinearConfig) (*Linear, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	closed := make(chan time.Time)
	close(closed)
	return &Linear{LinearConfig: cfg, closedChan: closed}, nil
}

// Linear computes retry delays along an arithmetic progression: no
// delay on the first attempt, then First+Step, First+2*Step and so on
// up to Max.
type Linear struct {
	LinearConfig
	attempt    int64
	closedChan chan time.Time
}

// Reset restores the initial state.
func (r *Linear) Reset() {
	r.attempt = 0
}

// Inc increments the attempt counter.
func (r *Linear) Inc() {
	r.attempt++
}

// Duration returns the current delay.
func (r *Linear) Duration() time.Duration {
	d := r.First + time.Duration(r.attempt)*r.Step
	if d < 1 {
		return 0
	}
	if d > r.Max {
		d = r.Max
	}
	if r.Jitter != nil {
		d = r.Jitter(d)
	}
	return d
}

// After returns a channel that fires after the current delay. A zero
// delay yields a closed channel that fires immediately.
func (r *Linear) After() <-chan time.Time {
	d := r.Duration()
	if d < 1 {
		return r.closedChan
	}
	return r.Clock.After(d)
}

// For retries fn until it succeeds, returns a permanent error, or the
// context expires.
func (r *Linear) For(ctx context.Context, fn func() error) error {
	for {
		err := fn()
		if err == nil {
			return nil
		}
		var permanent *permanentRetryError
		if trace.Unwrap(err) != nil {
			if p, ok := trace.Unwrap(err).(*permanentRetryError); ok {
				permanent = p
			}
		}
		if permanent != nil {
			return trace.Wrap(permanent.err)
		}
		select {
		case <-r.After():
			r.Inc()
		case <-ctx.Done():
			return trace.LimitExceeded("retry canceled: %v", ctx.Err())
		}
	}
}

// PermanentRetryError wraps err so that Linear.For stops retrying.
func PermanentRetryError(err error) error {
	return &permanentRetryError{err: err}
}

type permanentRetryError struct {
	err error
}

func (e *permanentRetryError) Error() string {
	return e.err.Error()
}
