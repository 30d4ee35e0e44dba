// Package clock provides the "monotonic clock" collaborator spec.md §6
// lists as consumed by the loader and playlist timestamps, wrapping
// github.com/benbjohnson/clock so reload-cadence and hold-back tests can
// advance time deterministically instead of sleeping.
package clock

import "github.com/benbjohnson/clock"

// Clock is the subset of benbjohnson/clock.Clock this module uses.
type Clock = clock.Clock

// Mock is the fake clock used by tests to control reload cadence and
// hold-back timing without real sleeps.
type Mock = clock.Mock

// New returns the real, wall-clock-backed Clock.
func New() Clock { return clock.New() }

// NewMock returns a Mock clock started at its zero time; tests advance it
// with Mock.Add.
func NewMock() *Mock { return clock.NewMock() }
