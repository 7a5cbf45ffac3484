package model

import "errors"

var (
	// ErrUpstreamUnavailable marks a per-instrument, per-cycle feed failure.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUpstreamUnconfigured means no usable upstream endpoint or credentials exist.
	ErrUpstreamUnconfigured = errors.New("upstream unconfigured")

	// ErrInvalidRule marks an intervention rule that violates its invariants.
	ErrInvalidRule = errors.New("invalid intervention rule")

	// ErrNoInstruments is the only fatal startup error.
	ErrNoInstruments = errors.New("no instruments configured")
)
