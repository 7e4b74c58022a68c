// Package faults defines the error kinds shared across latentmesh.
//
// Every error produced by the runtime wraps exactly one of the sentinels below
// so callers can classify failures with errors.Is.
package faults

import (
	"github.com/pkg/errors"
)

var (
	// ErrConfiguration reports an inconsistent model or parallel setup
	// detected while constructing components.
	ErrConfiguration = errors.New("configuration error")

	// ErrShapeInvariant reports a padding, cache or graph shape that does
	// not match the pass it is used in.
	ErrShapeInvariant = errors.New("shape invariant violation")

	// ErrCollectiveDivergence reports ranks of one group issuing different
	// collective sequences.
	ErrCollectiveDivergence = errors.New("collective divergence")
)

// Configuration returns an error wrapping ErrConfiguration.
func Configuration(format string, args ...any) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}

// Shape returns an error wrapping ErrShapeInvariant.
func Shape(format string, args ...any) error {
	return errors.Wrapf(ErrShapeInvariant, format, args...)
}

// Divergence returns an error wrapping ErrCollectiveDivergence.
func Divergence(format string, args ...any) error {
	return errors.Wrapf(ErrCollectiveDivergence, format, args...)
}

// Kind names the sentinel wrapped by err, or "internal" when none matches.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return "configuration_error"
	case errors.Is(err, ErrShapeInvariant):
		return "shape_invariant_violation"
	case errors.Is(err, ErrCollectiveDivergence):
		return "collective_divergence"
	default:
		return "internal"
	}
}
