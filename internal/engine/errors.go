package engine

import "errors"

// Sentinel errors for engine failures. All of them are fatal for the run:
// they signal a wiring or contract bug, not a data problem, and data
// problems travel inside plugin results instead.
var (
	// ErrInvariant is returned when the engine's own bookkeeping is
	// violated, such as a work item pointing past the coalesce it is
	// supposed to stop at.
	ErrInvariant = errors.New("engine invariant violated")

	// ErrPluginContract is returned when a plugin breaks its protocol, for
	// example a multi-row result from a transform that does not declare
	// token creation. Contract breaches crash the run; routing them would
	// hide an upstream bug.
	ErrPluginContract = errors.New("plugin contract violation")

	// ErrBatch is returned when an aggregation flush fails. Every buffered
	// token of the batch fails atomically with it.
	ErrBatch = errors.New("batch flush failed")
)
