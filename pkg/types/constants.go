package types

// Manifest defaults applied by Normalize.
const (
	DefaultMinValidators = 3
	DefaultShortlistSize = 2
	DefaultRedoLimit     = 3
)

// Score bounds shared by validators, the oracle and the invariant checks.
const (
	MinScore      = 0.0
	MaxScore      = 100.0
	MinConfidence = 0.0
	MaxConfidence = 1.0
	MinReputation = 0.0
	MaxReputation = 100.0
)
