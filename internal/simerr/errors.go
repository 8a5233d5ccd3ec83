// Package simerr defines the error taxonomy shared by the engine packages.
// Callers match with errors.Is; packages wrap with fmt.Errorf("...: %w").
package simerr

import "errors"

var (
	// ErrInvalidArgument reports a bad input at an API boundary: wrong point
	// dimensionality, negative transition weight, oversampling, empty
	// required collection.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrParse reports malformed transition-chain text.
	ErrParse = errors.New("parse error")

	// ErrIllegalState reports an operation invoked in the wrong lifecycle
	// state: scheduler use outside a pool, querying an unbuilt index,
	// reading a cached value before its owner is attached.
	ErrIllegalState = errors.New("illegal state")
)
