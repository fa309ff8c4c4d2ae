package protocol

import "github.com/pkg/errors"

var (
	// ErrNotFound is returned when no node in the tree owns the requested
	// protocol id.
	ErrNotFound = errors.New("protocol not found")

	// ErrNodeClosed is returned when a task is spawned on a node whose Stop
	// has already begun. This signals an ownership bug in the caller, not an
	// external condition, and is always fatal to the caller.
	ErrNodeClosed = errors.New("node is closed")
)
