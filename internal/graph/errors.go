package graph

import "errors"

var (
	ErrNotFound       = errors.New("graph: not found")
	ErrKindMismatch   = errors.New("graph: entity kind mismatch")
	ErrDuplicateEdge  = errors.New("graph: edge already exists")
	ErrEdgeNotFound   = errors.New("graph: edge not found")
	ErrCycle          = errors.New("graph: group hierarchy cycle")
	ErrDepthExceeded  = errors.New("graph: hierarchy depth limit exceeded")
	ErrEffectConflict = errors.New("graph: permission effect must be exactly one of grant or deny")
	ErrIDCollision    = errors.New("graph: entity id already in use")
)
