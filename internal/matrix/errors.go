package matrix

import "errors"

var (
	// ErrShapeMismatch is returned before any device call when operand
	// shapes are incompatible with the operation.
	ErrShapeMismatch = errors.New("matrix: shape mismatch")

	// ErrContextMismatch is returned when operands live on different
	// compute contexts.
	ErrContextMismatch = errors.New("matrix: operands belong to different contexts")

	// ErrAliased is returned when an operation that reads its inputs out of
	// order (transpose, dot, mse, dmse) is given an output that aliases an input.
	ErrAliased = errors.New("matrix: output aliases an input")
)
