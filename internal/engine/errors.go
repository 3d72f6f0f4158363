package engine

import "fmt"

// ValidationError rejects a single input item. The cycle skips the item and
// keeps going; nothing already stored is touched.
type ValidationError struct {
	Item   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Item, e.Reason)
}

// InvariantError flags a condition the engine refuses to resolve on its own,
// such as two notes claiming the same timestamp. The offending item is
// skipped and the condition surfaced in the cycle summary.
type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string {
	return "invariant violated: " + e.Reason
}
