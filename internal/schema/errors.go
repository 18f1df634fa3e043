package schema

import "fmt"

// SchemaError reports a malformed record: a field that is absent, extra or
// mistyped. Records failing schema validation are never persisted.
type SchemaError struct {
	Store  string
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("store %q: field %q: %s", e.Store, e.Field, e.Reason)
}

// PolicyError reports an action the store's client policy disallows for the
// current actor.
type PolicyError struct {
	Store  string
	Action Action
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("store %q: client action %s is not permitted", e.Store, e.Action)
}
