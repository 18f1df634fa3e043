// Package schema declares record stores: their shape, how records are
// validated, and which actions clients are allowed to submit. Store
// definitions are immutable after construction; both the server engine and
// the sync client run the same checks.
package schema

import (
	"fmt"
	"regexp"
)

// Kind determines how a store treats repeated pushes for the same user.
type Kind int

const (
	// Singular stores keep at most one live record per user; a push is an
	// upsert keyed by (store, user).
	Singular Kind = iota
	// Event stores are append-only; every push inserts a new record.
	Event
)

func (k Kind) String() string {
	if k == Singular {
		return "singular"
	}
	return "event"
}

// FieldType is the storage type of a record field.
type FieldType int

const (
	String FieldType = iota
	Int
	Float
)

func (t FieldType) String() string {
	switch t {
	case String:
		return "string"
	case Int:
		return "int"
	default:
		return "float"
	}
}

// Field describes a single record field.
type Field struct {
	Type     FieldType
	Nullable bool
}

// Record is a flat map of primitive-typed fields. Nested values are not
// permitted; Validate rejects them.
type Record = map[string]any

// Action is a client-submitted mutation kind, used by store policies.
type Action int

const (
	ActionPush Action = iota
	ActionRemove
)

func (a Action) String() string {
	if a == ActionPush {
		return "push"
	}
	return "remove"
}

// Policy restricts which records a client may submit for a given action.
// A nil policy allows everything. Returning false rejects the action.
type Policy func(action Action, rec Record) bool

// validName is the identifier charset for store and field names. Names
// become table and column identifiers, so the charset is the injection
// defense: nothing outside it ever reaches the query builder.
var validName = regexp.MustCompile(`^[A-Za-z_]+$`)

// ValidName reports whether s is a legal store or field identifier.
func ValidName(s string) bool {
	return s != "" && validName.MatchString(s)
}

// Store is an immutable record collection declaration.
type Store struct {
	name    string
	kind    Kind
	fields  map[string]Field
	indices []string
	policy  Policy
}

// Options configures a store declaration.
type Options struct {
	Name    string
	Kind    Kind
	Fields  map[string]Field
	Indices []string
	Policy  Policy
}

// New validates and constructs a store definition. Declaration errors are
// programmer errors and surface immediately rather than at first use.
func New(opts Options) (*Store, error) {
	if !ValidName(opts.Name) {
		return nil, fmt.Errorf("store name %q is not a valid identifier", opts.Name)
	}
	if len(opts.Fields) == 0 {
		return nil, fmt.Errorf("store %q declares no fields", opts.Name)
	}
	fields := make(map[string]Field, len(opts.Fields))
	for name, f := range opts.Fields {
		if !ValidName(name) {
			return nil, fmt.Errorf("store %q: field name %q is not a valid identifier", opts.Name, name)
		}
		fields[name] = f
	}
	indices := make([]string, 0, len(opts.Indices))
	for _, idx := range opts.Indices {
		if _, ok := fields[idx]; !ok {
			return nil, fmt.Errorf("store %q: index %q is not a declared field", opts.Name, idx)
		}
		indices = append(indices, idx)
	}
	return &Store{
		name:    opts.Name,
		kind:    opts.Kind,
		fields:  fields,
		indices: indices,
		policy:  opts.Policy,
	}, nil
}

// MustNew is New for store declarations known valid at compile time.
func MustNew(opts Options) *Store {
	s, err := New(opts)
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the store name.
func (s *Store) Name() string { return s.name }

// Kind returns whether the store is singular or append-only.
func (s *Store) Kind() Kind { return s.kind }

// Fields returns the declared fields. The returned map must not be mutated.
func (s *Store) Fields() map[string]Field { return s.fields }

// Indices returns the queryable index fields.
func (s *Store) Indices() []string { return s.indices }

// HasIndex reports whether key is queryable on this store.
func (s *Store) HasIndex(key string) bool {
	for _, idx := range s.indices {
		if idx == key {
			return true
		}
	}
	return false
}

// Validate checks rec against the declared fields. Absent, extra and
// mistyped fields are all schema violations.
func (s *Store) Validate(rec Record) error {
	for name, field := range s.fields {
		v, ok := rec[name]
		if !ok || v == nil {
			if field.Nullable {
				continue
			}
			return &SchemaError{Store: s.name, Field: name, Reason: "field is required"}
		}
		if err := checkType(s.name, name, field.Type, v); err != nil {
			return err
		}
	}
	for name := range rec {
		if _, ok := s.fields[name]; !ok {
			return &SchemaError{Store: s.name, Field: name, Reason: "field is not declared"}
		}
	}
	return nil
}

// ValidateClientAction runs Validate for pushes and then enforces the
// store's client action policy.
func (s *Store) ValidateClientAction(action Action, rec Record) error {
	if action == ActionPush {
		if err := s.Validate(rec); err != nil {
			return err
		}
	}
	if s.policy != nil && !s.policy(action, rec) {
		return &PolicyError{Store: s.name, Action: action}
	}
	return nil
}

func checkType(store, field string, want FieldType, v any) error {
	switch want {
	case String:
		if _, ok := v.(string); ok {
			return nil
		}
	case Int:
		switch v.(type) {
		case int, int32, int64:
			return nil
		case float64:
			// JSON decoding produces float64 for every number; accept
			// integral values so wire records round-trip.
			if f := v.(float64); f == float64(int64(f)) {
				return nil
			}
		}
	case Float:
		switch v.(type) {
		case float32, float64, int, int64:
			return nil
		}
	}
	return &SchemaError{
		Store:  store,
		Field:  field,
		Reason: fmt.Sprintf("expected %s, got %T", want, v),
	}
}
