package client

// Identity names a record from the client's point of view. Before the
// server acknowledges a push the record only has the client's correlation
// id; afterwards it has a server-assigned id. The two id spaces never
// mix, so an Identity always says which one it carries.
type Identity struct {
	value     string
	committed bool
}

// Pending wraps a client correlation id for a record the server has not
// confirmed yet.
func Pending(msgID string) Identity {
	return Identity{value: msgID}
}

// Committed wraps a server-assigned record id.
func Committed(id string) Identity {
	return Identity{value: id, committed: true}
}

// IsCommitted reports whether the identity is a server-assigned id.
func (i Identity) IsCommitted() bool { return i.committed }

// Value returns the raw id, whichever space it belongs to.
func (i Identity) Value() string { return i.value }

func (i Identity) String() string {
	if i.committed {
		return "committed:" + i.value
	}
	return "pending:" + i.value
}
