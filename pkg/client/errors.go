package client

import (
	"errors"
	"fmt"
)

// ErrSyncTimeout is returned when the server does not acknowledge a write
// within the configured timeout. The write may still land; the record
// stays in the optimistic buffer until an ack or a resync settles it.
var ErrSyncTimeout = errors.New("timed out waiting for server acknowledgement")

// ErrClosed is returned for operations on a closed client.
var ErrClosed = errors.New("client is closed")

// StorageFault wraps a local cache failure. The cache is the client's
// source of durability; a fault is fatal and the client shuts down rather
// than continuing in a degraded mode.
type StorageFault struct {
	Op  string
	Err error
}

func (e *StorageFault) Error() string {
	return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
}

func (e *StorageFault) Unwrap() error { return e.Err }
