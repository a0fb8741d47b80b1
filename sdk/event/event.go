// Package event is the guest side of a host trigger.
//
// A guest function receives an Event and asks it for the facets it needs.
// Facets the trigger does not carry are reported with ErrnoNoHTTP (and
// friends) instead of aborting the guest, so a host can tell the failure
// modes apart.
package event

import "io"

// Type identifies what triggered an invocation.
type Type uint32

const (
	TypeUnknown Type = iota
	TypeHTTP
	TypePubSub
)

func (t Type) String() string {
	switch t {
	case TypeHTTP:
		return "http"
	case TypePubSub:
		return "pubsub"
	default:
		return "unknown"
	}
}

// Event is the value handed to a guest function for one invocation.
type Event interface {
	Type() Type
	HTTP() (HTTP, error)
}

// HTTP is the request/response view of an HTTP-triggered event.
type HTTP interface {
	// Body streams the request body.
	Body() io.ReadCloser
	// Write appends to the response sink.
	Write(p []byte) (int, error)
	SetStatus(code int) error
}
