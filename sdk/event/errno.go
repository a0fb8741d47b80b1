package event

import (
	"errors"
	"fmt"
)

// Errno is the result code exchanged between host and guest.
type Errno uint32

const (
	OK Errno = iota
	ErrnoUnknown
	ErrnoUnknownEvent
	ErrnoNoHTTP
	ErrnoEOF
	ErrnoReadFailed
	ErrnoWriteFailed
	ErrnoOutOfBounds
	ErrnoInvalidEncoding
	ErrnoDenied
)

var errnoText = map[Errno]string{
	OK:                   "ok",
	ErrnoUnknown:         "unknown error",
	ErrnoUnknownEvent:    "unknown event",
	ErrnoNoHTTP:          "event has no http facet",
	ErrnoEOF:             "end of body",
	ErrnoReadFailed:      "reading body failed",
	ErrnoWriteFailed:     "writing response failed",
	ErrnoOutOfBounds:     "guest memory access out of bounds",
	ErrnoInvalidEncoding: "body is not valid utf-8",
	ErrnoDenied:          "denied",
}

func (e Errno) Error() string {
	if s, ok := errnoText[e]; ok {
		return s
	}
	return fmt.Sprintf("errno %d", uint32(e))
}

// Err returns nil for OK and e otherwise.
func (e Errno) Err() error {
	if e == OK {
		return nil
	}
	return e
}

// ToErrno folds err into a code. Wrapped Errno values are unwrapped; any
// other error becomes ErrnoUnknown.
func ToErrno(err error) Errno {
	if err == nil {
		return OK
	}
	var e Errno
	if errors.As(err, &e) {
		return e
	}
	return ErrnoUnknown
}
