// Command hello is a guest function that echoes the request body followed
// by a greeting. It is built as a wasip1 reactor and used to check the
// build and invoke path end to end.
package main

import (
	"io"
	"unicode/utf8"

	"github.com/tinywasm/httpfn/sdk/event"
)

const Greeting = "Hello world"

// Handle writes the request body followed by Greeting. Nothing is written
// when the event has no HTTP facet or the body is not valid UTF-8.
func Handle(e event.Event) error {
	h, err := e.HTTP()
	if err != nil {
		return err
	}

	body, err := io.ReadAll(h.Body())
	if err != nil {
		return err
	}
	if !utf8.Valid(body) {
		return event.ErrnoInvalidEncoding
	}

	_, err = h.Write(append(body, Greeting...))
	return err
}

func main() {}
