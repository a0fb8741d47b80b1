// Command logger is a middleware that logs every event before the function
// runs. It never rejects a request.
package main

import "github.com/tinywasm/httpfn/sdk/event"

func Handle(e event.Event, log func(msg string)) error {
	log("logger middleware: intercepting " + e.Type().String() + " event")
	return nil
}

func main() {}
