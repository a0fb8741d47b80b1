// Command sender publishes the request body on the "events" topic.
package main

import (
	"io"

	"github.com/tinywasm/httpfn/sdk/event"
)

const Topic = "events"

func Handle(e event.Event, publish func(topic string, payload []byte)) error {
	h, err := e.HTTP()
	if err != nil {
		return err
	}
	body, err := io.ReadAll(h.Body())
	if err != nil {
		return err
	}
	publish(Topic, body)

	if err := h.SetStatus(202); err != nil {
		return err
	}
	_, err = h.Write([]byte("published"))
	return err
}

func main() {}
