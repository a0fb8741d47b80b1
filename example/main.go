package main

import (
	"log"
	"sync"
	"time"

	"github.com/tinywasm/binary"
	"github.com/tinywasm/bus"
	"github.com/tinywasm/httpfn"
)

func main() {
	var wg sync.WaitGroup

	b := bus.New()
	b.Subscribe("events", func(msg binary.Message) {
		log.Printf("events: %s", msg.Payload)
	})
	b.Subscribe(httpfn.TopicInvocations, func(msg binary.Message) {
		log.Printf("invocation: %s", msg.Payload)
	})

	srv := httpfn.New().
		SetPort("8080").
		SetAppRootDir(".").
		SetModulesDir("modules").
		SetOutputDir("modules/dist").
		SetDrainTimeout(5 * time.Second).
		SetBus(b).
		SetLogger(log.Println)

	log.Println("Starting httpfn server on :8080...")
	log.Println("  curl -d 'ping' localhost:8080/fn/sender")
	srv.StartServer(&wg)

	wg.Wait()
}
