//go:build wasip1

package main

import "github.com/tinywasm/httpfn/sdk/event"

//go:wasmexport init
func initModule() {
	event.Log("logger middleware: ready")
}

//go:wasmexport handle
func handle(ev uint32) uint32 {
	return uint32(event.ToErrno(Handle(event.FromHandle(ev), event.Log)))
}
