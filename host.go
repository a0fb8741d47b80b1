package httpfn

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tinywasm/binary"
	"github.com/tinywasm/bus"
	"github.com/tinywasm/httpfn/sdk/event"
)

// HostBuilder exposes the event ABI to guests as the "env" host module.
type HostBuilder struct {
	bus    bus.Bus
	logger func(msg ...any)
	events *eventTable
}

func NewHostBuilder(b bus.Bus, logger func(msg ...any)) *HostBuilder {
	return &HostBuilder{
		bus:    b,
		logger: logger,
		events: newEventTable(),
	}
}

func (h *HostBuilder) Build(rt wazero.Runtime) wazero.HostModuleBuilder {
	return rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().WithFunc(h.eventType).Export("event_type").
		NewFunctionBuilder().WithFunc(h.eventHTTP).Export("event_http").
		NewFunctionBuilder().WithFunc(h.httpBodyRead).Export("http_body_read").
		NewFunctionBuilder().WithFunc(h.httpWrite).Export("http_write").
		NewFunctionBuilder().WithFunc(h.httpStatus).Export("http_status").
		NewFunctionBuilder().WithFunc(h.publish).Export("publish").
		NewFunctionBuilder().WithFunc(h.log).Export("log")
}

func (h *HostBuilder) eventType(ctx context.Context, evID uint32) uint32 {
	ev := h.events.get(evID)
	if ev == nil {
		return uint32(event.TypeUnknown)
	}
	return uint32(ev.typ)
}

func (h *HostBuilder) eventHTTP(ctx context.Context, evID uint32) uint32 {
	_, errno := h.httpFacet(evID)
	return uint32(errno)
}

func (h *HostBuilder) httpBodyRead(ctx context.Context, m api.Module, evID, bufPtr, bufLen, nPtr uint32) uint32 {
	f, errno := h.httpFacet(evID)
	if errno != event.OK {
		return uint32(errno)
	}

	chunk := f.peek(bufLen)
	if len(chunk) == 0 {
		if !m.Memory().WriteUint32Le(nPtr, 0) {
			return uint32(event.ErrnoOutOfBounds)
		}
		return uint32(event.ErrnoEOF)
	}

	if !m.Memory().Write(bufPtr, chunk) || !m.Memory().WriteUint32Le(nPtr, uint32(len(chunk))) {
		return uint32(event.ErrnoOutOfBounds)
	}
	f.advance(len(chunk))
	return uint32(event.OK)
}

func (h *HostBuilder) httpWrite(ctx context.Context, m api.Module, evID, bufPtr, bufLen, nPtr uint32) uint32 {
	f, errno := h.httpFacet(evID)
	if errno != event.OK {
		return uint32(errno)
	}

	p, ok := m.Memory().Read(bufPtr, bufLen)
	if !ok {
		return uint32(event.ErrnoOutOfBounds)
	}
	if errno := f.write(p); errno != event.OK {
		return uint32(errno)
	}
	if !m.Memory().WriteUint32Le(nPtr, bufLen) {
		return uint32(event.ErrnoOutOfBounds)
	}
	return uint32(event.OK)
}

func (h *HostBuilder) httpStatus(ctx context.Context, evID, code uint32) uint32 {
	f, errno := h.httpFacet(evID)
	if errno != event.OK {
		return uint32(errno)
	}
	return uint32(f.setStatus(code))
}

func (h *HostBuilder) publish(ctx context.Context, m api.Module, topicPtr, topicLen, payloadPtr, payloadLen uint32) {
	topic := readString(m, topicPtr, topicLen)
	payload := readBytes(m, payloadPtr, payloadLen)
	if topic == "" || h.bus == nil {
		return
	}
	h.bus.Publish(topic, binary.Message{Payload: payload})
}

func (h *HostBuilder) log(ctx context.Context, m api.Module, msgPtr, msgLen uint32) {
	h.logString(m.Name(), readString(m, msgPtr, msgLen))
}

func (h *HostBuilder) logString(module, msg string) {
	if h.logger != nil {
		h.logger("[guest "+module+"]", msg)
	} else {
		fmt.Println("[guest "+module+"]", msg)
	}
}

func (h *HostBuilder) httpFacet(evID uint32) (*httpFacet, event.Errno) {
	ev := h.events.get(evID)
	if ev == nil {
		return nil, event.ErrnoUnknownEvent
	}
	if ev.http == nil {
		return nil, event.ErrnoNoHTTP
	}
	return ev.http, event.OK
}

func readString(m api.Module, offset, length uint32) string {
	if length == 0 {
		return ""
	}
	buf, ok := m.Memory().Read(offset, length)
	if !ok {
		return ""
	}
	return string(buf)
}

func readBytes(m api.Module, offset, length uint32) []byte {
	if length == 0 {
		return nil
	}
	buf, ok := m.Memory().Read(offset, length)
	if !ok {
		return nil
	}
	out := make([]byte, length)
	copy(out, buf)
	return out
}
