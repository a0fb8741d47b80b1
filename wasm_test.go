package httpfn

import (
	"context"
	"testing"

	"github.com/tetratelabs/wazero/api"
	"github.com/tinywasm/bus"
	"github.com/tinywasm/httpfn/sdk/event"
)

// Empty valid WASM binary
var emptyWasm = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// handleWasm assembles a module exporting handle(i32) i32 with the given
// instruction bytes as its body.
func handleWasm(instrs ...byte) []byte {
	return handleWasmWithLocals([]byte{0x00}, instrs...) // no locals
}

func handleWasmWithLocals(locals []byte, instrs ...byte) []byte {
	code := append(append([]byte{}, locals...), instrs...)
	code = append(code, 0x0b)

	out := []byte{
		0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
		0x01, 0x06, 0x01, 0x60, 0x01, 0x7f, 0x01, 0x7f, // type: (i32) -> i32
		0x03, 0x02, 0x01, 0x00, // func 0: type 0
		0x07, 0x0a, 0x01, 0x06, 'h', 'a', 'n', 'd', 'l', 'e', 0x00, 0x00,
		0x0a, byte(len(code) + 2), 0x01, byte(len(code)),
	}
	return append(out, code...)
}

// constHandleWasm returns errno from every call.
func constHandleWasm(errno event.Errno) []byte {
	return handleWasm(0x41, byte(errno))
}

// loopHandleWasm never returns.
func loopHandleWasm() []byte {
	return handleWasm(0x03, 0x40, 0x0c, 0x00, 0x0b, 0x41, 0x00)
}

// drainWasm exports drain() returning 20 (ms still needed) on the first call
// and 0 afterwards. The counter is exported as the global "pending".
var drainWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x05, 0x01, 0x60, 0x00, 0x01, 0x7f, // type: () -> i32
	0x03, 0x02, 0x01, 0x00, // func 0: type 0
	0x06, 0x06, 0x01, 0x7f, 0x01, 0x41, 0x14, 0x0b, // global 0: mut i32 = 20
	0x07, 0x13, 0x02,
	0x05, 'd', 'r', 'a', 'i', 'n', 0x00, 0x00,
	0x07, 'p', 'e', 'n', 'd', 'i', 'n', 'g', 0x03, 0x00,
	// global.get 0; i32.const 0; global.set 0
	0x0a, 0x0a, 0x01, 0x08, 0x00, 0x23, 0x00, 0x41, 0x00, 0x24, 0x00, 0x0b,
}

// busyHandleWasm counts an i32 local down from 40M and returns OK, which
// keeps a call busy for tens of milliseconds.
func busyHandleWasm() []byte {
	return handleWasmWithLocals([]byte{0x01, 0x01, 0x7f}, // one i32 local
		0x41, 0x80, 0xb4, 0x89, 0x13, // i32.const 40000000
		0x21, 0x01, // local.set 1
		0x03, 0x40, // loop
		0x20, 0x01, 0x41, 0x01, 0x6b, // local.get 1; i32.const 1; i32.sub
		0x22, 0x01, 0x0d, 0x00, // local.tee 1; br_if 0
		0x0b,       // end
		0x41, 0x00, // i32.const 0
	)
}

// writerWasm calls env.http_write(ev, 16, 11, 0) with "Hello world" stored
// at offset 16 and returns its errno.
var writerWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// types: (i32) -> i32, (i32 i32 i32 i32) -> i32
	0x01, 0x0e, 0x02,
	0x60, 0x01, 0x7f, 0x01, 0x7f,
	0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f,
	// import env.http_write as func 0
	0x02, 0x12, 0x01,
	0x03, 'e', 'n', 'v',
	0x0a, 'h', 't', 't', 'p', '_', 'w', 'r', 'i', 't', 'e',
	0x00, 0x01,
	// func 1: type 0
	0x03, 0x02, 0x01, 0x00,
	// one page of memory
	0x05, 0x03, 0x01, 0x00, 0x01,
	// export handle = func 1
	0x07, 0x0a, 0x01, 0x06, 'h', 'a', 'n', 'd', 'l', 'e', 0x00, 0x01,
	// local.get 0; i32.const 16; i32.const 11; i32.const 0; call 0
	0x0a, 0x0e, 0x01, 0x0c, 0x00,
	0x20, 0x00, 0x41, 0x10, 0x41, 0x0b, 0x41, 0x00, 0x10, 0x00,
	0x0b,
	// data at 16
	0x0b, 0x11, 0x01, 0x00, 0x41, 0x10, 0x0b, 0x0b,
	'H', 'e', 'l', 'l', 'o', ' ', 'w', 'o', 'r', 'l', 'd',
}

func loadTestModule(t *testing.T, name string, wasm []byte) (*Module, *HostBuilder) {
	t.Helper()
	hb := NewHostBuilder(bus.New(), t.Log)
	mod, err := Load(context.Background(), name, wasm, hb)
	if err != nil {
		t.Fatalf("Load(%s) failed: %v", name, err)
	}
	t.Cleanup(func() { mod.Close(context.Background()) })
	return mod, hb
}

// Mocks for calling host functions without a runtime.
type mockMemory struct {
	data       []byte
	api.Memory // Embed to satisfy interface, will panic if unused methods called
}

func (m *mockMemory) Read(offset, count uint32) ([]byte, bool) {
	if int(offset)+int(count) > len(m.data) {
		return nil, false
	}
	out := make([]byte, count)
	copy(out, m.data[offset:offset+count])
	return out, true
}

func (m *mockMemory) Write(offset uint32, v []byte) bool {
	if int(offset)+len(v) > len(m.data) {
		return false
	}
	copy(m.data[offset:], v)
	return true
}

func (m *mockMemory) WriteUint32Le(offset, v uint32) bool {
	return m.Write(offset, []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

func (m *mockMemory) ReadUint32Le(offset uint32) (uint32, bool) {
	b, ok := m.Read(offset, 4)
	if !ok {
		return 0, false
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, true
}

type mockModule struct {
	api.Module
	name string
	mem  *mockMemory
}

func (m *mockModule) Name() string       { return m.name }
func (m *mockModule) Memory() api.Memory { return m.mem }

func newMockModule(size int) *mockModule {
	return &mockModule{name: "mock", mem: &mockMemory{data: make([]byte, size)}}
}
