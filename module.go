package httpfn

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tinywasm/httpfn/sdk/event"
)

// Module is one loaded guest. Calls into it are serialized: a guest instance
// has a single stack.
type Module struct {
	name     string
	wasm     []byte
	host     *HostBuilder
	runtime  wazero.Runtime
	mod      api.Module
	callMu   sync.Mutex
	active   atomic.Int32
	drainFn  api.Function // optional: exported drain() uint32
	initFn   api.Function // optional: exported init()
	handleFn api.Function // exported handle(ev uint32) uint32
}

// Load compiles and instantiates a guest. Reactor modules get their
// _initialize export run before any other call.
func Load(ctx context.Context, name string, wasmBytes []byte, hb *HostBuilder) (*Module, error) {
	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		r.Close(ctx)
		return nil, err
	}

	if _, err := hb.Build(r).Instantiate(ctx); err != nil {
		r.Close(ctx)
		return nil, err
	}

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("compiling %s: %w", name, err)
	}

	m := &Module{
		name:    name,
		wasm:    wasmBytes,
		host:    hb,
		runtime: r,
	}

	out := &lineWriter{module: name, logger: hb.logString}
	cfg := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions("_initialize").
		WithStdout(out).
		WithStderr(out).
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(crand.Reader)

	mod, err := r.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("instantiating %s: %w", name, err)
	}
	m.mod = mod

	m.drainFn = mod.ExportedFunction("drain")
	m.initFn = mod.ExportedFunction("init")
	m.handleFn = mod.ExportedFunction("handle")

	return m, nil
}

func (m *Module) Name() string { return m.name }

// Invoke runs the guest's handle export against ev. It returns nil when the
// guest reports success and the guest's event.Errno otherwise.
func (m *Module) Invoke(ctx context.Context, ev *Event) error {
	if m.handleFn == nil {
		return ErrNoHandler
	}

	m.acquire()
	defer m.release()

	m.callMu.Lock()
	defer m.callMu.Unlock()

	release := m.host.events.register(ev)
	defer release()
	ev.rewind()

	results, err := m.handleFn.Call(ctx, uint64(ev.id))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return fmt.Errorf("%w: %w", ErrTimeout, ctxErr)
			}
			return fmt.Errorf("%w: %w", ErrCanceled, ctxErr)
		}
		return fmt.Errorf("%w: %v", ErrTrap, err)
	}
	if len(results) == 0 {
		return nil
	}
	return event.Errno(uint32(results[0])).Err()
}

// acquire counts a request in flight; Drain waits until it is released.
func (m *Module) acquire() { m.active.Add(1) }

func (m *Module) release() { m.active.Add(-1) }

// Drain waits for in-flight calls and then asks the guest how long it still
// needs, until it answers 0 or timeout passes.
func (m *Module) Drain(ctx context.Context, timeout time.Duration) error {
	start := time.Now()
	for m.active.Load() > 0 {
		if time.Since(start) > timeout {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}

	if m.drainFn == nil {
		return nil
	}

	for {
		m.callMu.Lock()
		results, err := m.drainFn.Call(ctx)
		m.callMu.Unlock()
		if err != nil {
			return err
		}
		if len(results) == 0 {
			break
		}
		ms := uint32(results[0])
		if ms == 0 {
			break
		}

		if time.Since(start) > timeout {
			break
		}

		time.Sleep(time.Duration(ms) * time.Millisecond)
	}
	return nil
}

func (m *Module) Init(ctx context.Context) error {
	if m.initFn != nil {
		_, err := m.initFn.Call(ctx)
		return err
	}
	return nil
}

func (m *Module) Close(ctx context.Context) error {
	if m.runtime == nil {
		return nil
	}
	return m.runtime.Close(ctx)
}

func isTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// closedByContext reports whether the runtime closed the module because the
// call's context ended; the instance cannot be called again after that.
func closedByContext(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrCanceled)
}

// lineWriter forwards guest stdout/stderr to the host logger line by line.
type lineWriter struct {
	mu     sync.Mutex
	module string
	logger func(module, msg string)
	buf    bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// partial line, keep it for the next write
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.logger(w.module, line[:len(line)-1])
	}
	return len(p), nil
}
