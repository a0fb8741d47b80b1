// Package httpfn hosts WebAssembly guest functions behind HTTP.
//
// Guests are wasip1 reactors exporting handle(ev uint32) uint32. The host
// hands them an event id and serves the event's facets through the "env"
// host module (see sdk/event for the guest side).
package httpfn

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tinywasm/binary"
	"github.com/tinywasm/bus"
	"github.com/tinywasm/httpfn/sdk/event"
	"go.uber.org/multierr"
)

// Defaults used by New.
const (
	DefaultTimeout          = 10 * time.Second
	DefaultDrainTimeout     = 5 * time.Second
	DefaultMaxBodyBytes     = 1 << 20
	DefaultMaxResponseBytes = 4 << 20
)

type Server struct {
	appRootDir       string
	modulesDir       string
	outputDir        string
	port             string
	drainTimeout     time.Duration
	timeout          time.Duration
	maxBodyBytes     int64
	maxResponseBytes int64
	routes           []func(*http.ServeMux)
	bus              bus.Bus
	builder          Builder
	exitChan         chan bool
	logger           func(...any)

	muxOnce     sync.Once
	mux         *http.ServeMux
	hostOnce    sync.Once
	host        *HostBuilder
	httpSrv     *http.Server
	modules     map[string]*Module
	subs        map[string]func()
	mu          sync.RWMutex
	middlewares []*MiddlewareModule
	muMw        sync.RWMutex
	wsHub       *wsHub
	watcher     *fsnotify.Watcher
}

// New creates a Server with all defaults. Configure via Set* methods.
func New() *Server {
	return &Server{
		appRootDir:       ".",
		modulesDir:       "modules",
		outputDir:        "modules/dist",
		port:             "6060",
		drainTimeout:     DefaultDrainTimeout,
		timeout:          DefaultTimeout,
		maxBodyBytes:     DefaultMaxBodyBytes,
		maxResponseBytes: DefaultMaxResponseBytes,
		exitChan:         make(chan bool),
		logger:           func(msg ...any) {},
		bus:              bus.New(),
		builder:          NewCompiler(),
		modules:          make(map[string]*Module),
		subs:             make(map[string]func()),
		wsHub:            newWsHub(),
	}
}

func (s *Server) SetAppRootDir(dir string) *Server {
	s.appRootDir = dir
	return s
}

func (s *Server) SetModulesDir(dir string) *Server {
	s.modulesDir = dir
	return s
}

func (s *Server) SetOutputDir(dir string) *Server {
	s.outputDir = dir
	return s
}

func (s *Server) SetPort(port string) *Server {
	s.port = port
	return s
}

func (s *Server) SetDrainTimeout(d time.Duration) *Server {
	s.drainTimeout = d
	return s
}

// SetTimeout bounds a single invocation, middleware included.
func (s *Server) SetTimeout(d time.Duration) *Server {
	s.timeout = d
	return s
}

// SetMaxBodyBytes caps the request body; 0 means unlimited.
func (s *Server) SetMaxBodyBytes(n int64) *Server {
	s.maxBodyBytes = n
	return s
}

// SetMaxResponseBytes caps what a guest may write; 0 means unlimited.
func (s *Server) SetMaxResponseBytes(n int64) *Server {
	s.maxResponseBytes = n
	return s
}

func (s *Server) SetLogger(fn func(msg ...any)) *Server {
	s.logger = fn
	return s
}

func (s *Server) SetExitChan(ch chan bool) *Server {
	s.exitChan = ch
	return s
}

func (s *Server) SetBus(b bus.Bus) *Server {
	s.bus = b
	return s
}

func (s *Server) SetBuilder(b Builder) *Server {
	s.builder = b
	return s
}

// RegisterRoutes appends fn to the internal route list.
// Call before StartServer.
func (s *Server) RegisterRoutes(fn func(*http.ServeMux)) *Server {
	s.routes = append(s.routes, fn)
	return s
}

// Handler returns the server's mux: /fn/{name} invokes a function and
// /ws/{name} streams its invocation records.
func (s *Server) Handler() http.Handler {
	s.muxOnce.Do(func() {
		s.mux = http.NewServeMux()
		for _, route := range s.routes {
			route(s.mux)
		}
		s.mux.HandleFunc("/fn/{name}", s.handleFunction)
		s.wsHub.RegisterRoute(s.mux)
	})
	return s.mux
}

// StartServer compiles missing artifacts, loads every artifact in the
// output dir, watches it for changes and serves HTTP until exitChan fires.
func (s *Server) StartServer(wg *sync.WaitGroup) {
	handler := s.Handler()

	outDir := s.path(s.outputDir)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		s.logger("Output dir:", err)
	}

	s.compileMissing(context.Background())
	if err := s.RestartServer(); err != nil {
		s.logger("Loading modules failed:", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		s.watcher = watcher
		if err := s.watcher.Add(outDir); err != nil {
			s.logger("Watcher add failed:", err)
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.watch(watcher)
			}()
		}
	} else {
		s.logger("Watcher failed to start:", err)
	}

	s.httpSrv = &http.Server{
		Addr:    ":" + s.port,
		Handler: handler,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			if err := s.httpSrv.ListenAndServe(); err != http.ErrServerClosed {
				s.logger("HTTP server error:", err)
			}
		}()

		<-s.exitChan
		if err := s.StopServer(); err != nil {
			s.logger("Stop server:", err)
		}
	}()
}

func (s *Server) watch(watcher *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if ext := filepath.Ext(ev.Name); ext == ".wasm" && !isBuildTemp(ev.Name) {
				if err := s.NewFileEvent(filepath.Base(ev.Name), ext, ev.Name, "write"); err != nil {
					s.logger("Reload", ev.Name, "failed:", err)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger("Watcher error:", err)
		}
	}
}

// StopServer drains and closes every module and shuts the HTTP server down.
func (s *Server) StopServer() error {
	var err error
	if s.watcher != nil {
		err = multierr.Append(err, s.watcher.Close())
	}

	ctx := context.Background()

	s.mu.Lock()
	mods := make([]*Module, 0, len(s.modules))
	for _, mod := range s.modules {
		mods = append(mods, mod)
	}
	s.modules = make(map[string]*Module)
	for name, cancel := range s.subs {
		cancel()
		delete(s.subs, name)
	}
	s.mu.Unlock()

	s.muMw.Lock()
	for _, mw := range s.middlewares {
		mods = append(mods, mw.Module)
	}
	s.middlewares = nil
	s.muMw.Unlock()

	for _, mod := range mods {
		err = multierr.Append(err, mod.Drain(ctx, s.drainTimeout))
		err = multierr.Append(err, mod.Close(ctx))
	}

	if s.httpSrv != nil {
		err = multierr.Append(err, s.httpSrv.Shutdown(ctx))
	}
	return err
}

// RestartServer reloads every artifact in the output dir.
func (s *Server) RestartServer() error {
	files, err := filepath.Glob(filepath.Join(s.path(s.outputDir), "*.wasm"))
	if err != nil {
		return err
	}
	for _, file := range files {
		if isBuildTemp(file) {
			continue
		}
		wasm, err := os.ReadFile(file)
		if err != nil {
			s.logger("Read", file, "failed:", err)
			continue
		}
		name := filepath.Base(file)
		name = name[:len(name)-len(filepath.Ext(name))]
		if err := s.swapModule(name, wasm); err != nil {
			s.logger("Load", name, "failed:", err)
		}
	}
	return nil
}

// NewFileEvent reloads the module behind a changed artifact.
func (s *Server) NewFileEvent(fileName, extension, filePath, op string) error {
	if (op == "write" || op == "create") && extension == ".wasm" && !isBuildTemp(fileName) {
		name := fileName[:len(fileName)-len(extension)]
		wasm, err := os.ReadFile(filePath)
		if err != nil {
			return err
		}
		return s.swapModule(name, wasm)
	}
	return nil
}

// Module returns the function loaded under name, or nil.
func (s *Server) Module(name string) *Module {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.modules[name]
}

// Invoke runs the middleware pipeline for name and then the function itself.
// Every module involved counts the request as in flight until it returns,
// so a concurrent reload drains before closing them.
func (s *Server) Invoke(ctx context.Context, name string, ev *Event) error {
	mod := s.acquire(name)
	if mod == nil {
		return &InvokeError{Function: name, RequestID: ev.RequestID(), Cause: ErrModuleNotFound}
	}
	defer mod.release()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	culprit, err := s.run(ctx, name, mod, ev)
	s.record(name, ev, start, err)

	if err != nil {
		if closedByContext(err) {
			// the runtime closed the instance when ctx ended
			go s.reload(culprit)
		}
		return &InvokeError{Function: name, RequestID: ev.RequestID(), Cause: err}
	}
	return nil
}

// acquire returns the function loaded under name, marked in flight.
func (s *Server) acquire(name string) *Module {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mod := s.modules[name]
	if mod != nil {
		mod.acquire()
	}
	return mod
}

func (s *Server) run(ctx context.Context, name string, mod *Module, ev *Event) (*Module, error) {
	s.muMw.RLock()
	pipeline := applyPipeline(name, s.middlewares)
	for _, mw := range pipeline {
		mw.Module.acquire()
	}
	s.muMw.RUnlock()

	defer func() {
		for _, mw := range pipeline {
			mw.Module.release()
		}
	}()

	for _, mw := range pipeline {
		if err := mw.Run(ctx, ev); err != nil {
			return mw.Module, err
		}
	}
	return mod, mod.Invoke(ctx, ev)
}

// Trigger invokes name with an event that carries payload but no HTTP facet.
// Publishing on the bus topic "fn/<name>" does the same.
func (s *Server) Trigger(ctx context.Context, name string, payload []byte) error {
	return s.Invoke(ctx, name, NewPubSubEvent(payload))
}

func (s *Server) handleFunction(w http.ResponseWriter, r *http.Request) {
	ev, err := NewHTTPEvent(r, s.maxBodyBytes, s.maxResponseBytes)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.Header().Set("X-Request-Id", ev.RequestID())

	if err := s.Invoke(r.Context(), r.PathValue("name"), ev); err != nil {
		s.logger("Invoke:", err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	w.WriteHeader(ev.Status())
	w.Write(ev.Response())
}

// statusClientClosedRequest is logged for requests the client abandoned.
const statusClientClosedRequest = 499

// statusFor maps an invocation error to the HTTP status sent to the client.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrModuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrCanceled):
		return statusClientClosedRequest
	}

	switch event.ToErrno(err) {
	case event.ErrnoInvalidEncoding:
		return http.StatusBadRequest
	case event.ErrnoDenied:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func (s *Server) hostBuilder() *HostBuilder {
	s.hostOnce.Do(func() {
		s.host = NewHostBuilder(s.bus, s.logger)
	})
	return s.host
}

func (s *Server) path(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(s.appRootDir, dir)
}

// compileMissing builds modulesDir/<name>/wasm for every name without an
// artifact in the output dir.
func (s *Server) compileMissing(ctx context.Context) {
	if s.builder == nil {
		return
	}
	dirs, err := filepath.Glob(filepath.Join(s.path(s.modulesDir), "*", "wasm"))
	if err != nil {
		return
	}
	for _, dir := range dirs {
		name := filepath.Base(filepath.Dir(dir))
		out := filepath.Join(s.path(s.outputDir), name+".wasm")
		if _, err := os.Stat(out); err == nil {
			continue
		}
		if err := s.builder.Compile(ctx, dir, out); err != nil {
			s.logger("Compile", name, "failed:", err)
		}
	}
}

// swapModule loads a new module, initializes it, then replaces the old one.
// Modules with a rule.txt next to their sources become middleware.
func (s *Server) swapModule(name string, wasmBytes []byte) error {
	return s.replaceModule(name, wasmBytes, nil)
}

// replaceModule is swapModule, except that a non-nil expect makes the swap
// conditional: it only happens while expect is still loaded under name.
func (s *Server) replaceModule(name string, wasmBytes []byte, expect *Module) error {
	ctx := context.Background()

	newMod, err := Load(ctx, name, wasmBytes, s.hostBuilder())
	if err != nil {
		s.logger("Load module error:", err)
		return err
	}

	if err := newMod.Init(ctx); err != nil {
		s.logger("Init module error:", err)
		newMod.Close(ctx)
		return err
	}

	var oldMod *Module
	swapped := true
	if rule, ok := loadRuleFromSourceDir(s.path(s.modulesDir), name); ok {
		oldMod, swapped = s.swapMiddleware(&MiddlewareModule{Module: newMod, Rule: rule}, expect)
	} else {
		s.mu.Lock()
		oldMod = s.modules[name]
		if expect != nil && oldMod != expect {
			swapped = false
		} else {
			s.modules[name] = newMod
			if _, ok := s.subs[name]; !ok {
				s.subs[name] = s.subscribe(name)
			}
		}
		s.mu.Unlock()
	}

	if !swapped {
		newMod.Close(ctx)
		s.logger("Skip reload of", name+": a newer module is loaded")
		return nil
	}

	if oldMod != nil {
		oldMod.Drain(ctx, s.drainTimeout)
		oldMod.Close(ctx)
	}

	s.logger("Loaded", name)
	return nil
}

// swapMiddleware replaces the middleware with the same name, keeping its
// position in the pipeline, or appends mw. It returns the replaced module.
// With a non-nil expect, mw only goes in over expect; ok is false otherwise.
func (s *Server) swapMiddleware(mw *MiddlewareModule, expect *Module) (old *Module, ok bool) {
	s.muMw.Lock()
	defer s.muMw.Unlock()

	for i, cur := range s.middlewares {
		if cur.Module.name == mw.Module.name {
			if expect != nil && cur.Module != expect {
				return cur.Module, false
			}
			s.middlewares[i] = mw
			return cur.Module, true
		}
	}
	if expect != nil {
		return nil, false
	}
	s.middlewares = append(s.middlewares, mw)
	return nil, true
}

// subscribe wires the bus topic "fn/<name>" to Trigger.
func (s *Server) subscribe(name string) func() {
	sub := s.bus.Subscribe("fn/"+name, func(msg binary.Message) {
		if err := s.Trigger(context.Background(), name, msg.Payload); err != nil {
			s.logger("Trigger:", err)
		}
	})
	return func() { sub.Cancel() }
}

func (s *Server) reload(mod *Module) {
	if mod == nil {
		return
	}
	if err := s.replaceModule(mod.name, mod.wasm, mod); err != nil {
		s.logger("Reload", mod.name, "failed:", err)
	}
}
