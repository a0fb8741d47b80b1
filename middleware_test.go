package httpfn

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/tinywasm/httpfn/sdk/event"
)

func TestParseRule(t *testing.T) {
	tests := []struct {
		content string
		want    Rule
	}{
		{"*", Rule{All: true}},
		{"", Rule{All: true}},
		{"  ", Rule{All: true}},
		{"users,auth", Rule{Only: []string{"users", "auth"}}},
		{"-auth", Rule{All: true, Except: []string{"auth"}}},
		{"users,-admin", Rule{Only: []string{"users"}, All: true, Except: []string{"admin"}}},
	}

	for _, tt := range tests {
		got := parseRule(tt.content)
		if got.All != tt.want.All || !reflect.DeepEqual(got.Only, tt.want.Only) || !reflect.DeepEqual(got.Except, tt.want.Except) {
			t.Errorf("parseRule(%q) = %+v, want %+v", tt.content, got, tt.want)
		}
	}
}

func TestMiddlewareModule_Matches(t *testing.T) {
	mws := []struct {
		name  string
		rule  Rule
		tests map[string]bool
	}{
		{"all", Rule{All: true}, map[string]bool{"any": true, "other": true}},
		{"only", Rule{Only: []string{"users", "auth"}}, map[string]bool{"users": true, "auth": true, "other": false}},
		{"except", Rule{All: true, Except: []string{"auth"}}, map[string]bool{"users": true, "auth": false, "any": true}},
	}

	for _, tt := range mws {
		mw := &MiddlewareModule{Rule: tt.rule}
		for route, want := range tt.tests {
			if got := mw.Matches(route); got != want {
				t.Errorf("Middleware(%s).Matches(%s) = %v, want %v", tt.name, route, got, want)
			}
		}
	}
}

func TestApplyPipeline(t *testing.T) {
	mws := []*MiddlewareModule{
		{Module: &Module{name: "mw1"}, Rule: Rule{All: true}},
		{Module: &Module{name: "mw2"}, Rule: Rule{Only: []string{"users"}}},
		{Module: &Module{name: "mw3"}, Rule: Rule{All: true, Except: []string{"users"}}},
	}

	// Test for route "users"
	got := applyPipeline("users", mws)
	if len(got) != 2 || got[0].Module.name != "mw1" || got[1].Module.name != "mw2" {
		t.Errorf("Pipeline for 'users' wrong")
	}

	// Test for route "auth"
	got = applyPipeline("auth", mws)
	if len(got) != 2 || got[0].Module.name != "mw1" || got[1].Module.name != "mw3" {
		t.Errorf("Pipeline for 'auth' wrong")
	}
}

func TestMiddlewareModule_RunDiscardsOutput(t *testing.T) {
	mod, _ := loadTestModule(t, "stamp", writerWasm)
	mw := &MiddlewareModule{Module: mod, Rule: Rule{All: true}}

	ev := NewEvent([]byte("body"), 0)
	if err := mw.Run(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if len(ev.Response()) != 0 {
		t.Errorf("middleware output kept: %q", ev.Response())
	}
}

func TestMiddlewareModule_RunDenied(t *testing.T) {
	mod, _ := loadTestModule(t, "guard", constHandleWasm(event.ErrnoDenied))
	mw := &MiddlewareModule{Module: mod}

	err := mw.Run(context.Background(), NewEvent(nil, 0))
	if !errors.Is(err, event.ErrnoDenied) {
		t.Errorf("expected ErrnoDenied, got %v", err)
	}
}

func TestServer_SwapMiddleware(t *testing.T) {
	srv := New()

	first := &MiddlewareModule{Module: &Module{name: "auth"}, Rule: Rule{All: true}}
	other := &MiddlewareModule{Module: &Module{name: "cors"}, Rule: Rule{All: true}}
	if old, ok := srv.swapMiddleware(first, nil); old != nil || !ok {
		t.Error("first registration replaced something")
	}
	srv.swapMiddleware(other, nil)

	second := &MiddlewareModule{Module: &Module{name: "auth"}, Rule: Rule{Only: []string{"users"}}}
	if old, ok := srv.swapMiddleware(second, nil); old != first.Module || !ok {
		t.Error("reload did not return the previous module")
	}

	srv.muMw.RLock()
	defer srv.muMw.RUnlock()
	if len(srv.middlewares) != 2 || srv.middlewares[0] != second || srv.middlewares[1] != other {
		t.Errorf("reload changed pipeline order: %v", srv.middlewares)
	}
}

func TestServer_SwapMiddlewareExpect(t *testing.T) {
	srv := New()

	current := &MiddlewareModule{Module: &Module{name: "auth"}}
	srv.swapMiddleware(current, nil)

	stale := &Module{name: "auth"}
	if _, ok := srv.swapMiddleware(&MiddlewareModule{Module: &Module{name: "auth"}}, stale); ok {
		t.Error("swapped over a module that is no longer loaded")
	}
	if _, ok := srv.swapMiddleware(&MiddlewareModule{Module: &Module{name: "gone"}}, stale); ok {
		t.Error("conditional swap appended a new middleware")
	}

	next := &MiddlewareModule{Module: &Module{name: "auth"}}
	if old, ok := srv.swapMiddleware(next, current.Module); !ok || old != current.Module {
		t.Error("conditional swap over the loaded module failed")
	}

	srv.muMw.RLock()
	defer srv.muMw.RUnlock()
	if len(srv.middlewares) != 1 || srv.middlewares[0] != next {
		t.Errorf("middlewares = %v", srv.middlewares)
	}
}

func TestLoadRuleFromSourceDir(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "auth"), 0o755)
	os.WriteFile(filepath.Join(dir, "auth", "rule.txt"), []byte("-login\n"), 0o644)

	rule, ok := loadRuleFromSourceDir(dir, "auth")
	if !ok {
		t.Fatal("rule.txt not found")
	}
	if !rule.All || !reflect.DeepEqual(rule.Except, []string{"login"}) {
		t.Errorf("got %+v", rule)
	}

	if _, ok := loadRuleFromSourceDir(dir, "users"); ok {
		t.Error("module without rule.txt reported as middleware")
	}
}

func TestServer_NewFileEvent_Middleware(t *testing.T) {
	srv := newTestServer(t)

	os.MkdirAll(filepath.Join(srv.appRootDir, "modules", "auth"), 0o755)
	os.WriteFile(filepath.Join(srv.appRootDir, "modules", "auth", "rule.txt"), []byte("*"), 0o644)

	path := filepath.Join(srv.appRootDir, "auth.wasm")
	os.WriteFile(path, emptyWasm, 0o644)

	if err := srv.NewFileEvent("auth.wasm", ".wasm", path, "write"); err != nil {
		t.Fatal(err)
	}
	if srv.Module("auth") != nil {
		t.Error("middleware registered as function")
	}

	srv.muMw.RLock()
	n := len(srv.middlewares)
	srv.muMw.RUnlock()
	if n != 1 {
		t.Errorf("expected 1 middleware, got %d", n)
	}
}
