package httpfn

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// Rule selects the functions a middleware module runs in front of.
// It is read from modulesDir/<name>/rule.txt.
type Rule struct {
	All    bool
	Only   []string // run only before these functions
	Except []string // run before every function but these
}

// parseRule parses the content of rule.txt.
//
//	"*" or ""     → Rule{All: true}
//	"users,auth"  → Rule{Only: ["users","auth"]}
//	"-auth"       → Rule{All: true, Except: ["auth"]}
func parseRule(content string) Rule {
	content = strings.TrimSpace(content)
	if content == "*" || content == "" {
		return Rule{All: true}
	}

	var r Rule
	for _, p := range strings.Split(content, ",") {
		p = strings.TrimSpace(p)
		switch {
		case p == "":
		case strings.HasPrefix(p, "-"):
			r.All = true
			r.Except = append(r.Except, p[1:])
		default:
			r.Only = append(r.Only, p)
		}
	}
	return r
}

// MiddlewareModule is a guest that screens events before a function sees them.
// Any result other than success stops the request.
type MiddlewareModule struct {
	Module *Module
	Rule   Rule
}

// Matches reports whether the middleware applies to function fn.
func (mw *MiddlewareModule) Matches(fn string) bool {
	if mw.Rule.All {
		for _, ex := range mw.Rule.Except {
			if ex == fn {
				return false
			}
		}
		return true
	}

	for _, o := range mw.Rule.Only {
		if o == fn {
			return true
		}
	}
	return false
}

// Run invokes the middleware on ev and drops anything it wrote, so only the
// function's own output reaches the client.
func (mw *MiddlewareModule) Run(ctx context.Context, ev *Event) error {
	err := mw.Module.Invoke(ctx, ev)
	ev.discardResponse()
	return err
}

// applyPipeline returns the middlewares for fn in registration order.
func applyPipeline(fn string, middlewares []*MiddlewareModule) []*MiddlewareModule {
	var pipeline []*MiddlewareModule
	for _, mw := range middlewares {
		if mw.Matches(fn) {
			pipeline = append(pipeline, mw)
		}
	}
	return pipeline
}

// loadRuleFromSourceDir reads modulesDir/<name>/rule.txt.
// Returns (Rule{}, false) when absent: the module is a plain function.
func loadRuleFromSourceDir(modulesDir, name string) (Rule, bool) {
	content, err := os.ReadFile(filepath.Join(modulesDir, name, "rule.txt"))
	if err != nil {
		return Rule{}, false
	}
	return parseRule(string(content)), true
}
