package httpfn

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tinywasm/gobuild"
)

// DefaultCompileTimeout bounds a single guest build.
const DefaultCompileTimeout = 2 * time.Minute

// Builder turns a guest source directory into a .wasm artifact.
type Builder interface {
	Compile(ctx context.Context, srcDir, outFile string) error
}

// Compiler builds guests as wasip1 reactors with go or tinygo.
type Compiler struct {
	command string
	tinygo  bool
	env     []string
	timeout time.Duration
	logger  func(msg ...any)
}

func NewCompiler() *Compiler {
	return &Compiler{
		command: "go",
		timeout: DefaultCompileTimeout,
		logger:  func(msg ...any) {},
	}
}

func (c *Compiler) SetCommand(cmd string) *Compiler {
	c.command = cmd
	return c
}

// SetTinyGo switches to tinygo flags. The command is set to "tinygo" unless
// SetCommand picked something else.
func (c *Compiler) SetTinyGo(on bool) *Compiler {
	c.tinygo = on
	if on && c.command == "go" {
		c.command = "tinygo"
	}
	return c
}

// SetEnv appends KEY=VALUE pairs to the build environment.
func (c *Compiler) SetEnv(env ...string) *Compiler {
	c.env = append(c.env, env...)
	return c
}

func (c *Compiler) SetTimeout(d time.Duration) *Compiler {
	c.timeout = d
	return c
}

func (c *Compiler) SetLogger(fn func(msg ...any)) *Compiler {
	c.logger = fn
	return c
}

// Args returns the flags passed after "build" for srcDir. go changes into
// srcDir first (-C) so the package resolves against its own module.
func (c *Compiler) Args(srcDir string) []string {
	if c.tinygo {
		return []string{"-target=wasip1", "-buildmode=c-shared"}
	}
	return []string{"-C", srcDir, "-buildmode=c-shared"}
}

// config describes the build of srcDir into outFile; both paths are absolute.
func (c *Compiler) config(srcDir, outFile string) *gobuild.Config {
	ext := filepath.Ext(outFile)
	input := "."
	if c.tinygo {
		input = srcDir
	}

	return &gobuild.Config{
		Command:                   c.command,
		MainInputFileRelativePath: input,
		OutName:                   strings.TrimSuffix(filepath.Base(outFile), ext),
		Extension:                 ext,
		CompilingArguments:        func() []string { return c.Args(srcDir) },
		OutFolderRelativePath:     filepath.Dir(outFile),
		Logger:                    c.logger,
		Timeout:                   c.timeout,
		Env:                       append([]string{"GOOS=wasip1", "GOARCH=wasm"}, c.env...),
	}
}

// Compile builds srcDir into outFile. The artifact is written to a temp file
// next to outFile and renamed into place, so watchers never load half a build.
func (c *Compiler) Compile(ctx context.Context, srcDir, outFile string) error {
	src, err := filepath.Abs(srcDir)
	if err != nil {
		return err
	}
	out, err := filepath.Abs(outFile)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return &CompileError{Dir: srcDir, Cause: err}
	}

	gb := gobuild.New(c.config(src, out))
	stop := context.AfterFunc(ctx, func() { gb.Cancel() })
	defer stop()

	c.logger("compiling", srcDir, "→", out)
	if err := gb.CompileProgram(); err != nil {
		return &CompileError{Dir: srcDir, Cause: err}
	}
	return nil
}

// buildTemp matches the temp files gobuild writes before the final rename.
var buildTemp = regexp.MustCompile(`_temp(_\d+)?\.wasm$`)

// isBuildTemp reports whether name is an in-progress build, not an artifact.
func isBuildTemp(name string) bool {
	return buildTemp.MatchString(name)
}
