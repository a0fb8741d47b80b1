package main

import (
	"errors"
	"path/filepath"

	"github.com/tinywasm/httpfn"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func buildCommand() *cli.Command {
	return &cli.Command{
		Name:      "build",
		Usage:     "compile a guest package into a wasip1 reactor",
		ArgsUsage: "<src-dir>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "artifact path (default: <name>.wasm)",
			},
			&cli.BoolFlag{
				Name:  "tinygo",
				Usage: "build with tinygo instead of go",
			},
		},
		Action: build,
	}
}

func build(c *cli.Context) error {
	src := c.Args().First()
	if src == "" {
		return errors.New("build: source directory required")
	}

	out := c.String("output")
	if out == "" {
		out = artifactName(src) + ".wasm"
	}

	compiler := httpfn.NewCompiler().
		SetTinyGo(c.Bool("tinygo")).
		SetLogger(logger.Sugar().Debugln)

	if err := compiler.Compile(c.Context, src, out); err != nil {
		return err
	}

	logger.Info("built", zap.String("src", src), zap.String("out", out))
	return nil
}

// artifactName names a build after its function: modules/hello/wasm → hello.
func artifactName(src string) string {
	src = filepath.Clean(src)
	if filepath.Base(src) == "wasm" {
		src = filepath.Dir(src)
	}
	return filepath.Base(src)
}
