package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tinywasm/bus"
	"github.com/tinywasm/httpfn"
	"github.com/tinywasm/httpfn/sdk/event"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func invokeCommand() *cli.Command {
	return &cli.Command{
		Name:      "invoke",
		Usage:     "run a compiled function once and print its response",
		ArgsUsage: "<file.wasm>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "body",
				Usage: "request body (read from stdin when unset)",
			},
			&cli.BoolFlag{
				Name:  "no-http",
				Usage: "send a pubsub event without an HTTP facet",
			},
			&cli.Int64Flag{
				Name:  "max-response",
				Value: httpfn.DefaultMaxResponseBytes,
			},
		},
		Action: invoke,
	}
}

func invoke(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return errors.New("invoke: wasm file required")
	}

	wasm, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	body := []byte(c.String("body"))
	if !c.IsSet("body") && !c.Bool("no-http") {
		if body, err = io.ReadAll(c.App.Reader); err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
	}

	hb := httpfn.NewHostBuilder(bus.New(), logger.Sugar().Infoln)
	mod, err := httpfn.Load(c.Context, strings.TrimSuffix(filepath.Base(path), ".wasm"), wasm, hb)
	if err != nil {
		return err
	}
	defer mod.Close(c.Context)

	if err := mod.Init(c.Context); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	ev := httpfn.NewEvent(body, c.Int64("max-response"))
	if c.Bool("no-http") {
		ev = httpfn.NewPubSubEvent(body)
	}

	if err := mod.Invoke(c.Context, ev); err != nil {
		logger.Error("invocation failed",
			zap.String("request_id", ev.RequestID()),
			zap.Uint32("errno", uint32(event.ToErrno(err))),
			zap.Error(err))
		return cli.Exit(err.Error(), 2)
	}

	_, err = c.App.Writer.Write(ev.Response())
	return err
}
