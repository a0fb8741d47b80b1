package main

import (
	"sync"

	"github.com/tinywasm/httpfn"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve every function in the output dir under /fn/{name}",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "port",
				Value:   "6060",
				EnvVars: []string{"HTTPFN_PORT"},
			},
			&cli.StringFlag{
				Name:    "root",
				Value:   ".",
				Usage:   "directory the other paths are relative to",
				EnvVars: []string{"HTTPFN_ROOT"},
			},
			&cli.StringFlag{
				Name:    "modules",
				Value:   "modules",
				Usage:   "guest sources, one <name>/wasm package per function",
				EnvVars: []string{"HTTPFN_MODULES"},
			},
			&cli.StringFlag{
				Name:    "output",
				Value:   "modules/dist",
				Usage:   "compiled .wasm artifacts",
				EnvVars: []string{"HTTPFN_OUTPUT"},
			},
			&cli.BoolFlag{
				Name:    "tinygo",
				Usage:   "compile missing artifacts with tinygo",
				EnvVars: []string{"HTTPFN_TINYGO"},
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Value:   httpfn.DefaultTimeout,
				EnvVars: []string{"HTTPFN_TIMEOUT"},
			},
			&cli.DurationFlag{
				Name:    "drain-timeout",
				Value:   httpfn.DefaultDrainTimeout,
				EnvVars: []string{"HTTPFN_DRAIN_TIMEOUT"},
			},
			&cli.Int64Flag{
				Name:    "max-body",
				Value:   httpfn.DefaultMaxBodyBytes,
				EnvVars: []string{"HTTPFN_MAX_BODY"},
			},
			&cli.Int64Flag{
				Name:    "max-response",
				Value:   httpfn.DefaultMaxResponseBytes,
				EnvVars: []string{"HTTPFN_MAX_RESPONSE"},
			},
		},
		Action: serve,
	}
}

func serve(c *cli.Context) error {
	log := logger.Sugar()

	srv := httpfn.New().
		SetPort(c.String("port")).
		SetAppRootDir(c.String("root")).
		SetModulesDir(c.String("modules")).
		SetOutputDir(c.String("output")).
		SetTimeout(c.Duration("timeout")).
		SetDrainTimeout(c.Duration("drain-timeout")).
		SetMaxBodyBytes(c.Int64("max-body")).
		SetMaxResponseBytes(c.Int64("max-response")).
		SetBuilder(httpfn.NewCompiler().SetTinyGo(c.Bool("tinygo")).SetLogger(log.Infoln)).
		SetLogger(log.Infoln)

	exit := make(chan bool)
	srv.SetExitChan(exit)

	var wg sync.WaitGroup
	srv.StartServer(&wg)
	logger.Info("serving functions", zap.String("port", c.String("port")))

	<-c.Context.Done()
	close(exit)
	wg.Wait()

	logger.Info("server stopped")
	return nil
}
