//go:build unix

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"

	"github.com/ZenLiuCN/kload"
	"github.com/ZenLiuCN/kload/hosted"
)

func main() {
	app := newApp(hosted.NewOSFiles().Fs)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "kload: %v\n", err)
		os.Exit(1)
	}
}

// commands holds what every subcommand reads from.
type commands struct {
	fs afero.Fs
}

func newApp(fs afero.Fs) *cli.App {
	c := commands{fs: fs}
	app := cli.NewApp()
	app.Name = "kload"
	app.Usage = "load i386 executables and link kernel modules into a hosted machine"
	app.Description = "kload maps ELF executables at their link addresses and links relocatable modules against a kernel symbol table, inside an ordinary process"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}, Usage: "log every segment, section and symbol"},
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "yaml config file"},
		&cli.BoolFlag{Name: "lenient", Usage: "warn instead of failing on unresolved kernel symbols"},
		&cli.BoolFlag{Name: "stats", Usage: "print loader counters on exit"},
		&cli.IntFlag{Name: "frames", Value: 1024, Usage: "pages of simulated physical memory"},
	}
	symbolFlags := []cli.Flag{
		&cli.StringFlag{Name: "ksym", Aliases: []string{"k"}, Usage: "binary kernel symbol table"},
		&cli.BoolFlag{Name: "host", Usage: "also export the symbols of this binary"},
	}
	app.Commands = []*cli.Command{
		{
			Name:      "inspect",
			Usage:     "describe ELF files",
			ArgsUsage: "FILE...",
			Action:    c.inspect,
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "dump", Usage: "dump the parsed headers"},
			},
		},
		{
			Name:      "exec",
			Usage:     "load an executable, dry run it and release it",
			ArgsUsage: "FILE [ARGS...]",
			Action:    c.execute,
		},
		{
			Name:      "insmod",
			Usage:     "link modules and call their module_init",
			ArgsUsage: "FILE...",
			Action:    c.insmod,
			Flags: append([]cli.Flag{
				&cli.StringFlag{Name: "symbols", Aliases: []string{"s"}, Usage: "System.map style kernel symbol table"},
			}, symbolFlags...),
		},
		{
			Name:      "symbols",
			Usage:     "list the exported kernel symbol table",
			ArgsUsage: "[MAP]",
			Action:    c.symbols,
			Flags:     symbolFlags,
		},
	}
	return app
}

// env is what a loading command shares: config, logger and metrics.
type env struct {
	config   kload.Config
	logger   log.Logger
	out      io.Writer
	registry *prometheus.Registry
	metrics  *kload.Metrics
	stats    bool
}

func (c commands) setup(ctx *cli.Context) (*env, error) {
	conf := kload.DefaultConfig()
	if path := ctx.String("config"); path != "" {
		var err error
		if conf, err = kload.LoadConfig(c.fs, path); err != nil {
			return nil, err
		}
	}
	if ctx.IsSet("debug") {
		conf.Debug = ctx.Bool("debug")
	}
	if ctx.IsSet("lenient") {
		conf.LenientExternals = ctx.Bool("lenient")
	}
	logger := log.NewLogfmtLogger(log.NewSyncWriter(ctx.App.ErrWriter))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	reg := prometheus.NewRegistry()
	return &env{
		config:   conf,
		logger:   logger,
		out:      ctx.App.Writer,
		registry: reg,
		metrics:  kload.NewMetrics(reg),
		stats:    ctx.Bool("stats"),
	}, nil
}

func (e *env) loader(k kload.Kernel) *kload.Loader {
	return kload.NewLoader(k, kload.WithConfig(e.config), kload.WithLogger(e.logger), kload.WithMetrics(e.metrics))
}

// done prints the counters when asked to.
func (e *env) done() {
	if !e.stats {
		return
	}
	families, err := e.registry.Gather()
	if err != nil {
		level.Error(e.logger).Log("msg", "gather metrics", "err", err)
		return
	}
	for _, mf := range families {
		if _, err = expfmt.MetricFamilyToText(e.out, mf); err != nil {
			level.Error(e.logger).Log("msg", "write metrics", "err", err)
			return
		}
	}
}
