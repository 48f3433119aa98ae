package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/ctxinterrupt"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"

	bridge "github.com/vitest-tools/vitest-bridge"
	"github.com/vitest-tools/vitest-bridge/discovery"
	"github.com/vitest-tools/vitest-bridge/flags"
	"github.com/vitest-tools/vitest-bridge/resolver"
	"github.com/vitest-tools/vitest-bridge/rpc"
	"github.com/vitest-tools/vitest-bridge/service"
	"github.com/vitest-tools/vitest-bridge/worker"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "vitest-bridge"
	app.Usage = "Vitest Editor Integration Bridge"
	app.Description = "vitest-bridge discovers Vitest projects and hosts test workers for editor integrations"
	app.Flags = cliapp.ProtectFlags(flags.Flags)
	app.Action = cliapp.LifecycleCmd(run)
	app.Commands = []*cli.Command{
		{
			Name:   "discover",
			Usage:  "Run one discovery pass and print the projects found",
			Flags:  cliapp.ProtectFlags(flags.Flags),
			Action: discover,
		},
		{
			Name:   "worker",
			Usage:  "Run as a worker process speaking the bridge protocol on stdio",
			Hidden: true,
			Flags:  cliapp.ProtectFlags(append([]cli.Flag{flags.NodeBinary}, oplog.CLIFlags(flags.EnvVarPrefix)...)),
			Action: runWorker,
		},
	}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			cli.HandleExitCoder(exitErr)
		} else if err != nil {
			if bridge.IsRuntimeError(err) {
				cli.HandleExitCoder(cli.Exit(err.Error(), 2))
			} else {
				cli.HandleExitCoder(cli.Exit(err.Error(), 1))
			}
		}
	}

	// Worker mode owns stdout for the wire protocol, so the operational
	// servers and telemetry only run in controller mode.
	if len(os.Args) > 1 && os.Args[1] == "worker" {
		ctx := ctxinterrupt.WithSignalWaiterMain(context.Background())
		if err := app.RunContext(ctx, os.Args); err != nil {
			log.Crit("Worker failed", "message", err)
		}
		return
	}

	otelShutdown, err := otelconfig.ConfigureOpenTelemetry(
		otelconfig.WithServiceName(app.Name),
		otelconfig.WithServiceVersion(app.Version),
	)
	if err != nil {
		log.Crit("Failed to setup open telemetry", "message", err)
	}
	defer otelShutdown()

	ctx := context.Background()

	svc := service.New(service.Config{})
	svc.Start(ctx)
	defer svc.Shutdown()

	ctx = ctxinterrupt.WithSignalWaiterMain(ctx)
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Crit("Application failed", "message", err)
	}
}

func run(ctx *cli.Context, closeApp context.CancelCauseFunc) (cliapp.Lifecycle, error) {
	logCfg := oplog.ReadCLIConfig(ctx)
	logger := oplog.NewLogger(oplog.AppOut(ctx), logCfg)
	oplog.SetGlobalLogHandler(logger.Handler())
	oplog.SetupDefaults()

	cfg, err := bridge.NewConfig(ctx, logger)
	if err != nil {
		return nil, bridge.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}

	cfg.Log.Debug("Config", "config", cfg)

	svc, err := bridge.New(ctx.Context, cfg, Version, closeApp)
	if err != nil {
		return nil, bridge.NewRuntimeError(fmt.Errorf("failed to create bridge: %w", err))
	}

	return svc, nil
}

// discover runs one discovery pass and prints the result without launching
// any workers.
func discover(ctx *cli.Context) error {
	logCfg := oplog.ReadCLIConfig(ctx)
	logger := oplog.NewLogger(oplog.AppOut(ctx), logCfg)
	oplog.SetGlobalLogHandler(logger.Handler())

	cfg, err := bridge.NewConfig(ctx, logger)
	if err != nil {
		return bridge.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}

	res, err := resolver.New(resolver.Config{
		Log:            logger,
		MinimumVersion: cfg.MinimumVersion,
	})
	if err != nil {
		return bridge.NewRuntimeError(err)
	}
	eng, err := discovery.NewEngine(discovery.Config{
		Log:                 logger,
		Resolver:            res,
		Folders:             cfg.Folders,
		ExcludeGlob:         cfg.ExcludeGlob,
		WorkspaceConfigPath: cfg.WorkspaceConfigPath,
		RootConfigPath:      cfg.RootConfigPath,
	})
	if err != nil {
		return bridge.NewRuntimeError(err)
	}

	projects, err := eng.Discover(ctx.Context, true)
	if err != nil {
		return bridge.NewRuntimeError(fmt.Errorf("discovery failed: %w", err))
	}
	bridge.PrintProjectsTable(os.Stdout, projects)
	return nil
}

// runWorker hosts test execution contexts, taking orders over stdio. Logs go
// to stderr because stdout carries the protocol.
func runWorker(ctx *cli.Context) error {
	logCfg := oplog.ReadCLIConfig(ctx)
	logger := oplog.NewLogger(os.Stderr, logCfg)
	oplog.SetGlobalLogHandler(logger.Handler())

	ch := rpc.NewPipeChannel(os.Stdin, os.Stdout, nil)
	w, err := worker.New(worker.Config{
		Log:        logger,
		Channel:    ch,
		NodeBinary: ctx.String(flags.NodeBinary.Name),
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	logger.Info("Worker started", "pid", os.Getpid())
	if err := w.Run(ctx.Context); err != nil {
		logger.Error("Worker exited with error", "error", err)
		return err
	}
	logger.Info("Worker stopped")
	return nil
}
