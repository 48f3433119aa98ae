package flags

import (
	"fmt"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

const EnvVarPrefix = "VITEST_BRIDGE"

var (
	WorkspaceFolders = &cli.StringSliceFlag{
		Name:     "workspace-folder",
		Required: true,
		EnvVars:  opservice.PrefixEnvVar(EnvVarPrefix, "WORKSPACE_FOLDERS"),
		Usage:    "Workspace folder to scan for Vitest projects. Repeat for multi-root workspaces.",
	}
	ConfigFile = &cli.StringFlag{
		Name:    "config",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CONFIG"),
		Usage:   "Pin discovery to a single Vitest config file instead of scanning",
	}
	WorkspaceConfigFile = &cli.StringFlag{
		Name:    "workspace-config",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "WORKSPACE_CONFIG"),
		Usage:   "Pin discovery to a single Vitest workspace file instead of scanning",
	}
	ExcludeGlob = &cli.StringFlag{
		Name:    "exclude",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "EXCLUDE"),
		Usage:   "Glob of paths to skip during discovery (default '**/{node_modules,.git}/**')",
	}
	MinimumVersion = &cli.StringFlag{
		Name:    "minimum-version",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MINIMUM_VERSION"),
		Usage:   "Lowest Vitest version accepted without a warning (default '1.4.0')",
	}
	NodeBinary = &cli.StringFlag{
		Name:    "node-binary",
		Value:   "node",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "NODE_BINARY"),
		Usage:   "Path to the Node.js binary used to run Vitest",
	}
	WorkerBinary = &cli.StringFlag{
		Name:    "worker-binary",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "WORKER_BINARY"),
		Usage:   "Executable hosting workers. Defaults to the running binary.",
	}
	Watch = &cli.BoolFlag{
		Name:    "watch",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "WATCH"),
		Usage:   "Keep running and re-discover projects when config files change",
	}
	SettingsFile = &cli.StringFlag{
		Name:    "settings",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SETTINGS"),
		Usage:   "Path to a YAML settings file (eg. 'vitest-bridge.yaml')",
	}
)

var requiredFlags = []cli.Flag{
	WorkspaceFolders,
}

var optionalFlags = []cli.Flag{
	ConfigFile,
	WorkspaceConfigFile,
	ExcludeGlob,
	MinimumVersion,
	NodeBinary,
	WorkerBinary,
	Watch,
	SettingsFile,
}
var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
