// sessfuzz is a stateful network protocol fuzzer.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/alecthomas/kong"

	"github.com/sessfuzz/sessfuzz/internal/config"
	"github.com/sessfuzz/sessfuzz/internal/logging"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Global is shared by every command.
type Global struct {
	Config *config.Config
	Logger *logging.Logger
}

// CLI is the command line.
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path (default: ~/.sessfuzz/config.yaml)" type:"path"`
	Env     []string         `help:"Env files loaded before the configuration" default:".env" type:"path"`
	Log     string           `help:"Log level: error|warn|info|debug|trace (overrides config)"`
	Version kong.VersionFlag `name:"version" short:"v" help:"Print version information and exit"`

	Init     InitCmd     `cmd:"" help:"Write a default configuration file"`
	Import   ImportCmd   `cmd:"" help:"Import client sessions from pcap/pcapng captures into a seed directory"`
	Simulate SimulateCmd `cmd:"" help:"Fuzz the built-in FTP simulator"`
	Graph    GraphCmd    `cmd:"" help:"Export or list stored state graphs"`
	Agent    AgentCmd    `cmd:"" help:"Serve the FTP simulator to a remote fuzzer over UDP"`
}

func (c *CLI) configPath() (string, error) {
	if c.Config != "" {
		return c.Config, nil
	}
	return config.DefaultConfigPath()
}

// load reads env files and the configuration and builds the logger.
func (c *CLI) load() (*Global, error) {
	if err := config.LoadEnv(c.Env...); err != nil {
		return nil, err
	}
	path, err := c.configPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return nil, err
	}
	if c.Log != "" {
		cfg.LogLevel = c.Log
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return &Global{Config: cfg, Logger: logging.NewLogger(level)}, nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("sessfuzz"),
		kong.Description("Stateful network protocol fuzzer"),
		kong.UsageOnError(),
		kong.Vars{"version": fmt.Sprintf("sessfuzz %s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)},
	)

	var g *Global
	if ctx.Command() == "init" {
		g = &Global{Config: config.Default(), Logger: logging.NewLogger(logging.LevelInfo)}
	} else {
		var err error
		if g, err = cli.load(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
	}

	if err := ctx.Run(g, &cli); err != nil {
		g.Logger.Error("%v", err)
		os.Exit(1)
	}
}

// InitCmd writes the default configuration.
type InitCmd struct {
	Force bool `help:"Overwrite an existing configuration file"`
}

// Run executes the init command.
func (cmd *InitCmd) Run(g *Global, cli *CLI) error {
	path, err := cli.configPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil && !cmd.Force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := g.Config.SaveTo(path); err != nil {
		return err
	}
	g.Logger.Info("Wrote default configuration to %s", path)
	return nil
}
