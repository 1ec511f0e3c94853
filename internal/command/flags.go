// Package command implements the tagcast CLI commands.
package command

import (
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/ayusman/tagcast/internal/config"
)

// Exit codes of the run command.
const (
	exitPipelineFailure = 1
	exitConfigError     = 2
)

// Version is the tagcast release, overridden via ldflags.
var Version = "0.3.0"

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to YAML config file",
		EnvVars: []string{"TAGCAST_CONFIG"},
	}
}

func storeFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "db",
		Usage:   "Path to the SQLite database (overrides store.path)",
		EnvVars: []string{"TAGCAST_DB"},
	}
}

// loadConfig reads --config when given, otherwise the built-in defaults,
// and applies the flags that override file values.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Read(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("device") {
		cfg.Capture.Device = c.String("device")
	}
	if c.IsSet("broker") {
		cfg.Broker.Address = c.String("broker")
	}
	if c.IsSet("db") {
		cfg.Store.Path = c.String("db")
	}
	if c.IsSet("http") {
		cfg.HTTP.Addr = c.String("http")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}
