package main

import (
	"github.com/urfave/cli/v3"

	"github.com/npuw-go/npuw/internal/npuconfig"
)

// applyServeConfig applies config file defaults to serve command
// variables when the corresponding CLI flag was not explicitly set,
// mirroring cmd/npuwrun's applyRunConfig.
func applyServeConfig(c *cli.Command, cfg npuconfig.Config) {
	if cfg.FuncallAsync != nil && !c.IsSet("funcall-async") {
		funcallAsync = *cfg.FuncallAsync
	}
	if cfg.Gate != "" && !c.IsSet("funcall-async-submodels") {
		funcallAsyncSubmodels = cfg.Gate
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}
