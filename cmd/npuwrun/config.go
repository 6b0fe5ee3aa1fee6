package main

import (
	"github.com/urfave/cli/v3"

	"github.com/npuw-go/npuw/internal/npuconfig"
)

// applyRunConfig applies config file defaults to run command variables
// when the corresponding CLI flag was not explicitly set, following the
// same Destination-pointer + IsSet override pattern the file-loaded
// defaults use everywhere else in this command tree.
func applyRunConfig(c *cli.Command, cfg npuconfig.Config) {
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
