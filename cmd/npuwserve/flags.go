package main

import (
	"time"

	"github.com/urfave/cli/v3"
)

var (
	manifestPath    string
	weightsPath     string
	bankEntriesPath string
	inputsPath      string
	device          string
	failoverDevices string

	funcallAsync          bool
	funcallAsyncSubmodels string

	addr        string
	readTimeout time.Duration

	logLevel  string
	logFormat string
	debug     bool
)

func commonServeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "manifest",
			Usage:       "path to the submodel manifest JSON fixture",
			Destination: &manifestPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "weights",
			Usage:       "path to the raw weights bank file",
			Destination: &weightsPath,
		},
		&cli.StringFlag{
			Name:        "bank-entries",
			Usage:       "path to the bank entry index JSON fixture",
			Destination: &bankEntriesPath,
		},
		&cli.StringFlag{
			Name:        "inputs",
			Usage:       "path to the global input tensors JSON fixture",
			Destination: &inputsPath,
		},
		&cli.StringFlag{
			Name:        "device",
			Usage:       "device to mint compiled submodel bodies for",
			Value:       "cpu",
			Destination: &device,
		},
		&cli.StringFlag{
			Name:        "failover-devices",
			Usage:       "comma-separated device fallback list registered with the reference compiler",
			Destination: &failoverDevices,
		},
		&cli.BoolFlag{
			Name:        "funcall-async",
			Usage:       "enable funcall pipelining (NPUW_FUNCALL_ASYNC)",
			Destination: &funcallAsync,
		},
		&cli.StringFlag{
			Name:        "funcall-async-submodels",
			Usage:       "per-submodel gate for funcall-async (\"\"/NO, YES, or a comma-separated index list)",
			Destination: &funcallAsyncSubmodels,
		},
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8088",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
