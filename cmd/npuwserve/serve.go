package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"
	"golang.org/x/time/rate"

	"github.com/npuw-go/npuw/internal/engine"
	"github.com/npuw-go/npuw/internal/fixture"
	"github.com/npuw-go/npuw/internal/logger"
	"github.com/npuw-go/npuw/internal/npuconfig"
	"github.com/npuw-go/npuw/internal/opsapi"
	"github.com/npuw-go/npuw/internal/tensor"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Load a decomposed model fixture and serve its ops HTTP surface",
		Flags: append(commonServeFlags(), loggingFlags()...),
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := npuconfig.Load()
			applyServeConfig(c, cfg)

			log := newLogger()
			ctx = logger.WithContext(ctx, log)

			model, compiler, closeBank, err := fixture.BuildModel(manifestPath, weightsPath, bankEntriesPath, device, failoverDevices)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if closeBank != nil {
				defer func() { _ = closeBank() }()
			}

			ins, err := fixture.LoadGlobalInputs(&model, inputsPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("load inputs: %v", err), 1)
			}
			// See cmd/npuwrun's identical simplification: the manifest fixture
			// format carries no explicit output shape, so every global output
			// is assumed to match the first global input's shape.
			outs := make([]tensor.Tensor, len(model.Links.OutputsToSubmodelOutputs))
			for i := range model.Links.OutputsToSubmodelOutputs {
				outs[i] = tensor.NewContiguous(ins[0].DType, ins[0].Shape)
			}

			e, err := engine.New(engine.Config{
				Model:         &model,
				GlobalInputs:  ins,
				GlobalOutputs: outs,
				Options:       npuconfig.Config{FuncallAsync: &funcallAsync, Gate: funcallAsyncSubmodels},
				Compiler:      compiler,
				FailoverLimit: rate.Inf,
				Log:           log,
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("build engine: %v", err), 1)
			}

			corr, err := e.Infer()
			if err != nil {
				return cli.Exit(fmt.Sprintf("infer: %v", err), 1)
			}
			log.Info("initial inference complete", "correlation_id", corr)

			server := opsapi.NewServer(e.Surface())
			echoApp := echo.New()
			echoApp.Use(middleware.RequestLogger())
			echoApp.Use(middleware.Recover())
			server.Register(echoApp)

			log.Info("starting server", "address", addr)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, echoApp)
		},
	}
}

func newLogger() logger.Logger {
	level := logLevel
	if debug {
		level = "debug"
	}
	switch strings.ToLower(logFormat) {
	case "json":
		return logger.JSON(os.Stderr, logger.ParseLevel(level))
	case "text":
		return logger.Text(os.Stderr, logger.ParseLevel(level))
	default:
		return logger.Pretty(os.Stderr, logger.ParseLevel(level))
	}
}
