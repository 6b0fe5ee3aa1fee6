package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	gojson "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"golang.org/x/time/rate"

	"github.com/npuw-go/npuw/internal/engine"
	"github.com/npuw-go/npuw/internal/fixture"
	"github.com/npuw-go/npuw/internal/logger"
	"github.com/npuw-go/npuw/internal/npuconfig"
	"github.com/npuw-go/npuw/internal/tensor"
)

func runCmd() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run one inference pass over a decomposed model fixture",
		Flags: append(commonRunFlags(), loggingFlags()...),
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := npuconfig.Load()
			applyRunConfig(c, cfg)

			log := newLogger()

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
			// The manifest fixture format carries no explicit output shape, so
			// the CLI demo assumes every global output has the same shape as
			// the first global input. Real device drivers report their own
			// output shapes; this is a fixture-only simplification.
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
			log.Info("inference complete", "correlation_id", corr)

			for i, o := range outs {
				fmt.Printf("output %d: %v\n", i, summarizeTensor(o))
			}
			return nil
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

func summarizeTensor(t tensor.Tensor) string {
	raw, err := gojson.Marshal(t.Shape)
	if err != nil {
		return fmt.Sprintf("<shape error: %v>", err)
	}
	return fmt.Sprintf("shape=%s dtype=%s bytes=%d", raw, t.DType, len(t.Data))
}
