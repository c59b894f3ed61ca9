package main

import (
	"context"
	"errors"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/bl1231/bilbomd-worker/cmd/worker/cmds"
	"github.com/bl1231/bilbomd-worker/internal/logger"
	otelbilbomd "github.com/bl1231/bilbomd-worker/internal/otel"
	"github.com/bl1231/bilbomd-worker/internal/types"
	workererrors "github.com/bl1231/bilbomd-worker/internal/worker_errors"
)

var tracer = otel.Tracer("github.com/bl1231/bilbomd-worker/worker")

func runApp(ctx context.Context) int {
	useOTLP, err := strconv.ParseBool(os.Getenv("BILBOMD_USE_OTLP"))
	if err != nil {
		useOTLP = false
	}

	shutdown, err := otelbilbomd.SetupOTelSDK(ctx, useOTLP)
	if err != nil {
		logger.Logger.Warn("failed to setup otel sdk")
	}
	defer func() {
		fail := shutdown(ctx)
		if fail != nil {
			logger.Logger.Warn("no clean shutdown for otel", "error", fail)
		}
	}()

	ctx, span := tracer.Start(ctx, "Worker", trace.WithNewRoot())
	defer span.End()

	err = cmds.Execute(ctx)
	if err != nil {
		logger.Logger.Error("error executing subcommands", "error", err)

		var ee workererrors.ExitError
		if errors.As(err, &ee) {
			return ee.Code
		}
		return types.ExitErrored
	}

	return 0
}

func main() {
	logger.InitSlog()

	ctx := context.Background()

	os.Exit(runApp(ctx))
}
