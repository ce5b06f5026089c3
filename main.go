package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"regression-trainer/logger"
	"regression-trainer/service/config"
	"regression-trainer/service/trainerr"
	"regression-trainer/service/training"
)

var (
	LOG_LEVEL  = "info"
	LOG_FORMAT = "json"
)

func init() {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		LOG_LEVEL = val
	}

	if val := os.Getenv("LOG_FORMAT"); val != "" {
		LOG_FORMAT = val
	}
}

func main() {
	configPath := flag.String("config", "params.yaml", "path to the YAML params file")
	flag.Parse()

	logger.InitLogger(LOG_LEVEL, LOG_FORMAT)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, *configPath))
}

func run(ctx context.Context, configPath string) int {
	params, err := config.ReadParams(configPath)
	if err != nil {
		return fail(err)
	}

	result, err := training.TrainAndEvaluate(ctx, params, training.Options{})
	if err != nil {
		return fail(err)
	}

	slog.Info("job complete", "run_id", result.RunID, "rmse", result.RMSE, "model_version", result.ModelVersion)
	return trainerr.ExitOK
}

func fail(err error) int {
	code := trainerr.ExitCode(err)
	slog.Error("training job failed", "kind", trainerr.KindOf(err), "exit_code", code, "error", err)
	fmt.Fprintln(os.Stderr, "error:", err)
	return code
}
