/*
 * @module service/training/run_scope
 * @description Opens a tracking run, executes the job body inside it and always ends it
 * @architecture Resource scope - same shape as a transaction wrapper: open, defer close, recover and re-panic
 * @stateFlow StartRun -> body -> End(FINISHED | FAILED | KILLED)
 * @rules
 *   - a body error ends the run FAILED, or KILLED when the context was cancelled
 *   - a panic ends the run FAILED and is then re-raised
 *   - End runs on a context detached from cancellation, bounded by endRunTimeout
 *   - an End failure is reported only when the body itself succeeded
 * @dependencies regression-trainer/tracking_client
 * @refs trainer.go
 */

package training

import (
	"context"
	"log/slog"
	"time"

	"regression-trainer/service/config"
	"regression-trainer/tracking_client"
)

var endRunTimeout = 30 * time.Second

type runBody func(ctx context.Context, run *tracking_client.Run) (*Result, error)

func runScope(ctx context.Context, client *tracking_client.Client, params *config.Params, invocationID string, logger *slog.Logger, body runBody) (result *Result, err error) {
	runName, err := params.GetString("mlflow_config.run_name")
	if err != nil {
		return nil, err
	}
	run, err := client.StartRun(ctx, runName, map[string]string{InvocationTag: invocationID})
	if err != nil {
		return nil, err
	}

	defer func() {
		status := tracking_client.RunStatusFinished
		recovered := recover()
		switch {
		case recovered != nil:
			status = tracking_client.RunStatusFailed
		case err != nil && ctx.Err() != nil:
			status = tracking_client.RunStatusKilled
		case err != nil:
			status = tracking_client.RunStatusFailed
		}

		endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), endRunTimeout)
		defer cancel()
		if endErr := run.End(endCtx, status); endErr != nil {
			logger.Error("could not end run", "run_id", run.ID(), "status", status, "error", endErr)
			if err == nil && recovered == nil {
				result, err = nil, endErr
			}
		}
		if recovered != nil {
			panic(recovered)
		}
		if err != nil {
			logger.Error("run failed", "run_id", run.ID(), "status", status, "error", err)
		}
	}()

	return body(ctx, run)
}
