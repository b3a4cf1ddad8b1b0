// Package jobs launches sync engine workers as Cloud Run Job executions
// with per-run environment overrides. Dispatch is fire-and-forget: the
// returned handle identifies the execution, completion is not awaited.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	run "cloud.google.com/go/run/apiv2"
	"cloud.google.com/go/run/apiv2/runpb"

	"github.com/aikasa/drivevec/internal/sync"
)

// Runner starts one job execution and returns its opaque handle.
type Runner interface {
	StartRun(ctx context.Context, req *runpb.RunJobRequest) (string, error)
}

// CloudRunRunner adapts the Cloud Run Jobs client to Runner.
type CloudRunRunner struct {
	Client *run.JobsClient
}

func (r *CloudRunRunner) StartRun(ctx context.Context, req *runpb.RunJobRequest) (string, error) {
	op, err := r.Client.RunJob(ctx, req)
	if err != nil {
		return "", err
	}

	// The long-running operation name is the execution handle; the caller
	// does not wait for the job to finish.
	return op.Name(), nil
}

// Spec names one tenant's sync run.
type Spec struct {
	UUID       string
	DriveURL   string
	UseEmbedV4 bool
}

// Dispatcher triggers vectorization job executions.
type Dispatcher struct {
	runner  Runner
	jobPath string
	logger  *slog.Logger
}

// NewDispatcher builds a dispatcher for the named job.
func NewDispatcher(runner Runner, project, region, jobName string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		runner:  runner,
		jobPath: fmt.Sprintf("projects/%s/locations/%s/jobs/%s", project, region, jobName),
		logger:  logger,
	}
}

// JobPath returns the fully qualified Cloud Run job name.
func (d *Dispatcher) JobPath() string {
	return d.jobPath
}

// Dispatch starts a single-tenant worker.
func (d *Dispatcher) Dispatch(ctx context.Context, spec Spec) (string, error) {
	env := []*runpb.EnvVar{
		envVar("UUID", spec.UUID),
		envVar("DRIVE_URL", spec.DriveURL),
		envVar("USE_EMBED_V4", boolString(spec.UseEmbedV4)),
	}

	handle, err := d.start(ctx, env)
	if err != nil {
		return "", fmt.Errorf("jobs: dispatching %s: %w", spec.UUID, err)
	}

	d.logger.Info("vectorize job dispatched",
		slog.String("uuid", spec.UUID),
		slog.String("execution", handle))

	return handle, nil
}

// DispatchBatch starts one worker processing all tasks sequentially.
func (d *Dispatcher) DispatchBatch(ctx context.Context, tasks []sync.Task) (string, error) {
	payload, err := json.Marshal(tasks)
	if err != nil {
		return "", fmt.Errorf("jobs: encoding batch tasks: %w", err)
	}

	env := []*runpb.EnvVar{
		envVar("BATCH_MODE", "true"),
		envVar("BATCH_TASKS", string(payload)),
	}

	handle, err := d.start(ctx, env)
	if err != nil {
		return "", fmt.Errorf("jobs: dispatching batch of %d: %w", len(tasks), err)
	}

	d.logger.Info("batch vectorize job dispatched",
		slog.Int("tasks", len(tasks)),
		slog.String("execution", handle))

	return handle, nil
}

func (d *Dispatcher) start(ctx context.Context, env []*runpb.EnvVar) (string, error) {
	return d.runner.StartRun(ctx, &runpb.RunJobRequest{
		Name: d.jobPath,
		Overrides: &runpb.RunJobRequest_Overrides{
			ContainerOverrides: []*runpb.RunJobRequest_Overrides_ContainerOverride{
				{Env: env},
			},
		},
	})
}

func envVar(name, value string) *runpb.EnvVar {
	return &runpb.EnvVar{
		Name:   name,
		Values: &runpb.EnvVar_Value{Value: value},
	}
}

func boolString(b bool) string {
	if b {
		return "true"
	}

	return "false"
}
