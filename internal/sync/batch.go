package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aikasa/drivevec/internal/blob"
)

// Task is one tenant's sync request in batch mode.
type Task struct {
	UUID        string `json:"uuid"`
	DriveURL    string `json:"drive_url"`
	CompanyName string `json:"company_name,omitempty"`
	UseEmbedV4  bool   `json:"use_embed_v4,omitempty"`
}

// ParseTasks decodes the BATCH_TASKS JSON array.
func ParseTasks(raw string) ([]Task, error) {
	var tasks []Task
	if err := json.Unmarshal([]byte(raw), &tasks); err != nil {
		return nil, fmt.Errorf("sync: parsing batch tasks: %w", err)
	}

	return tasks, nil
}

// TenantResult is one tenant's outcome within a batch run.
type TenantResult struct {
	UUID        string `json:"uuid"`
	CompanyName string `json:"company_name,omitempty"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`

	Added   int `json:"added"`
	Deleted int `json:"deleted"`
	Corrupt int `json:"corrupt"`

	DurationSeconds float64 `json:"duration_seconds"`
}

// BatchResult is the run log persisted after a batch.
type BatchResult struct {
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Total      int            `json:"total"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	Results    []TenantResult `json:"results"`
}

// batchLogName names the run log object under logs/.
func batchLogName(ts time.Time) string {
	return "logs/batch_update_results_" + ts.UTC().Format("20060102_150405") + ".json"
}

// RunBatch syncs each task sequentially. A per-tenant failure is recorded
// and the batch continues. The aggregate result is written to the blob
// store under logs/ and returned.
func (e *Engine) RunBatch(ctx context.Context, tasks []Task) (*BatchResult, error) {
	result := &BatchResult{
		StartedAt: time.Now().UTC(),
		Total:     len(tasks),
	}

	e.logger.Info("batch sync starting", slog.Int("tasks", len(tasks)))

	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}

		tr := TenantResult{UUID: task.UUID, CompanyName: task.CompanyName}
		taskStart := time.Now()

		report, err := e.Sync(ctx, task.UUID, task.DriveURL, task.UseEmbedV4)
		tr.DurationSeconds = time.Since(taskStart).Seconds()

		if err != nil {
			tr.Error = err.Error()
			result.Failed++

			e.logger.Error("batch task failed",
				slog.String("uuid", task.UUID),
				slog.String("company", task.CompanyName),
				slog.String("error", err.Error()))
		} else {
			tr.Success = true
			tr.Added = report.Added
			tr.Deleted = report.Deleted
			tr.Corrupt = report.Corrupt
			result.Succeeded++

			if e.afterTenant != nil {
				if err := e.afterTenant(ctx, task); err != nil {
					e.logger.Error("after-tenant hook failed",
						slog.String("uuid", task.UUID),
						slog.String("error", err.Error()))
				}
			}
		}

		result.Results = append(result.Results, tr)
	}

	result.FinishedAt = time.Now().UTC()

	logName := batchLogName(result.StartedAt)
	if err := blob.WriteJSON(context.WithoutCancel(ctx), e.store, logName, result); err != nil {
		e.logger.Error("writing batch run log failed",
			slog.String("object", logName),
			slog.String("error", err.Error()))
	}

	e.logger.Info("batch sync complete",
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed))

	return result, nil
}
