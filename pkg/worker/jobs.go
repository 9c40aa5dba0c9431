package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/dispycosnode/pkg/fabric"
	"github.com/cuemby/dispycosnode/pkg/log"
	"github.com/cuemby/dispycosnode/pkg/metrics"
	"github.com/cuemby/dispycosnode/pkg/types"
	"github.com/google/uuid"
)

// handleRun decodes a run request and launches the named task in its
// own goroutine, tracked under a fresh job id so it can be cancelled
// independently of every other job the worker is serving.
func (w *Worker) handleRun(msg fabric.Message) {
	w.mu.RLock()
	closing := w.closing
	w.mu.RUnlock()
	if closing {
		w.replyRunRejected(msg, "worker is closing")
		return
	}

	job, err := decodeJob(msg.Payload)
	if err != nil {
		w.replyRunRejected(msg, err.Error())
		return
	}

	jobID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	w.mu.Lock()
	w.jobs[jobID] = cancel
	w.mu.Unlock()

	metrics.JobsStartedTotal.Inc()
	go w.executeJob(ctx, jobID, msg.From, job)
}

func decodeJob(payload map[string]interface{}) (types.Job, error) {
	raw, _ := payload["job"].(map[string]interface{})
	if raw == nil {
		return types.Job{}, fmt.Errorf("worker: run request missing job field")
	}
	name, _ := raw["name"].(string)
	if name == "" {
		return types.Job{}, fmt.Errorf("worker: run request job has no name")
	}

	job := types.Job{Name: name}
	if args, ok := raw["args"].(string); ok {
		job.Args = []byte(args)
	}
	if kwargs, ok := raw["kwargs"].(string); ok {
		job.Kwargs = []byte(kwargs)
	}
	return job, nil
}

func (w *Worker) executeJob(ctx context.Context, jobID string, client types.Endpoint, job types.Job) {
	defer w.finishJob(jobID)

	value, err := w.cfg.Registry.Run(ctx, job.Name, job.Args, job.Kwargs)
	result := types.JobResult{JobID: jobID, ExitedAt: time.Now()}

	if err != nil {
		metrics.JobsFailedTotal.Inc()
		result.Err = err.Error()
	} else if value != nil {
		data, merr := json.Marshal(value)
		if merr != nil {
			result.Value = []byte(fmt.Sprintf("%T", value))
			result.Err = merr.Error()
		} else {
			result.Value = data
		}
	}

	w.reportResult(client, result)
}

func (w *Worker) finishJob(jobID string) {
	w.mu.Lock()
	delete(w.jobs, jobID)
	w.mu.Unlock()
	w.busyTime.Store(time.Now().Unix())
}

func (w *Worker) reportResult(client types.Endpoint, result types.JobResult) {
	err := w.cfg.Fabric.Send(fabric.Message{
		To:   client,
		From: w.self,
		Payload: map[string]interface{}{
			"kind":      "job_result",
			"job_id":    result.JobID,
			"value":     string(result.Value),
			"error":     result.Err,
			"exited_at": result.ExitedAt.Unix(),
		},
	})
	if err != nil {
		log.Warn(fmt.Sprintf("worker: failed to report result for job %s to %s: %v", result.JobID, client.Location(), err))
	}
}

func (w *Worker) replyRunRejected(msg fabric.Message, reason string) {
	_ = w.cfg.Fabric.Send(fabric.Message{
		To:   msg.From,
		From: w.self,
		Payload: map[string]interface{}{
			"kind":  "run_rejected",
			"error": reason,
		},
	})
}
