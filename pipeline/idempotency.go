package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"

	"opskb/knowledge"
	"opskb/store"
)

// InputHash canonicalizes an activity input and hashes it together with the
// activity name. Equal inputs to the same activity always produce the same
// key regardless of retry attempt.
func InputHash(activityName string, input any) (string, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("hash input: %w", err)
	}
	sum := sha256.Sum256(append([]byte(activityName+"\x00"), payload...))
	return hex.EncodeToString(sum[:]), nil
}

// idempotent runs fn at most once per (workflow_id, activity_name, input)
// triple. A prior recorded success short-circuits with the stored output,
// so a retried or replayed activity never redoes external side effects.
// Without an idempotency log the call degrades to a plain invocation.
func (a *ActivityContext) idempotent(ctx context.Context, name string, input, out any, fn func(context.Context) (any, error)) error {
	if a.Idempotency == nil {
		res, err := fn(ctx)
		if err != nil {
			return err
		}
		return remarshal(res, out)
	}

	workflowID := activity.GetInfo(ctx).WorkflowExecution.ID
	hash, err := InputHash(name, input)
	if err != nil {
		return err
	}
	if exec, err := a.Idempotency.Lookup(ctx, workflowID, name, hash); err == nil && exec.Success {
		a.lg().Info(ctx, "replayed from idempotency log", "activity", name, "input_hash", hash)
		return json.Unmarshal(exec.Output, out)
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("idempotency lookup: %w", err)
	}

	res, err := fn(ctx)
	exec := &knowledge.ActivityExecution{
		WorkflowID:   workflowID,
		ActivityName: name,
		InputHash:    hash,
		Success:      err == nil,
		RecordedAt:   time.Now().UTC(),
	}
	if err != nil {
		exec.Error = err.Error()
		// Failures are recorded for observability but never replayed.
		if recErr := a.Idempotency.Record(ctx, exec); recErr != nil {
			a.lg().Warn(ctx, "idempotency record failed", "activity", name, "err", recErr)
		}
		return err
	}
	if exec.Output, err = json.Marshal(res); err != nil {
		return fmt.Errorf("encode activity output: %w", err)
	}
	if err := a.Idempotency.Record(ctx, exec); err != nil {
		return fmt.Errorf("idempotency record: %w", err)
	}
	return json.Unmarshal(exec.Output, out)
}

// remarshal copies res into out through JSON so the no-log path returns the
// same shapes as the replay path.
func remarshal(res, out any) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
